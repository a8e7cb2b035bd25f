// Package planner prompts the model to emit a JSON plan and validates it
// against the task's capability universe before anything executes. The
// planner is capability-bounded by construction: its prompt lists only
// allowed tools, its input never carries secrets, and its output is
// schema-checked and re-validated step by step.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/pkg/models"
)

// parse retries with a compacted prompt before giving up.
const maxParseAttempts = 3

// planSchema is the wire contract for plans. Unknown step fields are
// rejected so a model cannot smuggle extra directives past validation.
const planSchema = `{
	"type": "object",
	"required": ["steps"],
	"additionalProperties": false,
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["step_number", "tool", "action_semantics", "arguments"],
				"additionalProperties": false,
				"properties": {
					"step_number": {"type": "integer", "minimum": 1},
					"tool": {"type": "string", "minLength": 1},
					"action_semantics": {"enum": ["read", "write"]},
					"arguments": {"type": "object"},
					"requires_approval": {"type": "boolean"}
				}
			}
		},
		"refusal": {"type": "string"}
	}
}`

// ParseError reports a plan the model emitted that does not parse or
// validate. The pipeline retries with a compacted prompt.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "plan parse: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a parsed plan that violates the task's
// capability universe. Not retried: the model was told the rules.
type ValidationError struct {
	Step   int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan step %d: %s", e.Step, e.Reason)
}

// Planner drives the planning phase.
type Planner struct {
	provider providers.Provider
	logger   *slog.Logger
	schema   *jsonschema.Schema
}

// New creates a planner over a provider. The provider must already have
// passed the inference-routing check for the task at hand; the pipeline
// performs that check before calling Plan.
func New(provider providers.Provider, logger *slog.Logger) (*Planner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", strings.NewReader(planSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, err
	}
	return &Planner{provider: provider, logger: logger, schema: schema}, nil
}

// Plan prompts for a plan and validates it. Parse failures retry with a
// compacted prompt up to the attempt cap; the final failure surfaces as a
// ParseError.
func (p *Planner) Plan(ctx context.Context, in Input) (*models.Plan, error) {
	var lastErr error
	current := in
	for attempt := 1; attempt <= maxParseAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		prompt := BuildPrompt(current)
		resp, err := p.provider.Complete(ctx, providers.Request{
			Prompt:      prompt,
			Temperature: 0.2,
			MaxTokens:   1024,
		})
		if err != nil {
			return nil, fmt.Errorf("planner completion: %w", err)
		}

		plan, err := p.parse(resp.Content)
		if err == nil {
			if err := Validate(plan, in.Task); err != nil {
				return nil, err
			}
			return plan, nil
		}
		lastErr = err
		p.logger.Warn("plan parse failed, compacting",
			"attempt", attempt,
			"task_id", in.Task.TaskID,
			"error", err,
		)
		current = compact(current)
	}
	return nil, &ParseError{Err: lastErr}
}

// parse extracts and schema-checks the JSON object in content. Models
// occasionally wrap JSON in prose or fences; the first balanced object is
// taken.
func (p *Planner) parse(content string) (*models.Plan, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, err
	}
	if err := p.schema.Validate(generic); err != nil {
		return nil, err
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks every step against the task: tool allowed and not
// denied, unique ascending step numbers, step count within the tool-call
// budget. The model's requires_approval annotation is advisory and is
// recomputed by the executor from taint.
func Validate(plan *models.Plan, task *models.Task) error {
	if plan.Refusal != "" && len(plan.Steps) > 0 {
		return &ValidationError{Reason: "refusal with steps"}
	}
	if task.MaxToolCalls > 0 && len(plan.Steps) > task.MaxToolCalls {
		return &ValidationError{Reason: fmt.Sprintf("%d steps exceed the budget of %d", len(plan.Steps), task.MaxToolCalls)}
	}
	seen := make(map[int]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if seen[step.StepNumber] {
			return &ValidationError{Step: step.StepNumber, Reason: "duplicate step number"}
		}
		seen[step.StepNumber] = true
		if step.ActionSemantics != models.ActionRead && step.ActionSemantics != models.ActionWrite {
			return &ValidationError{Step: step.StepNumber, Reason: "unknown action semantics"}
		}
		if !allowed(task, step.Tool) {
			return &ValidationError{Step: step.StepNumber, Reason: fmt.Sprintf("tool %s outside the capability universe", step.Tool)}
		}
	}
	sortSteps(plan.Steps)
	return nil
}

func allowed(task *models.Task, tool string) bool {
	return matchPatterns(task.AllowedTools, tool) && !matchPatterns(task.DeniedTools, tool)
}

func matchPatterns(patterns []string, tool string) bool {
	for _, pattern := range patterns {
		if pattern == tool {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && strings.HasPrefix(tool, prefix+".") {
			return true
		}
	}
	return false
}

func sortSteps(steps []models.PlanStep) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
}

// extractJSONObject returns the first balanced top-level JSON object in
// s, honoring strings and escapes.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
