// Package executor runs validated plans step by step. Every step
// exchanges a freshly minted capability token for exactly one tool call,
// labels flow through the kernel's ceilings, and raw-tainted writes
// suspend the task for human approval instead of executing.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/approvals"
	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/retry"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/internal/vault"
	"github.com/haasonsaas/warden/pkg/models"
)

// CeilingError reports a step whose inputs exceed the task's data
// ceiling.
type CeilingError struct {
	Step    int
	Label   models.SecurityLabel
	Ceiling models.SecurityLabel
}

func (e *CeilingError) Error() string {
	return fmt.Sprintf("step %d: input label %s exceeds task ceiling %s", e.Step, e.Label, e.Ceiling)
}

// ToolFailure reports a step whose tool failed after retries.
type ToolFailure struct {
	Step int
	Tool string
	Err  error
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.Tool, e.Err)
}
func (e *ToolFailure) Unwrap() error { return e.Err }

// Options carries one execution run.
type Options struct {
	Task     *models.Task
	Plan     *models.Plan
	Snapshot *tools.Snapshot

	// ArgTaint is the taint of the trigger content flowing into tool
	// arguments; the taint-approval rule keys off it.
	ArgTaint models.Taint

	// EventLabel is the trigger event's assigned label; it seeds the
	// running input-label computation.
	EventLabel models.SecurityLabel

	// ApprovedSteps are steps the owner already approved; their taint
	// gate is satisfied for this run only.
	ApprovedSteps map[int]bool

	// StepDeadline bounds each tool call.
	StepDeadline time.Duration
}

// Outcome is the result of a run: either all steps completed (the task
// moves to synthesis) or the run suspended awaiting approval.
type Outcome struct {
	Suspended bool
	Approval  approvals.Pending
	Steps     []models.CompletedStep

	// ResultLabel is the propagated label over the event and all step
	// outputs; synthesis and the sink check consume it.
	ResultLabel models.SecurityLabel
}

// Executor drives plan execution.
type Executor struct {
	policy    *policy.Engine
	vault     *vault.Vault
	journal   *journal.Journal
	audit     *audit.Log
	approvals *approvals.Manager
	registry  *tools.Registry
	logger    *slog.Logger
	retryCfg  retry.Config
}

// New wires an executor.
func New(p *policy.Engine, v *vault.Vault, j *journal.Journal, a *audit.Log, am *approvals.Manager, registry *tools.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		policy:    p,
		vault:     v,
		journal:   j,
		audit:     a,
		approvals: am,
		registry:  registry,
		logger:    logger,
		retryCfg:  retry.ToolConfig(),
	}
}

// Run executes the plan from wherever the journal says it stopped. Steps
// already journaled are skipped, so resuming after a crash or an approval
// replays nothing.
func (e *Executor) Run(ctx context.Context, opts Options) (*Outcome, error) {
	task := opts.Task
	done, err := e.journal.CompletedSteps(task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load completed steps: %w", err)
	}
	completed := make(map[int]models.CompletedStep, len(done))
	labels := []models.SecurityLabel{opts.EventLabel}
	for _, step := range done {
		completed[step.Step] = step
		labels = append(labels, step.Label)
	}

	outcome := &Outcome{Steps: done}

	for _, step := range opts.Plan.Steps {
		if _, ok := completed[step.StepNumber]; ok {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// The step's inputs are the event plus every prior output; they
		// must stay under the task's ceiling.
		inputLabel := e.policy.PropagateLabel(labels...)
		if inputLabel > task.DataCeiling {
			return nil, &CeilingError{Step: step.StepNumber, Label: inputLabel, Ceiling: task.DataCeiling}
		}

		tool, ok := opts.Snapshot.Get(step.Tool)
		if !ok {
			return nil, &ToolFailure{Step: step.StepNumber, Tool: step.Tool, Err: fmt.Errorf("tool not registered")}
		}

		// The taint rule keys off the tool's static write declaration,
		// not the plan's claim.
		if tool.Semantics() == models.ActionWrite && !opts.ApprovedSteps[step.StepNumber] {
			decision := e.policy.CheckTaint(opts.ArgTaint, hasFreeText(step.Arguments))
			if !decision.AutoApproved {
				pending := e.approvals.Request(task.TaskID, step.StepNumber, ownerPrincipalFor(task), stepSummary(step, decision.Reason))
				_ = e.audit.PolicyDecision(task.TaskID, step.Tool, "approval_required", decision.Reason)
				outcome.Suspended = true
				outcome.Approval = pending
				outcome.ResultLabel = e.policy.PropagateLabel(labels...)
				return outcome, nil
			}
		}

		token, err := e.policy.IssueCapability(task, step.Tool, resourceScope(step), opts.ArgTaint.Level)
		if err != nil {
			_ = e.audit.PolicyDecision(task.TaskID, step.Tool, "capability_refused", err.Error())
			return nil, err
		}
		_ = e.audit.PolicyDecision(task.TaskID, step.Tool, "capability_issued", token.CapabilityID)

		record, err := e.invoke(ctx, task, step, tool, token, opts)
		if err != nil {
			return nil, err
		}

		labels = append(labels, record.Label)
		completed[step.StepNumber] = *record
		outcome.Steps = append(outcome.Steps, *record)
	}

	outcome.ResultLabel = e.policy.PropagateLabel(labels...)
	return outcome, nil
}

// invoke performs the capability exchange and one (retried) tool call,
// then journals the step.
func (e *Executor) invoke(ctx context.Context, task *models.Task, step models.PlanStep, tool tools.Tool, token *models.CapabilityToken, opts Options) (*models.CompletedStep, error) {
	// Exchange: the token must verify against this task and tool before
	// the tool runs.
	validated, err := e.policy.ValidateCapability(token.Signed, task, step.Tool)
	if err != nil {
		return nil, err
	}

	isWrite := tool.Semantics() == models.ActionWrite
	if isWrite {
		task.State.CurrentStep = step.StepNumber
		task.State.StepInProgress = true
		if err := e.journal.SaveTask(task); err != nil {
			return nil, fmt.Errorf("checkpoint before write: %w", err)
		}
	}

	inv := tools.Invocation{
		Capability: validated,
		Arguments:  step.Arguments,
		Vault:      tools.NewVaultHandle(e.vault, validated.ResourceScope),
		Deadline:   opts.StepDeadline,
	}

	var result *tools.Result
	start := time.Now()
	err = retry.Do(ctx, e.retryCfg, func() error {
		callCtx := ctx
		if opts.StepDeadline > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, opts.StepDeadline)
			defer cancel()
		}
		var invErr error
		result, invErr = tool.Invoke(callCtx, inv)
		if invErr == nil {
			return nil
		}
		var retryable *tools.RetryableError
		if errors.As(invErr, &retryable) {
			return invErr
		}
		return retry.Permanent(invErr)
	})
	e.registry.RecordInvocation(step.Tool, err == nil, time.Since(start))

	if err != nil {
		_ = e.audit.ToolInvoked(task.TaskID, step.Tool, validated.CapabilityID, validated.TaintOfArguments, models.LabelPublic, false)
		return nil, &ToolFailure{Step: step.StepNumber, Tool: step.Tool, Err: err}
	}

	// The kernel's ceiling is authoritative over the tool's self-report.
	label := e.policy.ApplyLabelCeiling(step.Tool, result.ReportedLabel)
	_ = e.audit.ToolInvoked(task.TaskID, step.Tool, validated.CapabilityID, validated.TaintOfArguments, label, true)

	record := models.CompletedStep{
		Step:            step.StepNumber,
		Tool:            step.Tool,
		ActionSemantics: tool.Semantics(),
		Result:          result.Output,
		Label:           label,
		CompletedAt:     time.Now().UTC(),
	}
	if err := e.journal.RecordCompletedStep(task.TaskID, record); err != nil {
		return nil, fmt.Errorf("journal step: %w", err)
	}
	if isWrite {
		task.State.StepInProgress = false
		if err := e.journal.SaveTask(task); err != nil {
			return nil, fmt.Errorf("checkpoint after write: %w", err)
		}
	}
	return &record, nil
}

// ownerPrincipalFor names who may approve a task's suspended writes: the
// owner for tasks the owner triggered, and still the owner for peer
// traffic (a peer never approves its own writes).
func ownerPrincipalFor(task *models.Task) models.Principal {
	if task.Principal.IsOwner() {
		return task.Principal
	}
	return models.Owner()
}

func resourceScope(step models.PlanStep) string {
	// A tool's vault scope follows its service prefix: "email.send" may
	// read only the email service's credential.
	service, _, ok := strings.Cut(step.Tool, ".")
	if !ok {
		return ""
	}
	return fmt.Sprintf("vault:%s_%s_token", service, service)
}

func stepSummary(step models.PlanStep, reason string) string {
	return fmt.Sprintf("Step %d wants to run %s (%s). Approve?", step.StepNumber, step.Tool, reason)
}

// hasFreeText reports whether a write's arguments carry natural-language
// fields, either by conventional name or by shape (a multi-word string).
func hasFreeText(arguments json.RawMessage) bool {
	var parsed map[string]any
	if err := json.Unmarshal(arguments, &parsed); err != nil {
		// Unparseable arguments are treated as free text: the conservative
		// direction for the approval rule.
		return true
	}
	return mapHasFreeText(parsed)
}

var freeTextKeys = map[string]bool{
	"body": true, "text": true, "message": true, "content": true,
	"comment": true, "description": true, "note": true,
}

func mapHasFreeText(m map[string]any) bool {
	for key, value := range m {
		switch v := value.(type) {
		case string:
			if freeTextKeys[strings.ToLower(key)] || strings.ContainsAny(v, " \n") {
				return true
			}
		case map[string]any:
			if mapHasFreeText(v) {
				return true
			}
		case []any:
			for _, item := range v {
				if inner, ok := item.(map[string]any); ok && mapHasFreeText(inner) {
					return true
				}
				if s, ok := item.(string); ok && strings.ContainsAny(s, " \n") {
					return true
				}
			}
		}
	}
	return false
}
