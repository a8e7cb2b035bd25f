package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/pkg/models"
)

type fakeProvider struct {
	responses []string
	calls     int
	prompts   []string
}

func (f *fakeProvider) Complete(_ context.Context, req providers.Request) (*providers.Response, error) {
	f.prompts = append(f.prompts, req.Prompt)
	resp := f.responses[min(f.calls, len(f.responses)-1)]
	f.calls++
	return &providers.Response{Content: resp, StopReason: "end_turn"}, nil
}

func (f *fakeProvider) IsCloud() bool           { return false }
func (f *fakeProvider) ModelID() string         { return "fake" }
func (f *fakeProvider) SupportsToolCalls() bool { return false }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func plannerTask() *models.Task {
	return &models.Task{
		TaskID:       "task-1",
		TemplateID:   "general",
		Principal:    models.Owner(),
		DataCeiling:  models.LabelSensitive,
		AllowedTools: []string{"email.list", "email.read", "admin.*"},
		DeniedTools:  []string{"email.send_as_owner"},
		MaxToolCalls: 5,
	}
}

const goodPlan = `{"steps": [
	{"step_number": 2, "tool": "email.read", "action_semantics": "read", "arguments": {"id": "msg_1"}},
	{"step_number": 1, "tool": "email.list", "action_semantics": "read", "arguments": {}}
]}`

func TestPlanParsesAndSortsSteps(t *testing.T) {
	provider := &fakeProvider{responses: []string{goodPlan}}
	p, err := New(provider, nil)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := p.Plan(context.Background(), Input{Task: plannerTask(), RequestText: "check email"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %d", len(plan.Steps))
	}
	if plan.Steps[0].StepNumber != 1 || plan.Steps[1].StepNumber != 2 {
		t.Errorf("steps not in ascending order: %+v", plan.Steps)
	}
}

func TestPlanAcceptsProseWrappedJSON(t *testing.T) {
	provider := &fakeProvider{responses: []string{"Here is the plan:\n```json\n" + goodPlan + "\n```\nDone."}}
	p, _ := New(provider, nil)
	plan, err := p.Plan(context.Background(), Input{Task: plannerTask(), RequestText: "check email"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Errorf("steps = %d", len(plan.Steps))
	}
}

func TestPlanRetriesWithCompactionThenFails(t *testing.T) {
	provider := &fakeProvider{responses: []string{"not json at all"}}
	p, _ := New(provider, nil)
	in := Input{
		Task:        plannerTask(),
		RequestText: "check email",
		Persona:     map[string]string{"tone": "warm"},
		Memories:    []*models.Memory{{Content: "likes brevity"}},
	}
	_, err := p.Plan(context.Background(), in)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if provider.calls != maxParseAttempts {
		t.Errorf("calls = %d, want %d", provider.calls, maxParseAttempts)
	}
	// Later attempts must be compacted: persona and memories dropped.
	if !strings.Contains(provider.prompts[0], "Persona") {
		t.Error("first prompt missing persona section")
	}
	if strings.Contains(provider.prompts[1], "Persona") || strings.Contains(provider.prompts[1], "likes brevity") {
		t.Error("retry prompt was not compacted")
	}
}

func TestPlanRefusal(t *testing.T) {
	provider := &fakeProvider{responses: []string{`{"steps": [], "refusal": "no tool can send flowers"}`}}
	p, _ := New(provider, nil)
	plan, err := p.Plan(context.Background(), Input{Task: plannerTask(), RequestText: "send flowers"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Refusal == "" || len(plan.Steps) != 0 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestValidateRejectsOutOfUniverseTools(t *testing.T) {
	task := plannerTask()
	tests := []struct {
		name string
		plan models.Plan
	}{
		{"denied tool", models.Plan{Steps: []models.PlanStep{
			{StepNumber: 1, Tool: "email.send_as_owner", ActionSemantics: models.ActionWrite, Arguments: []byte(`{}`)},
		}}},
		{"unlisted tool", models.Plan{Steps: []models.PlanStep{
			{StepNumber: 1, Tool: "github.create_issue", ActionSemantics: models.ActionWrite, Arguments: []byte(`{}`)},
		}}},
		{"duplicate step numbers", models.Plan{Steps: []models.PlanStep{
			{StepNumber: 1, Tool: "email.list", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
			{StepNumber: 1, Tool: "email.read", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
		}}},
		{"over budget", models.Plan{Steps: []models.PlanStep{
			{StepNumber: 1, Tool: "email.list", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
			{StepNumber: 2, Tool: "email.list", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
			{StepNumber: 3, Tool: "email.list", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
			{StepNumber: 4, Tool: "email.list", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
			{StepNumber: 5, Tool: "email.list", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
			{StepNumber: 6, Tool: "email.list", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var validationErr *ValidationError
			if err := Validate(&tt.plan, task); !errors.As(err, &validationErr) {
				t.Errorf("Validate = %v, want ValidationError", err)
			}
		})
	}
}

func TestValidateAllowsWildcard(t *testing.T) {
	plan := models.Plan{Steps: []models.PlanStep{
		{StepNumber: 1, Tool: "admin.list_integrations", ActionSemantics: models.ActionRead, Arguments: []byte(`{}`)},
	}}
	if err := Validate(&plan, plannerTask()); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestPromptOmitsEmptySections(t *testing.T) {
	prompt := BuildPrompt(Input{Task: plannerTask(), RequestText: "hello"})
	for _, section := range []string{"## Persona", "## Relevant memories", "## Recent task results", "## Conversation so far"} {
		if strings.Contains(prompt, section) {
			t.Errorf("empty section %q present", section)
		}
	}
	if !strings.Contains(prompt, "## Request") || !strings.Contains(prompt, "## Available tools") {
		t.Error("mandatory sections missing")
	}
}

func TestSchemaRejectsUnknownStepFields(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		`{"steps": [{"step_number": 1, "tool": "email.list", "action_semantics": "read", "arguments": {}, "grant_capability": "all"}]}`,
	}}
	p, _ := New(provider, nil)
	_, err := p.Plan(context.Background(), Input{Task: plannerTask(), RequestText: "check email"})
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("unknown field accepted: %v", err)
	}
}
