package models

import (
	"encoding/json"
	"time"
)

// TaskPhase enumerates the task lifecycle. Persisted phases only ever
// advance (terminal phases are never left); recovery relies on this.
type TaskPhase string

const (
	PhaseExtracting         TaskPhase = "extracting"
	PhasePlanning           TaskPhase = "planning"
	PhaseExecuting          TaskPhase = "executing"
	PhaseAwaitingApproval   TaskPhase = "awaiting_approval"
	PhaseAwaitingCredential TaskPhase = "awaiting_credential"
	PhaseSynthesizing       TaskPhase = "synthesizing"
	PhaseCompleted          TaskPhase = "completed"
	PhaseFailed             TaskPhase = "failed"
	PhaseAbandoned          TaskPhase = "abandoned"
)

// Terminal reports whether the phase ends the task lifecycle.
func (p TaskPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseAbandoned
}

// phaseRank orders phases for the monotonic-advance check. Suspension
// phases share executing's rank because a task oscillates between them.
func (p TaskPhase) rank() int {
	switch p {
	case PhaseExtracting:
		return 0
	case PhasePlanning:
		return 1
	case PhaseExecuting, PhaseAwaitingApproval, PhaseAwaitingCredential:
		return 2
	case PhaseSynthesizing:
		return 3
	default:
		return 4
	}
}

// CanAdvanceTo reports whether a persisted transition from p to next keeps
// the lifecycle monotonic.
func (p TaskPhase) CanAdvanceTo(next TaskPhase) bool {
	if p.Terminal() {
		return false
	}
	return next.rank() >= p.rank()
}

// TaskState is the persisted position of a task in its lifecycle.
type TaskState struct {
	Phase TaskPhase `json:"phase"`

	// Executing state.
	CurrentStep    int             `json:"current_step,omitempty"`
	CompletedSteps []CompletedStep `json:"completed_steps,omitempty"`

	// StepInProgress marks a step whose tool call may have been in flight
	// at a crash. Recovery treats in-progress writes specially.
	StepInProgress bool `json:"step_in_progress,omitempty"`

	// Plan is carried so executing and synthesizing can resume.
	Plan *Plan `json:"plan,omitempty"`

	// PendingApprovalID correlates an awaiting_approval task with the
	// approval manager.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`

	// Reason explains a terminal phase.
	Reason string `json:"reason,omitempty"`
}

// ActionSemantics classifies what a plan step does to the outside world.
type ActionSemantics string

const (
	ActionRead  ActionSemantics = "read"
	ActionWrite ActionSemantics = "write"
)

// PlanStep is a single validated step of an LLM-produced plan. The
// RequiresApproval annotation from the model is advisory; the kernel
// recomputes the approval decision from taint.
type PlanStep struct {
	StepNumber       int             `json:"step_number"`
	Tool             string          `json:"tool"`
	ActionSemantics  ActionSemantics `json:"action_semantics"`
	Arguments        json.RawMessage `json:"arguments"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
}

// Plan is the planner's output.
type Plan struct {
	Steps []PlanStep `json:"steps"`

	// Refusal carries the planner's explanation when it declines to plan
	// within the capability set. A refusal has no steps.
	Refusal string `json:"refusal,omitempty"`
}

// CompletedStep is a journaled execution checkpoint, keyed (task_id, step).
type CompletedStep struct {
	Step            int             `json:"step"`
	Tool            string          `json:"tool"`
	ActionSemantics ActionSemantics `json:"action_semantics"`
	Result          json.RawMessage `json:"result,omitempty"`
	Label           SecurityLabel   `json:"label"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// Task is one admitted unit of pipeline work.
type Task struct {
	TaskID       string        `json:"task_id"`
	TemplateID   string        `json:"template_id"`
	Principal    Principal     `json:"principal"`
	TriggerEvent *InboundEvent `json:"trigger_event,omitempty"`

	// DataCeiling is the maximum label the task may observe.
	DataCeiling SecurityLabel `json:"data_ceiling"`

	// AllowedTools and DeniedTools define the capability universe; both
	// accept exact names and `prefix.*` wildcards. Denied wins.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`

	MaxToolCalls int      `json:"max_tool_calls"`
	OutputSinks  []string `json:"output_sinks,omitempty"`
	TraceID      string   `json:"trace_id,omitempty"`

	State TaskState `json:"state"`

	UpdatedAt time.Time `json:"updated_at"`
}
