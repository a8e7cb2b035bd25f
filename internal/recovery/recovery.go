// Package recovery classifies unfinished tasks at startup and decides,
// per task, whether to retry from scratch, resume from the journaled
// steps, re-prompt the owner, or abandon. Replay decisions are
// conservative: a write that may have been in flight at the crash is
// never silently re-executed.
package recovery

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/pkg/models"
)

// DefaultMaxAge abandons tasks untouched longer than this.
const DefaultMaxAge = 10 * time.Minute

// Decision is the recovery verdict for one task.
type Decision int

const (
	// DecisionRetry restarts the task from the extraction phase.
	DecisionRetry Decision = iota
	// DecisionResume continues execution from the next unjournaled step.
	DecisionResume
	// DecisionConfirmWrite asks the owner before re-running a write that
	// was in flight at the crash.
	DecisionConfirmWrite
	// DecisionResynthesize re-runs only the response phase.
	DecisionResynthesize
	// DecisionReprompt re-emits a pending approval or credential prompt.
	DecisionReprompt
	// DecisionAbandon marks the task abandoned.
	DecisionAbandon
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionResume:
		return "resume"
	case DecisionConfirmWrite:
		return "confirm_write"
	case DecisionResynthesize:
		return "resynthesize"
	case DecisionReprompt:
		return "reprompt"
	default:
		return "abandon"
	}
}

// Action pairs a task with its verdict.
type Action struct {
	Task     *models.Task
	Decision Decision

	// ConfirmStep is the write step needing owner confirmation when the
	// decision is DecisionConfirmWrite.
	ConfirmStep int
}

// Report summarizes one recovery pass.
type Report struct {
	Retried          int
	Resumed          int
	Reprompted       int
	Abandoned        int
	OrphanContainers int

	Actions []Action
}

// Summary renders the owner-facing one-message digest. Empty categories
// are omitted; an empty report reads as a clean start.
func (r *Report) Summary() string {
	var parts []string
	if r.Retried > 0 {
		parts = append(parts, fmt.Sprintf("%d restarted", r.Retried))
	}
	if r.Resumed > 0 {
		parts = append(parts, fmt.Sprintf("%d resumed", r.Resumed))
	}
	if r.Reprompted > 0 {
		parts = append(parts, fmt.Sprintf("%d waiting on you again", r.Reprompted))
	}
	if r.Abandoned > 0 {
		parts = append(parts, fmt.Sprintf("%d dropped as stale", r.Abandoned))
	}
	if r.OrphanContainers > 0 {
		parts = append(parts, fmt.Sprintf("%d orphaned sandboxes cleaned", r.OrphanContainers))
	}
	if len(parts) == 0 {
		return "Back online. Nothing was interrupted."
	}
	return "Back online. Unfinished work: " + strings.Join(parts, ", ") + "."
}

// Recovery runs the startup pass.
type Recovery struct {
	journal *journal.Journal
	audit   *audit.Log
	logger  *slog.Logger
	maxAge  time.Duration

	now func() time.Time
}

// New creates a recovery pass with the given abandonment age
// (DefaultMaxAge if zero).
func New(j *journal.Journal, a *audit.Log, maxAge time.Duration, logger *slog.Logger) *Recovery {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{journal: j, audit: a, logger: logger, maxAge: maxAge, now: time.Now}
}

// Run classifies every unfinished task. Abandonments are persisted here;
// all other actions are returned for the pipeline to drive.
func (r *Recovery) Run() (*Report, error) {
	tasks, err := r.journal.UnfinishedTasks()
	if err != nil {
		return nil, fmt.Errorf("load unfinished tasks: %w", err)
	}

	report := &Report{}
	cutoff := r.now().Add(-r.maxAge)

	for _, task := range tasks {
		action, err := r.classify(task, cutoff)
		if err != nil {
			return nil, err
		}
		_ = r.audit.Recovery(task.TaskID, action.Decision.String())

		switch action.Decision {
		case DecisionAbandon:
			from := task.State.Phase
			task.State.Phase = models.PhaseAbandoned
			task.State.Reason = fmt.Sprintf("untouched for more than %s", r.maxAge)
			if err := r.journal.SaveTask(task); err != nil {
				return nil, fmt.Errorf("abandon task %s: %w", task.TaskID, err)
			}
			_ = r.audit.TaskTransition(task.TaskID, from, models.PhaseAbandoned, task.State.Reason)
			report.Abandoned++
		case DecisionRetry:
			report.Retried++
		case DecisionResume, DecisionResynthesize:
			report.Resumed++
		case DecisionConfirmWrite, DecisionReprompt:
			report.Reprompted++
		}
		report.Actions = append(report.Actions, action)
	}
	return report, nil
}

// classify applies the replay matrix to one task.
func (r *Recovery) classify(task *models.Task, cutoff time.Time) (Action, error) {
	if task.UpdatedAt.Before(cutoff) {
		return Action{Task: task, Decision: DecisionAbandon}, nil
	}

	switch task.State.Phase {
	case models.PhaseExtracting, models.PhasePlanning:
		return Action{Task: task, Decision: DecisionRetry}, nil

	case models.PhaseExecuting:
		steps, err := r.journal.CompletedSteps(task.TaskID)
		if err != nil {
			return Action{}, fmt.Errorf("steps for %s: %w", task.TaskID, err)
		}
		if len(steps) == 0 && !task.State.StepInProgress {
			return Action{Task: task, Decision: DecisionRetry}, nil
		}
		// A write marked in progress may or may not have reached the
		// outside world; only the owner can decide.
		if task.State.StepInProgress {
			return Action{Task: task, Decision: DecisionConfirmWrite, ConfirmStep: task.State.CurrentStep}, nil
		}
		return Action{Task: task, Decision: DecisionResume}, nil

	case models.PhaseSynthesizing:
		return Action{Task: task, Decision: DecisionResynthesize}, nil

	case models.PhaseAwaitingApproval, models.PhaseAwaitingCredential:
		return Action{Task: task, Decision: DecisionReprompt}, nil

	default:
		return Action{Task: task, Decision: DecisionAbandon}, nil
	}
}

// ReplayStep decides what to do with one journaled step when a resumed
// task replays its plan.
type ReplayStep int

const (
	// ReplaySkip reuses the cached result.
	ReplaySkip ReplayStep = iota
	// ReplayRetry re-executes the step.
	ReplayRetry
	// ReplayConfirm asks the owner before re-executing.
	ReplayConfirm
)

// ClassifyStep applies the per-step replay rules.
func ClassifyStep(step models.CompletedStep, inProgressAtCrash bool) ReplayStep {
	if step.ActionSemantics == models.ActionRead {
		if len(step.Result) > 0 {
			return ReplaySkip
		}
		return ReplayRetry
	}
	if inProgressAtCrash {
		return ReplayConfirm
	}
	return ReplayRetry
}
