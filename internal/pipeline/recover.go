package pipeline

import (
	"context"
	"fmt"

	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/extractor"
	"github.com/haasonsaas/warden/internal/recovery"
	"github.com/haasonsaas/warden/pkg/models"
)

// ApplyRecovery drives the startup recovery decisions through the
// pipeline and delivers the owner brief. Called once, before adapters
// start delivering fresh events.
func (p *Pipeline) ApplyRecovery(ctx context.Context, report *recovery.Report) {
	for _, action := range report.Actions {
		task := action.Task
		switch action.Decision {
		case recovery.DecisionRetry:
			// The lifecycle is monotonic, so a from-scratch retry runs as
			// a fresh task; the interrupted row is closed out.
			p.finishTask(ctx, task, models.PhaseAbandoned, "superseded by restart retry")
			if task.TriggerEvent != nil {
				p.HandleEvent(ctx, task.TriggerEvent)
			}

		case recovery.DecisionResume:
			p.resumeExecution(ctx, task, nil)

		case recovery.DecisionResynthesize:
			steps, err := p.journal.CompletedSteps(task.TaskID)
			if err != nil {
				p.logger.Warn("resynthesize: load steps", "task_id", task.TaskID, "error", err)
				continue
			}
			labels := make([]models.SecurityLabel, 0, len(steps)+1)
			labels = append(labels, p.eventLabelOf(task))
			for _, s := range steps {
				labels = append(labels, s.Label)
			}
			p.synthesizeAndSend(ctx, task, task.TriggerEvent, steps, p.policy.PropagateLabel(labels...), "")

		case recovery.DecisionConfirmWrite:
			pending := p.approvals.Request(task.TaskID, action.ConfirmStep, models.Owner(),
				fmt.Sprintf("A write (step %d) may have been interrupted mid-flight. Run it again?", action.ConfirmStep))
			task.State.Phase = models.PhaseAwaitingApproval
			task.State.PendingApprovalID = pending.ApprovalID
			task.State.StepInProgress = false
			if err := p.journal.SaveTask(task); err != nil {
				p.logger.Warn("persist confirm-write suspension", "task_id", task.TaskID, "error", err)
				continue
			}
			p.send(ctx, channels.Command{
				Kind:       channels.CmdSendApprovalRequest,
				Adapter:    p.adminAdapter(),
				ChatID:     p.adminChatID(),
				Text:       pending.Summary,
				ApprovalID: pending.ApprovalID,
			})

		case recovery.DecisionReprompt:
			p.reprompt(ctx, task)
		}
	}

	p.send(ctx, channels.Command{
		Kind:    channels.CmdSendMessage,
		Adapter: p.adminAdapter(),
		ChatID:  p.adminChatID(),
		Text:    report.Summary(),
	})
}

// resumeExecution re-runs the executing phase of a persisted task.
func (p *Pipeline) resumeExecution(ctx context.Context, task *models.Task, approvedSteps map[int]bool) {
	if task.State.Plan == nil {
		p.failTask(ctx, task, "plan lost across restart", true)
		return
	}
	label := p.eventLabelOf(task)
	taint := p.eventTaintOf(task)
	p.executeAndFinish(ctx, task, task.TriggerEvent, task.State.Plan, label, taint, approvedSteps)
}

// reprompt re-emits whatever the task was waiting on.
func (p *Pipeline) reprompt(ctx context.Context, task *models.Task) {
	switch task.State.Phase {
	case models.PhaseAwaitingApproval:
		step := task.State.CurrentStep
		summary := fmt.Sprintf("Still waiting on your approval for step %d.", step)
		pending := p.approvals.Restore(task.State.PendingApprovalID, task.TaskID, step, models.Owner(), summary)
		p.send(ctx, channels.Command{
			Kind:       channels.CmdSendApprovalRequest,
			Adapter:    p.adminAdapter(),
			ChatID:     p.adminChatID(),
			Text:       pending.Summary,
			ApprovalID: pending.ApprovalID,
		})

	case models.PhaseAwaitingCredential:
		prompt, ok := p.gate.PendingFor(task.Principal)
		if !ok {
			p.failTask(ctx, task, "credential prompt lost", true)
			return
		}
		p.send(ctx, channels.Command{
			Kind:    channels.CmdSendMessage,
			Adapter: p.adminAdapter(),
			ChatID:  p.adminChatID(),
			Text:    fmt.Sprintf("Still waiting on the %s token. Paste it here, or say cancel.", prompt.Service),
		})
	}
}

func (p *Pipeline) eventLabelOf(task *models.Task) models.SecurityLabel {
	if task.TriggerEvent != nil {
		return p.policy.AssignEventLabel(task.TriggerEvent.Source)
	}
	return models.LabelPublic
}

func (p *Pipeline) eventTaintOf(task *models.Task) models.Taint {
	if task.TriggerEvent == nil {
		return models.CleanTaint("system")
	}
	taint := p.policy.AssignEventTaint(task.TriggerEvent.Source)
	if taint.Level == models.TaintRaw {
		taint = taint.Extracted(extractor.ID)
	}
	return taint
}
