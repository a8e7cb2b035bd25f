// Package pipeline drives the Plan-Then-Execute lifecycle for every
// inbound event: credential gate, extract, plan, execute, synthesize,
// with checkpoints journaled after each phase. The pipeline is sequential
// per principal and concurrent across principals.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/approvals"
	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/credgate"
	"github.com/haasonsaas/warden/internal/executor"
	"github.com/haasonsaas/warden/internal/extractor"
	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/internal/planner"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/internal/synthesizer"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/internal/vault"
	"github.com/haasonsaas/warden/pkg/models"
)

// Per-call deadlines for boundary-crossing operations.
const (
	llmDeadline  = 60 * time.Second
	toolDeadline = 30 * time.Second
)

// Deps wires the pipeline. Every field is required unless noted.
type Deps struct {
	Config    *config.Config
	Policy    *policy.Engine
	Vault     *vault.Vault
	Journal   *journal.Journal
	Sessions  *sessions.Store
	Gate      *credgate.Gate
	Approvals *approvals.Manager
	Audit     *audit.Log
	Registry  *tools.Registry
	Executor  *executor.Executor

	// Local and Cloud are the inference drivers; either may be nil, but
	// not both. Local is preferred whenever routing admits it.
	Local providers.Provider
	Cloud providers.Provider

	// Commands receives outbound adapter commands. Bounded: when full,
	// the pipeline blocks the task rather than dropping messages.
	Commands chan<- channels.Command

	Metrics *Metrics // optional
	Logger  *slog.Logger
}

// Pipeline is the orchestrator.
type Pipeline struct {
	cfg       *config.Config
	policy    *policy.Engine
	vault     *vault.Vault
	journal   *journal.Journal
	sessions  *sessions.Store
	gate      *credgate.Gate
	approvals *approvals.Manager
	audit     *audit.Log
	registry  *tools.Registry
	executor  *executor.Executor
	local     providers.Provider
	cloud     providers.Provider
	commands  chan<- channels.Command
	metrics   *Metrics
	logger    *slog.Logger

	// principalLocks serializes event processing per principal.
	principalLocksMu sync.Mutex
	principalLocks   map[string]*principalLock
}

type principalLock struct {
	mu   sync.Mutex
	refs int
}

// New wires a pipeline.
func New(deps Deps) (*Pipeline, error) {
	if deps.Local == nil && deps.Cloud == nil {
		return nil, fmt.Errorf("pipeline: at least one provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:            deps.Config,
		policy:         deps.Policy,
		vault:          deps.Vault,
		journal:        deps.Journal,
		sessions:       deps.Sessions,
		gate:           deps.Gate,
		approvals:      deps.Approvals,
		audit:          deps.Audit,
		registry:       deps.Registry,
		executor:       deps.Executor,
		local:          deps.Local,
		cloud:          deps.Cloud,
		commands:       deps.Commands,
		metrics:        deps.Metrics,
		logger:         logger,
		principalLocks: make(map[string]*principalLock),
	}, nil
}

// lockPrincipal serializes processing per principal key.
func (p *Pipeline) lockPrincipal(key string) func() {
	p.principalLocksMu.Lock()
	lock := p.principalLocks[key]
	if lock == nil {
		lock = &principalLock{}
		p.principalLocks[key] = lock
	}
	lock.refs++
	p.principalLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.principalLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(p.principalLocks, key)
		}
		p.principalLocksMu.Unlock()
	}
}

// HandleEvent consumes one inbound event. Events within a principal are
// processed in arrival order; distinct principals proceed concurrently.
func (p *Pipeline) HandleEvent(ctx context.Context, event *models.InboundEvent) {
	unlock := p.lockPrincipal(event.Source.Principal.Key())
	defer unlock()

	if event.Kind == models.EventCallback {
		p.handleCallback(ctx, event)
		return
	}
	p.runTask(ctx, event)
}

func (p *Pipeline) runTask(ctx context.Context, event *models.InboundEvent) {
	label := p.policy.AssignEventLabel(event.Source)
	taint := p.policy.AssignEventTaint(event.Source)

	task := p.newTask(event)
	if err := p.journal.SaveTask(task); err != nil {
		p.logger.Error("journal unavailable; refusing event", "error", err)
		return
	}
	_ = p.audit.EventAdmitted(task.TaskID, task.Principal, label, taint.Level)

	// The credential gate runs before anything can see the text.
	outcome, err := p.gate.Classify(event)
	if err != nil {
		p.failTask(ctx, task, "credential gate error", false)
		return
	}
	switch outcome.Kind {
	case credgate.Intercepted:
		if outcome.ChatID != "" && outcome.MessageID != "" {
			p.send(ctx, channels.Command{
				Kind:      channels.CmdDeleteMessage,
				Adapter:   event.Source.Adapter,
				ChatID:    outcome.ChatID,
				MessageID: outcome.MessageID,
			})
		}
		// The acknowledgment is composed without any model call: the
		// credential text must not reach an LLM between intercept and ack.
		p.send(ctx, channels.Command{
			Kind:    channels.CmdSendMessage,
			Adapter: event.Source.Adapter,
			ChatID:  event.Payload.ChatID,
			Text:    fmt.Sprintf("Connected %s. The token is stored and the message was deleted.", outcome.Service),
		})
		p.finishTask(ctx, task, models.PhaseCompleted, "credential intercepted")
		return
	case credgate.Cancelled:
		p.send(ctx, channels.Command{
			Kind:    channels.CmdSendMessage,
			Adapter: event.Source.Adapter,
			ChatID:  event.Payload.ChatID,
			Text:    fmt.Sprintf("Okay, not connecting %s.", outcome.Service),
		})
		p.finishTask(ctx, task, models.PhaseCompleted, "credential prompt cancelled")
		return
	}

	// Extract.
	phaseStart := time.Now()
	meta := extractor.Extract(event.Payload.Text)
	if taint.Level == models.TaintRaw {
		taint = taint.Extracted(extractor.ID)
	}
	_ = p.journal.AppendTurn(models.ConversationTurn{
		Principal: task.Principal,
		Role:      models.RoleUser,
		Summary:   synthesizer.Summarize(event.Payload.Text),
	})
	p.sessions.GetOrCreate(task.Principal).PushTurn(models.ConversationTurn{
		Principal: task.Principal,
		Role:      models.RoleUser,
		Summary:   synthesizer.Summarize(event.Payload.Text),
	})
	p.metrics.observePhase("extract", time.Since(phaseStart).Seconds())

	task.State.Phase = models.PhasePlanning
	if err := p.journal.SaveTask(task); err != nil {
		p.failTask(ctx, task, "journal write failed", false)
		return
	}

	// Greetings bypass planning entirely.
	if meta.IsGreeting {
		p.synthesizeAndSend(ctx, task, event, nil, label, "")
		return
	}

	provider, err := p.pickProvider(task.DataCeiling)
	if err != nil {
		_ = p.audit.PolicyDecision(task.TaskID, "", "inference_routing_denied", err.Error())
		p.failTask(ctx, task, "no permitted model for this data", true)
		return
	}

	// Plan.
	phaseStart = time.Now()
	plan, err := p.plan(ctx, provider, task, event, meta)
	p.metrics.observePhase("plan", time.Since(phaseStart).Seconds())
	if err != nil {
		p.logger.Warn("planning failed", "task_id", task.TaskID, "error", err)
		p.failTask(ctx, task, "planning failed", true)
		return
	}
	_ = p.audit.PlanProduced(task.TaskID, task.Principal, plan.Steps)

	if plan.Refusal != "" {
		p.respond(ctx, task, event, plan.Refusal, models.LabelPublic)
		p.finishTask(ctx, task, models.PhaseCompleted, "planner refusal")
		return
	}

	p.executeAndFinish(ctx, task, event, plan, label, taint, nil)
}

// plan runs the planning phase against the chosen provider.
func (p *Pipeline) plan(ctx context.Context, provider providers.Provider, task *models.Task, event *models.InboundEvent, meta extractor.Metadata) (*models.Plan, error) {
	pl, err := planner.New(provider, p.logger)
	if err != nil {
		return nil, err
	}
	session := p.sessions.GetOrCreate(task.Principal)
	memories, err := p.journal.SearchMemories(event.Payload.Text, task.DataCeiling, 5)
	if err != nil {
		return nil, err
	}
	persona, err := p.journal.Persona()
	if err != nil {
		return nil, err
	}
	planCtx, cancel := context.WithTimeout(ctx, llmDeadline)
	defer cancel()
	return pl.Plan(planCtx, planner.Input{
		Task:         task,
		Metadata:     meta,
		RequestText:  event.Payload.Text,
		WorkingSet:   session.RecentResults(),
		History:      session.History(),
		Memories:     memories,
		Persona:      persona,
		Catalogue:    p.registry.Snapshot().Rank(event.Payload.Text, time.Now()),
		MaxCatalogue: 12,
	})
}

// executeAndFinish runs execution and, unless suspended, synthesis.
func (p *Pipeline) executeAndFinish(ctx context.Context, task *models.Task, event *models.InboundEvent, plan *models.Plan, eventLabel models.SecurityLabel, taint models.Taint, approvedSteps map[int]bool) {
	task.State.Phase = models.PhaseExecuting
	task.State.Plan = plan
	if err := p.journal.SaveTask(task); err != nil {
		p.failTask(ctx, task, "journal write failed", false)
		return
	}

	phaseStart := time.Now()
	outcome, err := p.executor.Run(ctx, executor.Options{
		Task:          task,
		Plan:          plan,
		Snapshot:      p.registry.Snapshot(),
		ArgTaint:      taint,
		EventLabel:    eventLabel,
		ApprovedSteps: approvedSteps,
		StepDeadline:  toolDeadline,
	})
	p.metrics.observePhase("execute", time.Since(phaseStart).Seconds())
	if err != nil {
		p.logger.Warn("execution failed", "task_id", task.TaskID, "error", err)
		reason := "a step could not be completed"
		if policy.IsNoWriteDown(err) || errors.Is(err, policy.ErrToolDenied) || errors.Is(err, policy.ErrToolNotAllowed) {
			reason = "the request is not permitted by policy"
		}
		p.failTask(ctx, task, reason, true)
		return
	}

	if outcome.Suspended {
		task.State.Phase = models.PhaseAwaitingApproval
		task.State.PendingApprovalID = outcome.Approval.ApprovalID
		if err := p.journal.SaveTask(task); err != nil {
			p.failTask(ctx, task, "journal write failed", false)
			return
		}
		p.send(ctx, channels.Command{
			Kind:       channels.CmdSendApprovalRequest,
			Adapter:    p.adminAdapter(),
			ChatID:     p.adminChatID(),
			Text:       outcome.Approval.Summary,
			ApprovalID: outcome.Approval.ApprovalID,
		})
		return
	}

	p.synthesizeAndSend(ctx, task, event, outcome.Steps, outcome.ResultLabel, "")
}

// synthesizeAndSend runs the response phase and the sink-label check.
func (p *Pipeline) synthesizeAndSend(ctx context.Context, task *models.Task, event *models.InboundEvent, steps []models.CompletedStep, resultLabel models.SecurityLabel, requestOverride string) {
	task.State.Phase = models.PhaseSynthesizing
	if err := p.journal.SaveTask(task); err != nil {
		p.failTask(ctx, task, "journal write failed", false)
		return
	}

	provider, err := p.pickProvider(task.DataCeiling)
	if err != nil {
		p.failTask(ctx, task, "no permitted model for this data", true)
		return
	}

	request := requestOverride
	if request == "" && event != nil {
		request = event.Payload.Text
	}
	session := p.sessions.GetOrCreate(task.Principal)
	memories, _ := p.journal.SearchMemories(request, task.DataCeiling, 5)
	persona, _ := p.journal.Persona()

	sink := p.primarySink(task)
	synth := synthesizer.New(provider, p.vault, p.logger)
	phaseStart := time.Now()
	synthCtx, cancel := context.WithTimeout(ctx, llmDeadline)
	defer cancel()
	text, err := synth.Compose(synthCtx, synthesizer.Input{
		Task:           task,
		RequestSummary: synthesizer.Summarize(request),
		Steps:          steps,
		History:        session.History(),
		WorkingSet:     session.RecentResults(),
		Memories:       memories,
		Persona:        persona,
		Output:         synthesizer.OutputInstructions{Sink: sink, MaxLength: 4000, Format: "plain text"},
	})
	p.metrics.observePhase("synthesize", time.Since(phaseStart).Seconds())
	if err != nil {
		p.failTask(ctx, task, "could not compose a reply", true)
		return
	}

	// No Write Down: verify the sink before anything leaves the process.
	if err := p.policy.CheckSinkWrite(resultLabel, sink); err != nil {
		_ = p.audit.PolicyDecision(task.TaskID, "", "no_write_down", err.Error())
		p.failTask(ctx, task, "the result is too sensitive for that destination", true)
		return
	}

	p.respond(ctx, task, event, text, resultLabel)
	p.recordCompletion(task, event, steps, text, resultLabel)
	p.finishTask(ctx, task, models.PhaseCompleted, "")
}

// respond delivers text to the task's primary sink.
func (p *Pipeline) respond(ctx context.Context, task *models.Task, event *models.InboundEvent, text string, label models.SecurityLabel) {
	sink := p.primarySink(task)
	chatID := p.adminChatID()
	adapter := p.adminAdapter()
	if event != nil && !task.Principal.IsOwner() {
		chatID = event.Payload.ChatID
		adapter = event.Source.Adapter
	}
	p.send(ctx, channels.Command{
		Kind:    channels.CmdSendMessage,
		Adapter: adapter,
		ChatID:  chatID,
		Text:    text,
	})
	_ = p.audit.SinkWrite(task.TaskID, sink, label)
}

// recordCompletion updates the session windows and persisted working
// memory after a successful task.
func (p *Pipeline) recordCompletion(task *models.Task, event *models.InboundEvent, steps []models.CompletedStep, response string, label models.SecurityLabel) {
	request := ""
	if event != nil {
		request = event.Payload.Text
	}
	outputs := make(map[string]json.RawMessage, len(steps))
	for _, s := range steps {
		outputs[fmt.Sprintf("%d:%s", s.Step, s.Tool)] = s.Result
	}
	outputsJSON, _ := json.Marshal(outputs)

	entry := models.WorkingMemoryEntry{
		Principal:       task.Principal,
		TaskID:          task.TaskID,
		Timestamp:       time.Now().UTC(),
		RequestSummary:  synthesizer.Summarize(request),
		ToolOutputsJSON: string(outputsJSON),
		ResponseSummary: synthesizer.Summarize(response),
		Label:           label,
	}
	session := p.sessions.GetOrCreate(task.Principal)
	session.PushResult(entry)
	session.PushTurn(models.ConversationTurn{
		Principal: task.Principal,
		Role:      models.RoleAssistant,
		Summary:   synthesizer.Summarize(response),
	})
	if err := p.journal.AppendWorkingMemory(entry); err != nil {
		p.logger.Warn("persist working memory", "task_id", task.TaskID, "error", err)
	}
	if err := p.journal.AppendTurn(models.ConversationTurn{
		Principal: task.Principal,
		Role:      models.RoleAssistant,
		Summary:   synthesizer.Summarize(response),
	}); err != nil {
		p.logger.Warn("persist conversation turn", "task_id", task.TaskID, "error", err)
	}
}

// handleCallback resolves an approval button press.
func (p *Pipeline) handleCallback(ctx context.Context, event *models.InboundEvent) {
	approvalID := event.Payload.Metadata["approval_id"]
	decision := event.Payload.Metadata["decision"]
	if approvalID == "" {
		return
	}

	pending, resolution := p.approvals.Resolve(approvalID, event.Source.Principal, decision == "approve")
	_ = p.audit.ApprovalDecision(pending.TaskID, approvalID, resolution.String(), event.Source.Principal)

	switch resolution {
	case approvals.Approved:
		p.resumeApproved(ctx, pending)
	case approvals.Denied:
		task, err := p.journal.LoadTask(pending.TaskID)
		if err != nil || task == nil {
			return
		}
		p.failTask(ctx, task, "denied_by_owner", true)
	case approvals.Expired:
		p.send(ctx, channels.Command{
			Kind:    channels.CmdSendMessage,
			Adapter: event.Source.Adapter,
			ChatID:  event.Payload.ChatID,
			Text:    "That approval request has expired.",
		})
	case approvals.WrongUser:
		p.logger.Warn("approval press from wrong principal",
			"approval_id", approvalID,
			"responder", event.Source.Principal.Key(),
		)
	case approvals.NotFound:
		p.send(ctx, channels.Command{
			Kind:    channels.CmdSendMessage,
			Adapter: event.Source.Adapter,
			ChatID:  event.Payload.ChatID,
			Text:    "That request is no longer pending.",
		})
	}
}

// resumeApproved continues a task whose suspended step was approved.
func (p *Pipeline) resumeApproved(ctx context.Context, pending approvals.Pending) {
	task, err := p.journal.LoadTask(pending.TaskID)
	if err != nil || task == nil {
		p.logger.Warn("approved task not found", "task_id", pending.TaskID)
		return
	}
	if task.State.Phase != models.PhaseAwaitingApproval || task.State.Plan == nil {
		p.logger.Warn("approved task not awaiting approval", "task_id", task.TaskID, "phase", task.State.Phase)
		return
	}

	event := task.TriggerEvent
	label := models.LabelPublic
	taint := models.CleanTaint("system")
	if event != nil {
		label = p.policy.AssignEventLabel(event.Source)
		taint = p.policy.AssignEventTaint(event.Source)
		if taint.Level == models.TaintRaw {
			taint = taint.Extracted(extractor.ID)
		}
	}
	task.State.PendingApprovalID = ""
	p.executeAndFinish(ctx, task, event, task.State.Plan, label, taint, map[int]bool{pending.Step: true})
}

// FailExpiredApprovals sweeps the approval table and fails the tasks
// whose requests expired.
func (p *Pipeline) FailExpiredApprovals(ctx context.Context) {
	for _, pending := range p.approvals.SweepExpired() {
		task, err := p.journal.LoadTask(pending.TaskID)
		if err != nil || task == nil {
			continue
		}
		_ = p.audit.ApprovalDecision(task.TaskID, pending.ApprovalID, approvals.Expired.String(), models.Owner())
		p.failTask(ctx, task, "approval expired", true)
	}
}

// pickProvider selects an inference driver the routing rules admit for
// the ceiling, preferring local.
func (p *Pipeline) pickProvider(ceiling models.SecurityLabel) (providers.Provider, error) {
	if p.local != nil {
		if err := p.policy.CheckInferenceRouting(ceiling, p.local.IsCloud(), p.cfg.Kernel.CloudRiskAck); err == nil {
			return p.local, nil
		}
	}
	if p.cloud != nil {
		if err := p.policy.CheckInferenceRouting(ceiling, p.cloud.IsCloud(), p.cfg.Kernel.CloudRiskAck); err == nil {
			return p.cloud, nil
		}
	}
	return nil, policy.ErrInferenceDenied
}

// failTask marks a task failed and optionally notifies the owner. The
// user-visible reason never carries labels, capability IDs, or task IDs.
func (p *Pipeline) failTask(ctx context.Context, task *models.Task, reason string, notify bool) {
	from := task.State.Phase
	task.State.Phase = models.PhaseFailed
	task.State.Reason = reason
	if err := p.journal.SaveTask(task); err != nil {
		p.logger.Error("persist failed task", "task_id", task.TaskID, "error", err)
	}
	_ = p.audit.TaskTransition(task.TaskID, from, models.PhaseFailed, reason)
	p.metrics.taskFinished("failed")
	if notify {
		p.send(ctx, channels.Command{
			Kind:    channels.CmdSendMessage,
			Adapter: p.adminAdapter(),
			ChatID:  p.adminChatID(),
			Text:    fmt.Sprintf("I couldn't finish that: %s.", reason),
		})
	}
}

// finishTask marks a terminal phase.
func (p *Pipeline) finishTask(_ context.Context, task *models.Task, phase models.TaskPhase, reason string) {
	from := task.State.Phase
	task.State.Phase = phase
	task.State.Reason = reason
	if err := p.journal.SaveTask(task); err != nil {
		p.logger.Error("persist finished task", "task_id", task.TaskID, "error", err)
	}
	_ = p.audit.TaskTransition(task.TaskID, from, phase, reason)
	p.metrics.taskFinished(string(phase))
}

// send blocks until the bounded outbound channel accepts the command or
// the context ends; the pipeline never drops outbound messages.
func (p *Pipeline) send(ctx context.Context, cmd channels.Command) {
	select {
	case p.commands <- cmd:
	case <-ctx.Done():
		p.logger.Warn("outbound command dropped at shutdown", "kind", cmd.Kind)
	}
}

func (p *Pipeline) primarySink(task *models.Task) string {
	if len(task.OutputSinks) > 0 {
		return task.OutputSinks[0]
	}
	return p.cfg.Kernel.AdminSink
}

// adminAdapter and adminChatID locate the owner conversation; the admin
// sink is "sink:<adapter>:owner".
func (p *Pipeline) adminAdapter() string {
	parts := splitSink(p.cfg.Kernel.AdminSink)
	if len(parts) >= 2 {
		return parts[1]
	}
	return "telegram"
}

func (p *Pipeline) adminChatID() string {
	if p.cfg.Telegram.OwnerID != 0 {
		return fmt.Sprintf("%d", p.cfg.Telegram.OwnerID)
	}
	return "owner"
}

func splitSink(sink string) []string {
	return strings.Split(sink, ":")
}
