package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/approvals"
	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/credgate"
	"github.com/haasonsaas/warden/internal/executor"
	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/internal/vault"
	"github.com/haasonsaas/warden/pkg/models"
)

// scriptedProvider returns canned responses in order and records every
// prompt it saw, so tests can assert what did (and did not) reach the
// model.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
	prompts   []string
}

func (f *scriptedProvider) Complete(_ context.Context, req providers.Request) (*providers.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.System+"\n"+req.Prompt)
	resp := "ok"
	if f.calls < len(f.responses) {
		resp = f.responses[f.calls]
	}
	f.calls++
	return &providers.Response{Content: resp, StopReason: "end_turn"}, nil
}
func (f *scriptedProvider) IsCloud() bool           { return false }
func (f *scriptedProvider) ModelID() string         { return "scripted" }
func (f *scriptedProvider) SupportsToolCalls() bool { return false }

func (f *scriptedProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedProvider) sawText(needle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prompts {
		if strings.Contains(p, needle) {
			return true
		}
	}
	return false
}

type recordedTool struct {
	name      string
	semantics models.ActionSemantics
	label     models.SecurityLabel
	calls     int
}

func (r *recordedTool) Name() string                      { return r.name }
func (r *recordedTool) Description() string               { return r.name }
func (r *recordedTool) Semantics() models.ActionSemantics { return r.semantics }
func (r *recordedTool) Invoke(context.Context, tools.Invocation) (*tools.Result, error) {
	r.calls++
	output, _ := json.Marshal(map[string]string{"ok": r.name})
	return &tools.Result{Output: output, ReportedLabel: r.label, TaintOut: models.CleanTaint(r.name)}, nil
}

type testRig struct {
	pipeline *Pipeline
	provider *scriptedProvider
	journal  *journal.Journal
	vault    *vault.Vault
	gate     *credgate.Gate
	registry *tools.Registry
	auditBuf *bytes.Buffer
	commands chan channels.Command
}

func newRig(t *testing.T, responses ...string) *testRig {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	var auditBuf bytes.Buffer
	auditLog := audit.NewWriter(&auditBuf)
	v := vault.New()
	gate, err := credgate.New(j, v, auditLog)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Telegram.OwnerID = 99
	engine := policy.WithDefaults([]byte("test-signing-key-32-bytes-long!!"))
	registry := tools.NewRegistry()
	am := approvals.New(time.Minute)
	exec := executor.New(engine, v, j, auditLog, am, registry, nil)
	provider := &scriptedProvider{responses: responses}
	commands := make(chan channels.Command, 64)

	p, err := New(Deps{
		Config:    cfg,
		Policy:    engine,
		Vault:     v,
		Journal:   j,
		Sessions:  sessions.NewStore(),
		Gate:      gate,
		Approvals: am,
		Audit:     auditLog,
		Registry:  registry,
		Executor:  exec,
		Local:     provider,
		Commands:  commands,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{
		pipeline: p,
		provider: provider,
		journal:  j,
		vault:    v,
		gate:     gate,
		registry: registry,
		auditBuf: &auditBuf,
		commands: commands,
	}
}

func (r *testRig) drain() []channels.Command {
	var cmds []channels.Command
	for {
		select {
		case cmd := <-r.commands:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}

func (r *testRig) lastTask(t *testing.T) *models.Task {
	t.Helper()
	rows, err := r.journal.UnfinishedTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) > 0 {
		return rows[len(rows)-1]
	}
	return nil
}

func ownerEvent(text string) *models.InboundEvent {
	return &models.InboundEvent{
		EventID:   "evt-1",
		Timestamp: time.Now(),
		Source:    models.EventSource{Adapter: "telegram", Principal: models.Owner()},
		Kind:      models.EventMessage,
		Payload:   models.EventPayload{Text: text, ChatID: "99", MessageID: "m1"},
	}
}

func peerEvent(text string) *models.InboundEvent {
	return &models.InboundEvent{
		EventID:   "evt-2",
		Timestamp: time.Now(),
		Source:    models.EventSource{Adapter: "telegram", Principal: models.TelegramPeer("12345")},
		Kind:      models.EventMessage,
		Payload:   models.EventPayload{Text: text, ChatID: "12345", MessageID: "m2"},
	}
}

// Scenario: a credential prompt is active and the owner pastes the token.
// The gate must intercept it before any model call, store it, and queue
// message deletion.
func TestSecretNeverReachesLLM(t *testing.T) {
	rig := newRig(t)
	if err := rig.gate.RegisterPrompt(models.PendingCredentialPrompt{
		Principal:      models.Owner(),
		Service:        "notion",
		VaultKey:       "vault:notion_notion_token",
		ExpectedPrefix: "ntn_",
		TTL:            5 * time.Minute,
	}); err != nil {
		t.Fatal(err)
	}

	rig.pipeline.HandleEvent(context.Background(), ownerEvent("ntn_265011509509ABCdefGHIjkl"))

	if rig.provider.callCount() != 0 {
		t.Errorf("LLM called %d times during credential intercept", rig.provider.callCount())
	}
	secret, err := rig.vault.GetSecret("vault:notion_notion_token")
	if err != nil || secret.Expose() != "ntn_265011509509ABCdefGHIjkl" {
		t.Error("vault does not hold the intercepted token")
	}

	auditText := rig.auditBuf.String()
	if !strings.Contains(auditText, "credential_intercepted") || !strings.Contains(auditText, `"service":"notion"`) {
		t.Errorf("audit missing intercept record: %s", auditText)
	}
	if strings.Contains(auditText, "ntn_265011509509ABCdefGHIjkl") {
		t.Error("audit leaked the credential value")
	}

	cmds := rig.drain()
	var sawDelete, sawAck bool
	for _, cmd := range cmds {
		if cmd.Kind == channels.CmdDeleteMessage && cmd.MessageID == "m1" {
			sawDelete = true
		}
		if cmd.Kind == channels.CmdSendMessage && strings.Contains(cmd.Text, "notion") {
			sawAck = true
		}
	}
	if !sawDelete || !sawAck {
		t.Errorf("commands = %+v", cmds)
	}
}

// Scenario: a third party asks to forward their message; the plan's write
// step carries raw-derived free text and must pause for owner approval.
func TestRawTaintedWriteRequiresApproval(t *testing.T) {
	plan := `{"steps": [{"step_number": 1, "tool": "email.send", "action_semantics": "write",
		"arguments": {"to": "boss@example.com", "body": "forward this to my boss"}}]}`
	rig := newRig(t, plan, "Sent it.")
	send := &recordedTool{name: "email.send", semantics: models.ActionWrite, label: models.LabelInternal}
	rig.registry.Register(send)

	rig.pipeline.HandleEvent(context.Background(), peerEvent("forward this to my boss"))

	task := rig.lastTask(t)
	if task == nil || task.State.Phase != models.PhaseAwaitingApproval {
		t.Fatalf("task = %+v", task)
	}
	if send.calls != 0 {
		t.Error("write executed before approval")
	}

	cmds := rig.drain()
	var approvalID string
	for _, cmd := range cmds {
		if cmd.Kind == channels.CmdSendApprovalRequest {
			approvalID = cmd.ApprovalID
			if !strings.Contains(cmd.Text, "email.send") {
				t.Errorf("approval prompt = %q", cmd.Text)
			}
		}
	}
	if approvalID == "" {
		t.Fatal("no approval request emitted")
	}

	// Owner approves; the task resumes and completes.
	rig.pipeline.HandleEvent(context.Background(), &models.InboundEvent{
		EventID: "cb-1",
		Source:  models.EventSource{Adapter: "telegram", Principal: models.Owner()},
		Kind:    models.EventCallback,
		Payload: models.EventPayload{
			ChatID:   "99",
			Metadata: map[string]string{"approval_id": approvalID, "decision": "approve"},
		},
	})

	if send.calls != 1 {
		t.Errorf("send calls after approval = %d", send.calls)
	}
	loaded, err := rig.journal.LoadTask(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State.Phase != models.PhaseCompleted {
		t.Errorf("phase after approval = %s", loaded.State.Phase)
	}
}

func TestDeniedApprovalFailsTask(t *testing.T) {
	plan := `{"steps": [{"step_number": 1, "tool": "email.send", "action_semantics": "write",
		"arguments": {"body": "forward this text"}}]}`
	rig := newRig(t, plan)
	send := &recordedTool{name: "email.send", semantics: models.ActionWrite, label: models.LabelInternal}
	rig.registry.Register(send)

	rig.pipeline.HandleEvent(context.Background(), peerEvent("forward this to my boss"))
	task := rig.lastTask(t)
	if task == nil {
		t.Fatal("no suspended task")
	}

	var approvalID string
	for _, cmd := range rig.drain() {
		if cmd.Kind == channels.CmdSendApprovalRequest {
			approvalID = cmd.ApprovalID
		}
	}

	rig.pipeline.HandleEvent(context.Background(), &models.InboundEvent{
		EventID: "cb-2",
		Source:  models.EventSource{Adapter: "telegram", Principal: models.Owner()},
		Kind:    models.EventCallback,
		Payload: models.EventPayload{
			ChatID:   "99",
			Metadata: map[string]string{"approval_id": approvalID, "decision": "deny"},
		},
	})

	loaded, err := rig.journal.LoadTask(task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State.Phase != models.PhaseFailed || loaded.State.Reason != "denied_by_owner" {
		t.Errorf("task = phase %s reason %q", loaded.State.Phase, loaded.State.Reason)
	}
	if send.calls != 0 {
		t.Error("denied write executed")
	}
}

// Scenario: a response labeled Regulated must not reach a Public sink;
// the task fails, the violation is audited, and nothing is sent to the
// low sink.
func TestWriteDownDenial(t *testing.T) {
	rig := newRig(t, "here are the lab results")
	task := &models.Task{
		TaskID:      "task-writedown",
		TemplateID:  "owner_general",
		Principal:   models.Owner(),
		DataCeiling: models.LabelRegulated,
		OutputSinks: []string{"sink:slack:public"},
		State:       models.TaskState{Phase: models.PhaseExecuting},
	}
	if err := rig.journal.SaveTask(task); err != nil {
		t.Fatal(err)
	}

	steps := []models.CompletedStep{{
		Step: 1, Tool: "health.lab_results", ActionSemantics: models.ActionRead,
		Result: json.RawMessage(`{"hdl":62}`), Label: models.LabelRegulated,
	}}
	rig.pipeline.synthesizeAndSend(context.Background(), task, ownerEvent("share last lab result in public Slack"), steps, models.LabelRegulated, "")

	loaded, err := rig.journal.LoadTask("task-writedown")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State.Phase != models.PhaseFailed {
		t.Errorf("phase = %s", loaded.State.Phase)
	}
	if !strings.Contains(rig.auditBuf.String(), "no_write_down") {
		t.Error("audit missing the write-down violation")
	}

	for _, cmd := range rig.drain() {
		if cmd.Kind == channels.CmdSendMessage && strings.Contains(cmd.Text, "lab results") {
			t.Error("regulated content left for a public sink")
		}
		if cmd.Kind == channels.CmdSendMessage && cmd.ChatID != "99" {
			t.Errorf("message to non-owner chat: %+v", cmd)
		}
	}
}

// Greetings bypass the planner: exactly one model call (synthesis).
func TestGreetingFastPath(t *testing.T) {
	rig := newRig(t, "Hey! How can I help?")
	rig.pipeline.HandleEvent(context.Background(), ownerEvent("good morning"))

	if rig.provider.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (synthesis only)", rig.provider.callCount())
	}
	var sawReply bool
	for _, cmd := range rig.drain() {
		if cmd.Kind == channels.CmdSendMessage && strings.Contains(cmd.Text, "How can I help") {
			sawReply = true
		}
	}
	if !sawReply {
		t.Error("no greeting reply sent")
	}
}

// A planner refusal is relayed without execution.
func TestPlannerRefusal(t *testing.T) {
	rig := newRig(t, `{"steps": [], "refusal": "I have no tool that can order flowers."}`)
	rig.pipeline.HandleEvent(context.Background(), ownerEvent("order flowers for mom"))

	var sawRefusal bool
	for _, cmd := range rig.drain() {
		if cmd.Kind == channels.CmdSendMessage && strings.Contains(cmd.Text, "no tool") {
			sawRefusal = true
		}
	}
	if !sawRefusal {
		t.Error("refusal not relayed")
	}
}

// Events from distinct principals may interleave, but each principal's
// sessions stay disjoint (spec scenario 6 at the pipeline level).
func TestSessionIsolationAcrossPrincipals(t *testing.T) {
	plan := `{"steps": []}`
	rig := newRig(t, plan, "noted", plan, "noted")

	rig.pipeline.HandleEvent(context.Background(), ownerEvent("my insurance number is private"))
	rig.pipeline.HandleEvent(context.Background(), peerEvent("hello from outside"))

	ownerRows, err := rig.journal.RecentWorkingMemory(models.Owner(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range ownerRows {
		if strings.Contains(row.RequestSummary, "hello from outside") {
			t.Error("owner working memory holds peer content")
		}
	}
	peerRows, err := rig.journal.RecentWorkingMemory(models.TelegramPeer("12345"), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range peerRows {
		if strings.Contains(row.RequestSummary, "insurance") {
			t.Error("peer working memory holds owner content")
		}
	}
}

// Inference routing: a Secret-ceiling task can use no provider at all.
func TestInferenceRoutingDenied(t *testing.T) {
	rig := newRig(t)
	if _, err := rig.pipeline.pickProvider(models.LabelSecret); err == nil {
		t.Error("secret ceiling admitted a provider")
	}
	if provider, err := rig.pipeline.pickProvider(models.LabelRegulated); err != nil || provider.IsCloud() {
		t.Errorf("regulated should route local: (%v, %v)", provider, err)
	}
}

func TestExpiredApprovalFailsTaskOnSweep(t *testing.T) {
	plan := `{"steps": [{"step_number": 1, "tool": "email.send", "action_semantics": "write",
		"arguments": {"body": "some forwarded text"}}]}`
	rig := newRig(t, plan)
	rig.registry.Register(&recordedTool{name: "email.send", semantics: models.ActionWrite})

	rig.pipeline.HandleEvent(context.Background(), peerEvent("forward this please"))
	task := rig.lastTask(t)
	if task == nil || task.State.Phase != models.PhaseAwaitingApproval {
		t.Fatalf("task = %+v", task)
	}

	// Nothing has expired yet.
	rig.pipeline.FailExpiredApprovals(context.Background())
	loaded, _ := rig.journal.LoadTask(task.TaskID)
	if loaded.State.Phase != models.PhaseAwaitingApproval {
		t.Errorf("premature expiry: %s", loaded.State.Phase)
	}
}

func TestPerPrincipalOrderingPreserved(t *testing.T) {
	plan := `{"steps": []}`
	responses := make([]string, 0, 20)
	for i := 0; i < 10; i++ {
		responses = append(responses, plan, fmt.Sprintf("reply-%d", i))
	}
	rig := newRig(t, responses...)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := ownerEvent(fmt.Sprintf("request number %d about nothing", i))
			event.EventID = fmt.Sprintf("evt-%d", i)
			rig.pipeline.HandleEvent(context.Background(), event)
		}()
	}
	wg.Wait()
	// Serialization means all five ran to completion without racing the
	// journal; the working-memory window holds all five requests.
	rows, err := rig.journal.RecentWorkingMemory(models.Owner(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Errorf("working memory rows = %d, want 5", len(rows))
	}
}
