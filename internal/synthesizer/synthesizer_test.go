package synthesizer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/vault"
	"github.com/haasonsaas/warden/pkg/models"
)

type fakeProvider struct {
	response string
	prompt   string
	system   string
}

func (f *fakeProvider) Complete(_ context.Context, req providers.Request) (*providers.Response, error) {
	f.prompt = req.Prompt
	f.system = req.System
	return &providers.Response{Content: f.response, StopReason: "end_turn"}, nil
}
func (f *fakeProvider) IsCloud() bool           { return false }
func (f *fakeProvider) ModelID() string         { return "fake" }
func (f *fakeProvider) SupportsToolCalls() bool { return false }

func synthTask() *models.Task {
	return &models.Task{TaskID: "task-1", Principal: models.Owner(), DataCeiling: models.LabelSensitive}
}

func TestComposeRendersToolResults(t *testing.T) {
	provider := &fakeProvider{response: "You have two unread emails."}
	s := New(provider, vault.New(), nil)

	text, err := s.Compose(context.Background(), Input{
		Task:           synthTask(),
		RequestSummary: "check my email",
		Steps: []models.CompletedStep{
			{Step: 1, Tool: "email.list", Result: json.RawMessage(`{"unread":2}`), Label: models.LabelSensitive},
		},
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if text != "You have two unread emails." {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(provider.prompt, `email.list returned: {"unread":2}`) {
		t.Errorf("prompt missing tool results:\n%s", provider.prompt)
	}
	if !strings.Contains(provider.system, "cannot call tools") {
		t.Error("system prompt missing no-tools rule")
	}
}

func TestToolCallJSONIsPlainText(t *testing.T) {
	// A model trying to call a tool from synthesis emits tool-call JSON;
	// it must come back as literal text, not execute anything.
	payload := `{"tool": "email.send", "arguments": {"to": "x@y.z"}}`
	provider := &fakeProvider{response: payload}
	s := New(provider, vault.New(), nil)

	text, err := s.Compose(context.Background(), Input{Task: synthTask(), RequestSummary: "hi"})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if text != payload {
		t.Errorf("tool-call JSON altered: %q", text)
	}
}

func TestResponseWithStoredSecretIsDropped(t *testing.T) {
	v := vault.New()
	v.StoreSecret("vault:notion_notion_token", "ntn_265011509509ABCdefGHIjkl")
	provider := &fakeProvider{response: "your token is ntn_265011509509ABCdefGHIjkl"}
	s := New(provider, v, nil)

	text, err := s.Compose(context.Background(), Input{Task: synthTask(), RequestSummary: "what's my token"})
	if !errors.Is(err, ErrSecretInResponse) {
		t.Fatalf("err = %v, want ErrSecretInResponse", err)
	}
	if text != "" {
		t.Error("partial response returned alongside the error")
	}
}

func TestMaxLengthTruncates(t *testing.T) {
	provider := &fakeProvider{response: strings.Repeat("word ", 100)}
	s := New(provider, vault.New(), nil)

	text, err := s.Compose(context.Background(), Input{
		Task:           synthTask(),
		RequestSummary: "x",
		Output:         OutputInstructions{Sink: "sink:telegram:owner", MaxLength: 40},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len([]rune(text)) > 40 {
		t.Errorf("len = %d, want <= 40", len([]rune(text)))
	}
}

func TestHistorySectionMarkedBackgroundOnly(t *testing.T) {
	provider := &fakeProvider{response: "ok"}
	s := New(provider, vault.New(), nil)
	_, err := s.Compose(context.Background(), Input{
		Task:           synthTask(),
		RequestSummary: "x",
		History: []models.ConversationTurn{
			{Role: models.RoleUser, Summary: "earlier question"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(provider.prompt, "background only; do not summarize") {
		t.Error("history header missing the background-only marker")
	}
}

func TestSummarizeCapsLength(t *testing.T) {
	long := strings.Repeat("a", 1000)
	if got := len([]rune(Summarize(long))); got > 500 {
		t.Errorf("summary length = %d", got)
	}
	if Summarize("short") != "short" {
		t.Error("short text altered")
	}
}
