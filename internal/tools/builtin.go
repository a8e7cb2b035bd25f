package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/pkg/models"
)

// MemorySaveTool persists a long-term memory through the journal.
type MemorySaveTool struct {
	Journal *journal.Journal
}

type memorySaveArgs struct {
	Content string `json:"content"`
	Label   string `json:"label,omitempty"`
}

func (t *MemorySaveTool) Name() string { return "memory.save" }
func (t *MemorySaveTool) Description() string {
	return "Save a note or fact to long-term memory so it can be recalled later."
}
func (t *MemorySaveTool) Semantics() models.ActionSemantics { return models.ActionWrite }

func (t *MemorySaveTool) Invoke(_ context.Context, inv Invocation) (*Result, error) {
	var args memorySaveArgs
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		return nil, fmt.Errorf("memory.save arguments: %w", err)
	}
	if args.Content == "" {
		return nil, fmt.Errorf("memory.save: content is required")
	}
	label := models.LabelSensitive
	if args.Label != "" {
		parsed, err := models.ParseLabel(args.Label)
		if err != nil {
			return nil, err
		}
		label = parsed
	}
	mem := &models.Memory{
		Content: args.Content,
		Label:   label,
		Source:  models.MemoryFromAgent,
		TaskID:  inv.Capability.TaskID,
	}
	if err := t.Journal.SaveMemory(mem); err != nil {
		return nil, Retryable(err)
	}
	output, _ := json.Marshal(map[string]string{"memory_id": mem.ID})
	return &Result{
		Output:        output,
		ReportedLabel: label,
		TaintOut:      models.CleanTaint("memory"),
	}, nil
}

// MemorySearchTool runs a ceiling-bounded full-text search over long-term
// memory.
type MemorySearchTool struct {
	Journal *journal.Journal

	// Ceiling bounds what any task may recall through this tool; the
	// executor additionally clamps results to the task's own ceiling.
	Ceiling models.SecurityLabel
}

type memorySearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (t *MemorySearchTool) Name() string { return "memory.search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory by full text for relevant notes and facts."
}
func (t *MemorySearchTool) Semantics() models.ActionSemantics { return models.ActionRead }

func (t *MemorySearchTool) Invoke(_ context.Context, inv Invocation) (*Result, error) {
	var args memorySearchArgs
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		return nil, fmt.Errorf("memory.search arguments: %w", err)
	}
	results, err := t.Journal.SearchMemories(args.Query, t.Ceiling, args.Limit)
	if err != nil {
		return nil, Retryable(err)
	}
	maxLabel := models.LabelPublic
	contents := make([]string, 0, len(results))
	for _, m := range results {
		contents = append(contents, m.Content)
		maxLabel = models.MaxLabel(maxLabel, m.Label)
	}
	output, _ := json.Marshal(map[string]any{"memories": contents})
	return &Result{
		Output:        output,
		ReportedLabel: maxLabel,
		TaintOut:      models.CleanTaint("memory"),
	}, nil
}

// PromptRegistrar is the credential-gate surface the admin tool needs.
type PromptRegistrar interface {
	RegisterPrompt(models.PendingCredentialPrompt) error
}

// CredentialPromptTTL bounds how long a connect-service prompt stays
// armed.
const CredentialPromptTTL = 10 * time.Minute

// AdminListIntegrationsTool lists connected services by vault key,
// without exposing any value.
type AdminListIntegrationsTool struct {
	Keys func() []string
}

func (t *AdminListIntegrationsTool) Name() string { return "admin.list_integrations" }
func (t *AdminListIntegrationsTool) Description() string {
	return "List which external services are connected and have stored credentials."
}
func (t *AdminListIntegrationsTool) Semantics() models.ActionSemantics { return models.ActionRead }

func (t *AdminListIntegrationsTool) Invoke(context.Context, Invocation) (*Result, error) {
	output, _ := json.Marshal(map[string]any{"connected": t.Keys()})
	return &Result{
		Output:        output,
		ReportedLabel: models.LabelInternal,
		TaintOut:      models.CleanTaint("system"),
	}, nil
}

// AdminConnectServiceTool arms the credential gate for a service: the
// owner's next token-looking message is captured straight into the vault.
type AdminConnectServiceTool struct {
	Gate PromptRegistrar
}

type connectServiceArgs struct {
	Service        string `json:"service"`
	ExpectedPrefix string `json:"expected_prefix,omitempty"`
}

func (t *AdminConnectServiceTool) Name() string { return "admin.connect_service" }
func (t *AdminConnectServiceTool) Description() string {
	return "Start connecting an external service by asking the owner for its API token."
}
func (t *AdminConnectServiceTool) Semantics() models.ActionSemantics { return models.ActionWrite }

func (t *AdminConnectServiceTool) Invoke(_ context.Context, inv Invocation) (*Result, error) {
	var args connectServiceArgs
	if err := json.Unmarshal(inv.Arguments, &args); err != nil {
		return nil, fmt.Errorf("admin.connect_service arguments: %w", err)
	}
	if args.Service == "" {
		return nil, fmt.Errorf("admin.connect_service: service is required")
	}
	prompt := models.PendingCredentialPrompt{
		Principal:      inv.Capability.Principal,
		Service:        args.Service,
		VaultKey:       fmt.Sprintf("vault:%s_%s_token", args.Service, args.Service),
		ExpectedPrefix: args.ExpectedPrefix,
		TTL:            CredentialPromptTTL,
	}
	if err := t.Gate.RegisterPrompt(prompt); err != nil {
		return nil, err
	}
	output, _ := json.Marshal(map[string]string{
		"status":  "awaiting_credential",
		"service": args.Service,
	})
	return &Result{
		Output:        output,
		ReportedLabel: models.LabelInternal,
		TaintOut:      models.CleanTaint("system"),
	}, nil
}
