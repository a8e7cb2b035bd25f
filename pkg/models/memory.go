package models

import "time"

// MemorySource records who authored a long-term memory.
type MemorySource string

const (
	MemoryFromUser     MemorySource = "user"
	MemoryFromObserver MemorySource = "observer"
	MemoryFromAgent    MemorySource = "agent"
)

// MemoryStatus is the lifecycle state of a long-term memory.
type MemoryStatus string

const (
	MemoryActive   MemoryStatus = "active"
	MemoryPending  MemoryStatus = "pending"
	MemoryArchived MemoryStatus = "archived"
)

// Memory is a long-term memory row, searchable by full text under a label
// ceiling.
type Memory struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Label     SecurityLabel `json:"label"`
	Source    MemorySource  `json:"source"`
	Status    MemoryStatus  `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	TaskID    string        `json:"task_id,omitempty"`
}

// WorkingMemoryEntry is one row of a principal's sliding working-memory
// window: what was asked, what tools returned, what was answered.
type WorkingMemoryEntry struct {
	Principal       Principal     `json:"principal"`
	TaskID          string        `json:"task_id"`
	Timestamp       time.Time     `json:"timestamp"`
	RequestSummary  string        `json:"request_summary"`
	ToolOutputsJSON string        `json:"tool_outputs_json,omitempty"`
	ResponseSummary string        `json:"response_summary"`
	Label           SecurityLabel `json:"label"`
}

// ConversationTurn is one summarized turn of a principal's conversation
// history.
type ConversationTurn struct {
	Principal Principal `json:"principal"`
	Role      Role      `json:"role"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PendingCredentialPrompt is registered when an admin flow asks the owner
// for a token. While active, the credential gate classifies the owner's
// next messages before the pipeline sees them.
type PendingCredentialPrompt struct {
	Principal      Principal `json:"principal"`
	Service        string    `json:"service"`
	VaultKey       string    `json:"vault_key"`
	ExpectedPrefix string    `json:"expected_prefix,omitempty"`
	PromptedAt     time.Time `json:"prompted_at"`
	TTL            time.Duration `json:"ttl"`
}

// Expired reports whether the prompt's TTL has elapsed at now.
func (p PendingCredentialPrompt) Expired(now time.Time) bool {
	return p.TTL > 0 && now.After(p.PromptedAt.Add(p.TTL))
}
