// Package channels defines the adapter contract between transports and
// the task pipeline, plus the concrete Telegram and WhatsApp adapters and
// the cron timer source. Adapters deliver InboundEvents and execute
// outbound commands; they own their resumption offsets through journal
// keys.
package channels

import (
	"context"

	"github.com/haasonsaas/warden/pkg/models"
)

// Command is an outbound instruction from the pipeline to an adapter.
// Exactly one field group is set, discriminated by Kind.
type Command struct {
	Kind CommandKind

	// Adapter routes the command when several adapters run.
	Adapter string

	ChatID     string
	Text       string
	ApprovalID string
	MessageID  string
}

// CommandKind discriminates outbound commands.
type CommandKind int

const (
	// CmdSendMessage delivers text to a chat.
	CmdSendMessage CommandKind = iota
	// CmdSendApprovalRequest delivers text with approve/deny actions
	// carrying the approval ID.
	CmdSendApprovalRequest
	// CmdDeleteMessage removes a message from the transport (used for
	// intercepted credentials).
	CmdDeleteMessage
	// CmdShutdown asks the adapter to stop.
	CmdShutdown
)

// Adapter is a transport driver.
type Adapter interface {
	// Name identifies the adapter ("telegram", "whatsapp", "timer").
	Name() string

	// Run delivers inbound events until the context ends. Events must be
	// sent in per-principal arrival order. The adapter applies
	// exponential backoff when the events channel is saturated.
	Run(ctx context.Context, events chan<- *models.InboundEvent) error

	// Execute performs one outbound command.
	Execute(ctx context.Context, cmd Command) error
}
