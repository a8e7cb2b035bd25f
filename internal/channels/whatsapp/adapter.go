// Package whatsapp implements the WhatsApp bridge adapter over whatsmeow.
// Inbound messages map to WhatsAppContact principals (or the owner when
// the sender JID matches the configured owner); outbound commands send
// plain text replies.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/retry"
	"github.com/haasonsaas/warden/pkg/models"
)

// Config holds the WhatsApp adapter settings.
type Config struct {
	// SessionStore is the path of the whatsmeow sqlite session database.
	SessionStore string

	// OwnerJID identifies the owner's own WhatsApp account.
	OwnerJID string
}

// Adapter is the WhatsApp transport driver.
type Adapter struct {
	config Config
	logger *slog.Logger

	client *whatsmeow.Client
	events chan<- *models.InboundEvent
}

// New creates a WhatsApp adapter.
func New(config Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{config: config, logger: logger}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return "whatsapp" }

// Run connects the bridge and delivers message events until the context
// ends. Pairing (QR login) must already have happened; an unpaired store
// is a configuration error surfaced at startup.
func (a *Adapter) Run(ctx context.Context, events chan<- *models.InboundEvent) error {
	a.events = events

	container, err := sqlstore.New(ctx, "sqlite",
		fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", a.config.SessionStore),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp device: %w", err)
	}
	if device.ID == nil {
		return fmt.Errorf("whatsapp store is not paired; run the pairing flow first")
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(func(evt any) { a.handleEvent(ctx, evt) })

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	<-ctx.Done()
	a.client.Disconnect()
	return ctx.Err()
}

func (a *Adapter) handleEvent(ctx context.Context, evt any) {
	msg, ok := evt.(*events.Message)
	if !ok || msg.Info.IsFromMe {
		return
	}
	text := msg.Message.GetConversation()
	if text == "" && msg.Message.GetExtendedTextMessage() != nil {
		text = msg.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	event := &models.InboundEvent{
		EventID:   uuid.NewString(),
		Timestamp: msg.Info.Timestamp.UTC(),
		Source: models.EventSource{
			Adapter:   a.Name(),
			Principal: a.principalFor(msg.Info.Sender),
		},
		Kind: models.EventMessage,
		Payload: models.EventPayload{
			Text:      text,
			ChatID:    msg.Info.Chat.String(),
			MessageID: msg.Info.ID,
		},
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  6,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
	}, func() error {
		select {
		case a.events <- event:
			return nil
		default:
			return fmt.Errorf("pipeline saturated")
		}
	})
	if err != nil {
		a.logger.Warn("dropping whatsapp message after backoff", "error", err)
	}
}

func (a *Adapter) principalFor(sender types.JID) models.Principal {
	if a.config.OwnerJID != "" && sender.ToNonAD().String() == a.config.OwnerJID {
		return models.Owner()
	}
	return models.WhatsAppContact(sender.User)
}

// Execute implements channels.Adapter. WhatsApp has no approval buttons
// or remote deletion in this adapter; approvals ride the admin sink.
func (a *Adapter) Execute(ctx context.Context, cmd channels.Command) error {
	switch cmd.Kind {
	case channels.CmdSendMessage, channels.CmdSendApprovalRequest:
		jid, err := types.ParseJID(cmd.ChatID)
		if err != nil {
			return fmt.Errorf("whatsapp chat id %q: %w", cmd.ChatID, err)
		}
		_, err = a.client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(cmd.Text),
		})
		return err
	case channels.CmdDeleteMessage, channels.CmdShutdown:
		return nil
	}
	return fmt.Errorf("whatsapp: unknown command kind %d", cmd.Kind)
}
