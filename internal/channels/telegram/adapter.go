// Package telegram implements the Telegram long-poll adapter: it turns
// updates into inbound events (owner vs. peer principals), renders
// approval requests as inline keyboards, and deletes intercepted
// credential messages on request.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/channels"
	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/internal/retry"
	"github.com/haasonsaas/warden/pkg/models"
)

// offsetKey is this adapter's journal key for the last-seen update id.
const offsetKey = "telegram:last_update_id"

// Config holds the Telegram adapter settings.
type Config struct {
	Token       string
	OwnerID     int64
	PollTimeout time.Duration
}

// Adapter is the Telegram transport driver.
type Adapter struct {
	config  Config
	journal *journal.Journal
	logger  *slog.Logger

	bot    *bot.Bot
	events chan<- *models.InboundEvent
}

// New creates a Telegram adapter.
func New(config Config, j *journal.Journal, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{config: config, journal: j, logger: logger}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return "telegram" }

// Run long-polls updates until the context ends. Send saturation backs
// off exponentially rather than dropping events.
func (a *Adapter) Run(ctx context.Context, events chan<- *models.InboundEvent) error {
	a.events = events
	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	a.bot = b

	// Clear deletions queued before a restart (intercepted credentials).
	deletions, err := a.journal.TakePendingDeletions()
	if err != nil {
		a.logger.Warn("load pending deletions", "error", err)
	}
	for _, d := range deletions {
		a.deleteMessage(ctx, d.ChatID, d.MessageID)
	}

	b.Start(ctx)
	return ctx.Err()
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	event := a.convertUpdate(update)
	if event == nil {
		return
	}

	// Backpressure: retry the bounded channel with exponential backoff.
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
		a.logger.Warn("dropping update after backoff", "update_id", update.ID, "error", err)
		return
	}

	if err := a.journal.SetAdapterState(offsetKey, strconv.FormatInt(update.ID, 10)); err != nil {
		a.logger.Warn("persist telegram offset", "error", err)
	}
}

func (a *Adapter) convertUpdate(update *tgmodels.Update) *models.InboundEvent {
	switch {
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil {
			return nil
		}
		return &models.InboundEvent{
			EventID:   uuid.NewString(),
			Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
			Source: models.EventSource{
				Adapter:   a.Name(),
				Principal: a.principalFor(msg.From.ID),
			},
			Kind: models.EventMessage,
			Payload: models.EventPayload{
				Text:      msg.Text,
				ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
				MessageID: strconv.Itoa(msg.ID),
			},
		}

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		approvalID, decision, ok := parseCallbackData(cb.Data)
		if !ok {
			return nil
		}
		chatID := ""
		if cb.Message.Message != nil {
			chatID = strconv.FormatInt(cb.Message.Message.Chat.ID, 10)
		}
		return &models.InboundEvent{
			EventID:   uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Source: models.EventSource{
				Adapter:   a.Name(),
				Principal: a.principalFor(cb.From.ID),
			},
			Kind: models.EventCallback,
			Payload: models.EventPayload{
				ChatID: chatID,
				Metadata: map[string]string{
					"approval_id": approvalID,
					"decision":    decision,
				},
			},
		}
	}
	return nil
}

func (a *Adapter) principalFor(userID int64) models.Principal {
	if userID == a.config.OwnerID {
		return models.Owner()
	}
	return models.TelegramPeer(strconv.FormatInt(userID, 10))
}

// Execute implements channels.Adapter.
func (a *Adapter) Execute(ctx context.Context, cmd channels.Command) error {
	switch cmd.Kind {
	case channels.CmdSendMessage:
		_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: cmd.ChatID,
			Text:   cmd.Text,
		})
		return err

	case channels.CmdSendApprovalRequest:
		_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: cmd.ChatID,
			Text:   cmd.Text,
			ReplyMarkup: &tgmodels.InlineKeyboardMarkup{
				InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
					{Text: "Approve", CallbackData: "appr:" + cmd.ApprovalID + ":approve"},
					{Text: "Deny", CallbackData: "appr:" + cmd.ApprovalID + ":deny"},
				}},
			},
		})
		return err

	case channels.CmdDeleteMessage:
		a.deleteMessage(ctx, cmd.ChatID, cmd.MessageID)
		return nil

	case channels.CmdShutdown:
		return nil
	}
	return fmt.Errorf("telegram: unknown command kind %d", cmd.Kind)
}

func (a *Adapter) deleteMessage(ctx context.Context, chatID, messageID string) {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		a.logger.Warn("bad message id for deletion", "message_id", messageID)
		return
	}
	if _, err := a.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: id,
	}); err != nil {
		a.logger.Warn("delete message", "chat_id", chatID, "message_id", messageID, "error", err)
	}
}

// parseCallbackData parses "appr:<approval_id>:<approve|deny>".
func parseCallbackData(data string) (approvalID, decision string, ok bool) {
	const prefix = "appr:"
	if len(data) <= len(prefix) || data[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := data[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			decision = rest[i+1:]
			approvalID = rest[:i]
			break
		}
	}
	if approvalID == "" || (decision != "approve" && decision != "deny") {
		return "", "", false
	}
	return approvalID, decision, true
}
