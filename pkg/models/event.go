package models

import "time"

// EventKind categorizes inbound events.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventCallback EventKind = "callback"
	EventWebhook  EventKind = "webhook"
	EventTimer    EventKind = "timer"
)

// EventSource identifies the adapter and principal that produced an event.
type EventSource struct {
	Adapter   string    `json:"adapter"`
	Principal Principal `json:"principal"`
}

// Attachment is an opaque reference to inbound media. The core never
// downloads attachments; adapters resolve references on demand.
type Attachment struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
}

// EventPayload carries the content of an inbound event.
type EventPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// ChatID and MessageID locate the message on the transport, used for
	// approval callbacks and credential-message deletion.
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// InboundEvent is produced by an adapter and consumed exactly once by the
// task pipeline. Events are not retained after consumption.
type InboundEvent struct {
	EventID   string       `json:"event_id"`
	Timestamp time.Time    `json:"timestamp"`
	Source    EventSource  `json:"source"`
	Kind      EventKind    `json:"kind"`
	Payload   EventPayload `json:"payload"`
}
