// Package models defines the shared domain types of the warden runtime:
// principals, security labels, taint, inbound events, tasks, plans,
// capability tokens, and memory rows. Types here are plain values with
// JSON tags; behavior that needs policy decisions lives in internal/policy.
package models

import (
	"fmt"
	"strings"
)

// PrincipalKind discriminates the Principal variants.
type PrincipalKind string

const (
	PrincipalOwner    PrincipalKind = "owner"
	PrincipalTelegram PrincipalKind = "telegram"
	PrincipalSlack    PrincipalKind = "slack"
	PrincipalWhatsApp PrincipalKind = "whatsapp"
	PrincipalWebhook  PrincipalKind = "webhook"
	PrincipalCron     PrincipalKind = "cron"
)

// Principal is the authenticated actor that caused an event. Principals are
// values: equality is structural and the zero value is not a valid
// principal. The Key serialization namespaces sessions and journal rows,
// so it must stay stable across releases.
type Principal struct {
	Kind PrincipalKind `json:"kind"`

	// ID carries the variant payload for single-field variants:
	// the peer id for telegram, the phone for whatsapp, the source for
	// webhook, the job name for cron. Empty for owner.
	ID string `json:"id,omitempty"`

	// Slack principals carry a workspace/channel/user triple.
	Workspace string `json:"workspace,omitempty"`
	Channel   string `json:"channel,omitempty"`
	User      string `json:"user,omitempty"`
}

// Owner returns the owner principal.
func Owner() Principal { return Principal{Kind: PrincipalOwner} }

// TelegramPeer returns a principal for a non-owner Telegram peer.
func TelegramPeer(id string) Principal { return Principal{Kind: PrincipalTelegram, ID: id} }

// SlackUser returns a principal for a Slack user in a workspace channel.
func SlackUser(workspace, channel, user string) Principal {
	return Principal{Kind: PrincipalSlack, Workspace: workspace, Channel: channel, User: user}
}

// WhatsAppContact returns a principal for a WhatsApp contact.
func WhatsAppContact(phone string) Principal { return Principal{Kind: PrincipalWhatsApp, ID: phone} }

// Webhook returns a principal for an inbound webhook source.
func Webhook(source string) Principal { return Principal{Kind: PrincipalWebhook, ID: source} }

// Cron returns a principal for a scheduled job.
func Cron(job string) Principal { return Principal{Kind: PrincipalCron, ID: job} }

// IsOwner reports whether the principal is the owner.
func (p Principal) IsOwner() bool { return p.Kind == PrincipalOwner }

// Key returns the stable per-principal key used to namespace sessions and
// journal rows. The format is part of the on-disk schema.
func (p Principal) Key() string {
	switch p.Kind {
	case PrincipalOwner:
		return "owner"
	case PrincipalSlack:
		return fmt.Sprintf("slack:%s:%s:%s", p.Workspace, p.Channel, p.User)
	default:
		return string(p.Kind) + ":" + p.ID
	}
}

// ParsePrincipalKey is the inverse of Key. It returns an error for keys
// written by no released version of the runtime.
func ParsePrincipalKey(key string) (Principal, error) {
	if key == "owner" {
		return Owner(), nil
	}
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return Principal{}, fmt.Errorf("malformed principal key %q", key)
	}
	switch PrincipalKind(kind) {
	case PrincipalTelegram, PrincipalWhatsApp, PrincipalWebhook, PrincipalCron:
		return Principal{Kind: PrincipalKind(kind), ID: rest}, nil
	case PrincipalSlack:
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 {
			return Principal{}, fmt.Errorf("malformed slack principal key %q", key)
		}
		return SlackUser(parts[0], parts[1], parts[2]), nil
	default:
		return Principal{}, fmt.Errorf("unknown principal kind %q", kind)
	}
}

func (p Principal) String() string { return p.Key() }
