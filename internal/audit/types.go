// Package audit provides the append-only record of boundary events: event
// admission, plan production, tool invocation, sink writes, policy
// decisions, credential interception, and approval outcomes. Records are
// line-delimited JSON. Secret-labeled content is never logged; credential
// records carry the service name and never the value.
package audit

import (
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// EventKind categorizes boundary events.
type EventKind string

const (
	KindEventAdmitted          EventKind = "event_admitted"
	KindPlanProduced           EventKind = "plan_produced"
	KindToolInvoked            EventKind = "tool_invoked"
	KindSinkWrite              EventKind = "sink_write"
	KindPolicyDecision         EventKind = "policy_decision"
	KindCredentialIntercepted  EventKind = "credential_intercepted"
	KindApprovalDecision       EventKind = "approval_decision"
	KindTaskTransition         EventKind = "task_transition"
	KindRecovery               EventKind = "recovery"
)

// Record is one audit line. Optional fields are omitted when empty so the
// log stays greppable.
type Record struct {
	TS           time.Time             `json:"ts"`
	Kind         EventKind             `json:"event_kind"`
	TaskID       string                `json:"task_id,omitempty"`
	Principal    string                `json:"principal,omitempty"`
	Tool         string                `json:"tool,omitempty"`
	CapabilityID string                `json:"capability_id,omitempty"`
	Label        *models.SecurityLabel `json:"label,omitempty"`
	Decision     string                `json:"decision,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	Details      map[string]any        `json:"details,omitempty"`
}
