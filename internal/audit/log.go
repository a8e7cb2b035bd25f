package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// Log is the append-only audit writer. Writes are serialized and flushed
// line by line; the audit trail must survive a crash of the process that
// produced it.
type Log struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
}

// Open opens (creating if necessary) an append-only audit log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{out: f, closer: f}, nil
}

// NewWriter wraps an arbitrary writer, used by tests.
func NewWriter(w io.Writer) *Log {
	return &Log{out: w}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Append writes one record. A zero timestamp is stamped at write time.
func (l *Log) Append(rec Record) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.out.Write(append(data, '\n'))
	return err
}

// EventAdmitted records an inbound event admitted to the pipeline.
func (l *Log) EventAdmitted(taskID string, principal models.Principal, label models.SecurityLabel, taint models.TaintLevel) error {
	return l.Append(Record{
		Kind:      KindEventAdmitted,
		TaskID:    taskID,
		Principal: principal.Key(),
		Label:     &label,
		Details:   map[string]any{"taint": taint.String()},
	})
}

// PlanProduced records a validated plan: step tools and labels only,
// never arguments.
func (l *Log) PlanProduced(taskID string, principal models.Principal, steps []models.PlanStep) error {
	tools := make([]string, len(steps))
	for i, s := range steps {
		tools[i] = s.Tool
	}
	return l.Append(Record{
		Kind:      KindPlanProduced,
		TaskID:    taskID,
		Principal: principal.Key(),
		Details:   map[string]any{"step_tools": tools, "step_count": len(steps)},
	})
}

// ToolInvoked records a tool invocation outcome: name, argument taint,
// result label, success. Arguments themselves are not recorded.
func (l *Log) ToolInvoked(taskID, tool, capabilityID string, argTaint models.TaintLevel, resultLabel models.SecurityLabel, success bool) error {
	decision := "ok"
	if !success {
		decision = "error"
	}
	return l.Append(Record{
		Kind:         KindToolInvoked,
		TaskID:       taskID,
		Tool:         tool,
		CapabilityID: capabilityID,
		Label:        &resultLabel,
		Decision:     decision,
		Details:      map[string]any{"arg_taint": argTaint.String()},
	})
}

// SinkWrite records an outbound write.
func (l *Log) SinkWrite(taskID, sink string, dataLabel models.SecurityLabel) error {
	return l.Append(Record{
		Kind:    KindSinkWrite,
		TaskID:  taskID,
		Label:   &dataLabel,
		Details: map[string]any{"sink": sink},
	})
}

// PolicyDecision records a violation or a capability issuance.
func (l *Log) PolicyDecision(taskID, tool, decision, reason string) error {
	return l.Append(Record{
		Kind:     KindPolicyDecision,
		TaskID:   taskID,
		Tool:     tool,
		Decision: decision,
		Reason:   reason,
	})
}

// CredentialIntercepted records a credential capture. The value is never
// passed to this method, by construction.
func (l *Log) CredentialIntercepted(principal models.Principal, service string) error {
	return l.Append(Record{
		Kind:      KindCredentialIntercepted,
		Principal: principal.Key(),
		Details:   map[string]any{"service": service},
	})
}

// ApprovalDecision records the resolution of a human-approval request.
func (l *Log) ApprovalDecision(taskID, approvalID, decision string, responder models.Principal) error {
	return l.Append(Record{
		Kind:      KindApprovalDecision,
		TaskID:    taskID,
		Principal: responder.Key(),
		Decision:  decision,
		Details:   map[string]any{"approval_id": approvalID},
	})
}

// TaskTransition records a persisted lifecycle transition.
func (l *Log) TaskTransition(taskID string, from, to models.TaskPhase, reason string) error {
	return l.Append(Record{
		Kind:    KindTaskTransition,
		TaskID:  taskID,
		Reason:  reason,
		Details: map[string]any{"from": string(from), "to": string(to)},
	})
}

// Recovery records a startup recovery decision for one task.
func (l *Log) Recovery(taskID, decision string) error {
	return l.Append(Record{
		Kind:     KindRecovery,
		TaskID:   taskID,
		Decision: decision,
	})
}
