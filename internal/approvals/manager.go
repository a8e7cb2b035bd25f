// Package approvals holds pending human-approval requests, correlates
// button callbacks to the tasks that raised them, and expires requests
// that go unanswered.
package approvals

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/pkg/models"
)

// DefaultTimeout is the approval deadline when the config provides none.
const DefaultTimeout = 5 * time.Minute

// Resolution is the outcome of resolving an approval.
type Resolution int

const (
	Approved Resolution = iota
	Denied
	Expired
	WrongUser
	NotFound
)

func (r Resolution) String() string {
	switch r {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	case Expired:
		return "expired"
	case WrongUser:
		return "wrong_user"
	default:
		return "not_found"
	}
}

// Pending is one outstanding approval request.
type Pending struct {
	ApprovalID string
	TaskID     string
	Step       int
	Principal  models.Principal
	Summary    string
	Deadline   time.Time
}

// Manager is the in-memory approval table.
type Manager struct {
	mu      sync.Mutex
	pending map[string]Pending
	timeout time.Duration

	// now is injectable for expiry tests.
	now func() time.Time
}

// New creates a manager with the given timeout (DefaultTimeout if zero).
func New(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		pending: make(map[string]Pending),
		timeout: timeout,
		now:     time.Now,
	}
}

// Request registers a new approval and returns it. The caller sends the
// prompt carrying the approval ID through the adapter.
func (m *Manager) Request(taskID string, step int, principal models.Principal, summary string) Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Pending{
		ApprovalID: uuid.NewString(),
		TaskID:     taskID,
		Step:       step,
		Principal:  principal,
		Summary:    summary,
		Deadline:   m.now().Add(m.timeout),
	}
	m.pending[p.ApprovalID] = p
	return p
}

// Restore re-registers an approval after recovery, keeping its ID but
// renewing the deadline.
func (m *Manager) Restore(approvalID, taskID string, step int, principal models.Principal, summary string) Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Pending{
		ApprovalID: approvalID,
		TaskID:     taskID,
		Step:       step,
		Principal:  principal,
		Summary:    summary,
		Deadline:   m.now().Add(m.timeout),
	}
	m.pending[approvalID] = p
	return p
}

// Resolve correlates a button callback. The wrong-user check compares the
// responder to the task's principal. Expired approvals resolve Expired
// and are removed; a later press of the same button lands on NotFound and
// never resumes the task.
func (m *Manager) Resolve(approvalID string, responder models.Principal, approve bool) (Pending, Resolution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[approvalID]
	if !ok {
		return Pending{}, NotFound
	}
	if m.now().After(p.Deadline) {
		delete(m.pending, approvalID)
		return p, Expired
	}
	if responder != p.Principal {
		// The request stays pending: someone else's press must not burn it.
		return p, WrongUser
	}
	delete(m.pending, approvalID)
	if approve {
		return p, Approved
	}
	return p, Denied
}

// SweepExpired removes and returns approvals past their deadline so the
// pipeline can fail their tasks.
func (m *Manager) SweepExpired() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []Pending
	now := m.now()
	for id, p := range m.pending {
		if now.After(p.Deadline) {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	return expired
}

// PendingCount reports the table size.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
