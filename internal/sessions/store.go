// Package sessions holds per-principal working memory. Each principal's
// session is a distinct instance keyed by the principal's stable key; no
// code path reads or writes across principals.
package sessions

import (
	"sync"

	"github.com/haasonsaas/warden/pkg/models"
)

// Window capacities for the in-memory sliding windows.
const (
	RecentResultsCapacity       = 10
	ConversationHistoryCapacity = 20
)

// WorkingMemory is one principal's session: two FIFO sliding windows over
// recent task results and conversation turns.
type WorkingMemory struct {
	mu            sync.Mutex
	recentResults []models.WorkingMemoryEntry
	history       []models.ConversationTurn
}

// PushResult appends a task result, evicting the oldest entry beyond
// capacity.
func (w *WorkingMemory) PushResult(entry models.WorkingMemoryEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recentResults = append(w.recentResults, entry)
	if len(w.recentResults) > RecentResultsCapacity {
		w.recentResults = w.recentResults[len(w.recentResults)-RecentResultsCapacity:]
	}
}

// PushTurn appends a conversation turn, evicting beyond capacity.
func (w *WorkingMemory) PushTurn(turn models.ConversationTurn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, turn)
	if len(w.history) > ConversationHistoryCapacity {
		w.history = w.history[len(w.history)-ConversationHistoryCapacity:]
	}
}

// RecentResults returns a copy of the result window, oldest first.
func (w *WorkingMemory) RecentResults() []models.WorkingMemoryEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.WorkingMemoryEntry, len(w.recentResults))
	copy(out, w.recentResults)
	return out
}

// History returns a copy of the conversation window, oldest first.
func (w *WorkingMemory) History() []models.ConversationTurn {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.ConversationTurn, len(w.history))
	copy(out, w.history)
	return out
}

// Store maps principals to their sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*WorkingMemory
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*WorkingMemory)}
}

// GetOrCreate returns the principal's session, instantiating it lazily.
func (s *Store) GetOrCreate(principal models.Principal) *WorkingMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := principal.Key()
	session, ok := s.sessions[key]
	if !ok {
		session = &WorkingMemory{}
		s.sessions[key] = session
	}
	return session
}
