// Package credgate intercepts owner messages that answer a pending
// credential prompt and diverts them to the vault before any other
// component (the extractor and both LLM phases included) can see the
// text.
package credgate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/journal"
	"github.com/haasonsaas/warden/internal/vault"
	"github.com/haasonsaas/warden/pkg/models"
)

// Token heuristic bounds. Chosen conservative: a legitimate message that
// happens to look like a token is the failure mode to avoid, so anything
// ambiguous falls through as a normal message and the cancel words always
// win.
const (
	minTokenLength    = 15
	maxTokenLength    = 500
	tokenCharFraction = 0.90
)

var cancelWords = map[string]bool{
	"cancel":    true,
	"nevermind": true,
	"skip":      true,
	"abort":     true,
}

// OutcomeKind classifies the gate's decision for one message.
type OutcomeKind int

const (
	// NotIntercepted: no active prompt, or the text reads as a normal
	// message. The pipeline handles it.
	NotIntercepted OutcomeKind = iota
	// Intercepted: the text was captured into the vault. It must not
	// reach any prompt, journal summary, or log.
	Intercepted
	// Cancelled: the owner declined to provide the credential.
	Cancelled
)

// Outcome is the gate's decision. ChatID/MessageID let the transport
// delete the captured message.
type Outcome struct {
	Kind      OutcomeKind
	Service   string
	VaultKey  string
	ChatID    string
	MessageID string
}

// Gate holds the per-principal pending prompts, persisted through the
// journal so prompts survive a restart.
type Gate struct {
	mu      sync.Mutex
	pending map[string]models.PendingCredentialPrompt

	journal *journal.Journal
	vault   *vault.Vault
	audit   *audit.Log
}

// New creates a gate and restores pending prompts from the journal.
func New(j *journal.Journal, v *vault.Vault, a *audit.Log) (*Gate, error) {
	g := &Gate{
		pending: make(map[string]models.PendingCredentialPrompt),
		journal: j,
		vault:   v,
		audit:   a,
	}
	prompts, err := j.AllCredentialPrompts()
	if err != nil {
		return nil, fmt.Errorf("restore credential prompts: %w", err)
	}
	for _, p := range prompts {
		g.pending[p.Principal.Key()] = p
	}
	return g, nil
}

// RegisterPrompt arms the gate for a principal. An earlier prompt for the
// same principal is replaced.
func (g *Gate) RegisterPrompt(prompt models.PendingCredentialPrompt) error {
	if prompt.PromptedAt.IsZero() {
		prompt.PromptedAt = time.Now().UTC()
	}
	if err := g.journal.PutCredentialPrompt(prompt); err != nil {
		return err
	}
	g.mu.Lock()
	g.pending[prompt.Principal.Key()] = prompt
	g.mu.Unlock()
	return nil
}

// PendingFor returns the active prompt for a principal, if any.
func (g *Gate) PendingFor(principal models.Principal) (models.PendingCredentialPrompt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[principal.Key()]
	return p, ok
}

// Classify runs the gate over an inbound owner message, before the
// extractor. On interception the credential is stored and the cleared
// message coordinates are returned so the transport can delete it.
func (g *Gate) Classify(event *models.InboundEvent) (Outcome, error) {
	principal := event.Source.Principal

	g.mu.Lock()
	prompt, ok := g.pending[principal.Key()]
	g.mu.Unlock()
	if !ok {
		return Outcome{Kind: NotIntercepted}, nil
	}

	if prompt.Expired(time.Now()) {
		if err := g.clear(principal); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: NotIntercepted}, nil
	}

	text := strings.TrimSpace(event.Payload.Text)
	switch classifyText(text, prompt.ExpectedPrefix) {
	case classCancel:
		if err := g.clear(principal); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: Cancelled, Service: prompt.Service}, nil

	case classCredential:
		g.vault.StoreSecret(prompt.VaultKey, text)
		if err := g.clear(principal); err != nil {
			return Outcome{}, err
		}
		if event.Payload.ChatID != "" && event.Payload.MessageID != "" {
			if err := g.journal.AddPendingDeletion(event.Payload.ChatID, event.Payload.MessageID); err != nil {
				return Outcome{}, err
			}
		}
		if g.audit != nil {
			_ = g.audit.CredentialIntercepted(principal, prompt.Service)
		}
		return Outcome{
			Kind:      Intercepted,
			Service:   prompt.Service,
			VaultKey:  prompt.VaultKey,
			ChatID:    event.Payload.ChatID,
			MessageID: event.Payload.MessageID,
		}, nil

	default:
		// A normal message leaves the prompt armed until its TTL.
		return Outcome{Kind: NotIntercepted}, nil
	}
}

func (g *Gate) clear(principal models.Principal) error {
	if err := g.journal.DeleteCredentialPrompt(principal); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.pending, principal.Key())
	g.mu.Unlock()
	return nil
}

type textClass int

const (
	classNormal textClass = iota
	classCancel
	classCredential
)

func classifyText(text, expectedPrefix string) textClass {
	if cancelWords[strings.ToLower(text)] {
		return classCancel
	}
	if expectedPrefix != "" && strings.HasPrefix(text, expectedPrefix) {
		return classCredential
	}
	if looksLikeToken(text) {
		return classCredential
	}
	return classNormal
}

// looksLikeToken applies the conservative heuristic: bounded length, no
// whitespace, and at least 90% of the characters from the usual token
// alphabet.
func looksLikeToken(text string) bool {
	if len(text) < minTokenLength || len(text) > maxTokenLength {
		return false
	}
	if strings.ContainsAny(text, " \t\n\r") {
		return false
	}
	tokenChars := 0
	for _, r := range text {
		if isTokenChar(r) {
			tokenChars++
		}
	}
	return float64(tokenChars) >= tokenCharFraction*float64(len([]rune(text)))
}

func isTokenChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == '+', r == '/', r == '=':
		return true
	}
	return false
}
