// Package vault holds credentials for the runtime. Secrets are opaque
// wrappers: only Expose returns the plaintext, and the executor is the
// only component permitted to call it. Secret values never appear in
// planner prompts, audit records, or error strings.
package vault

import (
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned when no secret exists under a key.
var ErrNotFound = errors.New("vault: secret not found")

// Secret wraps a credential value. Its String and JSON forms are redacted
// so a secret cannot leak through formatting.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext value.
func NewSecret(value string) Secret { return Secret{value: value} }

// Expose returns the plaintext. Callers outside the executor must not
// invoke this; the grep-able name keeps call sites reviewable.
func (s Secret) Expose() string { return s.value }

func (s Secret) String() string { return "[redacted]" }

// MarshalJSON redacts; a secret serialized by accident writes no value.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[redacted]"`), nil }

// Vault is an in-process keyed secret store under a lock.
type Vault struct {
	mu      sync.RWMutex
	secrets map[string]Secret
}

// New creates an empty vault.
func New() *Vault {
	return &Vault{secrets: make(map[string]Secret)}
}

// StoreSecret stores a value under key, replacing any existing value.
func (v *Vault) StoreSecret(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[key] = NewSecret(value)
}

// GetSecret returns the secret under key.
func (v *Vault) GetSecret(key string) (Secret, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.secrets[key]
	if !ok {
		return Secret{}, ErrNotFound
	}
	return secret, nil
}

// Has reports whether a secret exists under key without exposing it.
func (v *Vault) Has(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.secrets[key]
	return ok
}

// Delete removes the secret under key.
func (v *Vault) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, key)
}

// Keys lists the stored keys. Used by admin surfaces to show which
// integrations are connected; values stay sealed.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.secrets))
	for k := range v.secrets {
		keys = append(keys, k)
	}
	return keys
}

// ContainsValue reports whether any stored secret's plaintext occurs in
// text. The outbound redactor uses this to stop a response that embeds a
// credential; the match result carries no secret material.
func (v *Vault) ContainsValue(text string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, s := range v.secrets {
		if s.value != "" && strings.Contains(text, s.value) {
			return true
		}
	}
	return false
}
