// Package tools defines the tool-invocation contract and the dynamic
// registry behind it. Tools are addressed by dotted name; at invocation a
// tool receives a capability token, its arguments, a vault handle, and a
// deadline, and returns output plus a self-reported label and taint. The
// kernel's label ceiling is applied on top of the self-report by the
// executor.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/warden/internal/vault"
	"github.com/haasonsaas/warden/pkg/models"
)

// Invocation is everything a tool receives for one call. Tools never see
// other tools' capabilities, and the vault refuses exposure unless the
// capability's resource scope covers the requested key.
type Invocation struct {
	Capability *models.CapabilityToken
	Arguments  json.RawMessage
	Vault      *VaultHandle
	Deadline   time.Duration
}

// Result is what a tool returns. ReportedLabel is the tool's own claim
// about its output's sensitivity; the kernel clamps it to the configured
// ceiling. Tools must never place secret plaintext in Output.
type Result struct {
	Output        json.RawMessage
	ReportedLabel models.SecurityLabel
	TaintOut      models.Taint
}

// Tool is the capability set every tool implements.
type Tool interface {
	// Name is the dotted tool name (e.g. "email.list").
	Name() string

	// Description feeds the planner's tool catalogue.
	Description() string

	// Semantics reports whether invoking the tool reads or writes the
	// outside world. The executor's taint rule keys off this static
	// declaration, not the plan's claim.
	Semantics() models.ActionSemantics

	// Invoke runs the tool.
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// RetryableError marks a tool failure worth retrying with backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps a transient tool error.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// VaultHandle scopes vault access to one invocation. A key is readable
// only when the capability's resource scope names it.
type VaultHandle struct {
	vault *vault.Vault
	scope string
}

// NewVaultHandle binds a vault to a capability's resource scope.
func NewVaultHandle(v *vault.Vault, resourceScope string) *VaultHandle {
	return &VaultHandle{vault: v, scope: resourceScope}
}

// Secret returns the secret under key when the scope permits it.
func (h *VaultHandle) Secret(key string) (vault.Secret, error) {
	if h == nil || h.vault == nil {
		return vault.Secret{}, vault.ErrNotFound
	}
	if h.scope != key {
		return vault.Secret{}, vault.ErrNotFound
	}
	return h.vault.GetSecret(key)
}
