// Package providers defines the single LLM contract the kernel consumes
// and the concrete drivers behind it: Anthropic for cloud inference and
// any OpenAI-compatible endpoint (Ollama, vLLM) for local inference. The
// policy engine gates every call before a prompt reaches a driver;
// drivers themselves are plumbing.
package providers

import (
	"context"
	"time"
)

// Request is one completion request. Streaming is out of scope for the
// kernel; drivers return the full content.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Deadline    time.Duration
}

// Usage reports token accounting when the driver provides it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed inference call.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string
}

// Provider is the kernel's single inference contract.
type Provider interface {
	// Complete runs one completion. The context carries cancellation;
	// Request.Deadline bounds the call when positive.
	Complete(ctx context.Context, req Request) (*Response, error)

	// IsCloud reports whether prompts leave the local machine. The policy
	// engine's inference-routing check keys off this.
	IsCloud() bool

	// ModelID names the configured model.
	ModelID() string

	// SupportsToolCalls reports native tool-call support. The kernel does
	// not use native tool calls (plans are JSON) but surfaces this for
	// diagnostics.
	SupportsToolCalls() bool
}

// withDeadline derives a bounded context when the request asks for one.
func withDeadline(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Deadline > 0 {
		return context.WithTimeout(ctx, req.Deadline)
	}
	return context.WithCancel(ctx)
}
