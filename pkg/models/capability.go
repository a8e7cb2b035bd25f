package models

import "time"

// CapabilityToken authorizes exactly one tool invocation for one task. It
// is minted by the policy engine at the point of invocation and exchanged
// at the executor; the wire form (Signed) is a signed compact JWT that is
// opaque to the LLM and never enters a prompt.
type CapabilityToken struct {
	CapabilityID     string     `json:"capability_id"`
	TaskID           string     `json:"task_id"`
	TemplateID       string     `json:"template_id"`
	Principal        Principal  `json:"principal"`
	Tool             string     `json:"tool"`
	ResourceScope    string     `json:"resource_scope,omitempty"`
	TaintOfArguments TaintLevel `json:"taint_of_arguments"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	MaxInvocations   int        `json:"max_invocations"`

	// Signed is the verifiable wire form.
	Signed string `json:"-"`
}
