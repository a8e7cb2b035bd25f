// Package policy implements the security kernel's policy engine: label and
// taint assignment, No Read Up / No Write Down checks, inference routing,
// taint-driven approval decisions, and capability token issuance. All
// checks are pure functions over the engine's immutable tables; nothing in
// this package suspends.
package policy

import (
	"strings"

	"github.com/haasonsaas/warden/pkg/models"
)

// ApprovalDecision is the outcome of a taint check for a write.
type ApprovalDecision struct {
	AutoApproved bool
	Reason       string
}

// Engine holds the kernel's policy tables. The tables are fixed at
// construction; label ceilings are not hot-reloaded.
type Engine struct {
	labelCeilings map[string]models.SecurityLabel
	sinkLabels    map[string]models.SecurityLabel
	signer        *capabilitySigner
}

// New creates a policy engine with the given tool label ceilings and sink
// labels. The signing key protects capability tokens against forgery
// within the process boundary.
func New(labelCeilings, sinkLabels map[string]models.SecurityLabel, signingKey []byte) *Engine {
	ceilings := make(map[string]models.SecurityLabel, len(labelCeilings))
	for k, v := range labelCeilings {
		ceilings[k] = v
	}
	sinks := make(map[string]models.SecurityLabel, len(sinkLabels))
	for k, v := range sinkLabels {
		sinks[k] = v
	}
	return &Engine{
		labelCeilings: ceilings,
		sinkLabels:    sinks,
		signer:        newCapabilitySigner(signingKey),
	}
}

// WithDefaults creates an engine preloaded with the built-in sink labels
// and tool ceilings. The owner's primary sink sits at Regulated so health
// data can egress to the owner.
func WithDefaults(signingKey []byte) *Engine {
	sinks := map[string]models.SecurityLabel{
		"sink:telegram:owner":            models.LabelRegulated,
		"sink:notion:*":                  models.LabelSensitive,
		"sink:slack:owner_dm":            models.LabelSensitive,
		"sink:whatsapp:reply_to_sender":  models.LabelPublic,
		"sink:telegram:reply_to_sender":  models.LabelInternal,
		"sink:github:public":             models.LabelPublic,
		"sink:github:private":            models.LabelInternal,
	}
	ceilings := map[string]models.SecurityLabel{
		"calendar.freebusy":    models.LabelInternal,
		"calendar.list_events": models.LabelSensitive,
		"email.list":           models.LabelSensitive,
		"email.read":           models.LabelSensitive,
		"github.list_prs":      models.LabelSensitive,
	}
	return New(ceilings, sinks, signingKey)
}

// AssignEventLabel assigns the initial label of an inbound event from its
// source. Owner content and machine-originated events are Sensitive; all
// other principals start at Internal.
func (e *Engine) AssignEventLabel(source models.EventSource) models.SecurityLabel {
	switch source.Principal.Kind {
	case models.PrincipalOwner, models.PrincipalWebhook, models.PrincipalCron:
		return models.LabelSensitive
	default:
		return models.LabelInternal
	}
}

// AssignEventTaint assigns the initial taint of an inbound event. Owner
// and cron events are clean; everything else is raw third-party content.
func (e *Engine) AssignEventTaint(source models.EventSource) models.Taint {
	switch source.Principal.Kind {
	case models.PrincipalOwner:
		return models.CleanTaint("owner")
	case models.PrincipalCron:
		return models.CleanTaint(source.Principal.Key())
	default:
		return models.RawTaint(source.Principal.Key())
	}
}

// PropagateLabel returns the label of a datum derived from the given
// inputs: the maximum, defaulting to Public for no inputs.
func (e *Engine) PropagateLabel(labels ...models.SecurityLabel) models.SecurityLabel {
	return models.MaxLabel(labels...)
}

// CheckRead enforces No Read Up: a subject may read an object only with
// clearance at or above the object's label.
func (e *Engine) CheckRead(subject, object models.SecurityLabel) bool {
	return subject >= object
}

// CheckWrite enforces No Write Down: data may flow to a sink only at or
// above the data's label.
func (e *Engine) CheckWrite(dataLabel, sinkLabel models.SecurityLabel) error {
	if dataLabel > sinkLabel {
		return &NoWriteDownError{DataLabel: dataLabel, SinkLabel: sinkLabel}
	}
	return nil
}

// CheckSinkWrite resolves the sink's label and enforces No Write Down
// against it. Unknown sinks resolve to Public, the most restrictive
// assumption for outbound flow.
func (e *Engine) CheckSinkWrite(dataLabel models.SecurityLabel, sink string) error {
	sinkLabel, _ := e.SinkLabel(sink)
	if dataLabel > sinkLabel {
		return &NoWriteDownError{DataLabel: dataLabel, Sink: sink, SinkLabel: sinkLabel}
	}
	return nil
}

// SinkLabel resolves a sink's label by exact match, then by trailing-*
// wildcard. The second return reports whether the sink was configured.
func (e *Engine) SinkLabel(sink string) (models.SecurityLabel, bool) {
	if label, ok := e.sinkLabels[sink]; ok {
		return label, true
	}
	for pattern, label := range e.sinkLabels {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(sink, prefix) {
			return label, true
		}
	}
	return models.LabelPublic, false
}

// ApplyLabelCeiling clamps a tool's self-reported output label to the
// kernel's ceiling for that tool. The kernel's ceiling is authoritative:
// tools cannot declassify below it, and a tool reporting lower than its
// ceiling is raised to the ceiling.
func (e *Engine) ApplyLabelCeiling(tool string, reported models.SecurityLabel) models.SecurityLabel {
	if ceiling, ok := e.labelCeilings[tool]; ok {
		return ceiling
	}
	return reported
}

// CheckInferenceRouting decides whether data at the given ceiling may be
// sent to a provider. Secret data never reaches any model; Regulated is
// local-only; Sensitive may go to the cloud only with an explicit risk
// acknowledgment.
func (e *Engine) CheckInferenceRouting(ceiling models.SecurityLabel, isCloud, riskAck bool) error {
	switch ceiling {
	case models.LabelSecret:
		return ErrInferenceDenied
	case models.LabelRegulated:
		if isCloud {
			return ErrInferenceDenied
		}
		return nil
	case models.LabelSensitive:
		if isCloud && !riskAck {
			return ErrInferenceDenied
		}
		return nil
	default:
		return nil
	}
}

// CheckTaint decides whether a write with the given argument taint needs
// human approval. Raw content in write position always does; extracted
// content does only when the write carries free-text fields.
func (e *Engine) CheckTaint(taint models.Taint, hasFreeText bool) ApprovalDecision {
	switch taint.Level {
	case models.TaintRaw:
		return ApprovalDecision{Reason: "raw third-party content in write position"}
	case models.TaintExtracted:
		if hasFreeText {
			return ApprovalDecision{Reason: "extracted content with free-text fields in write position"}
		}
		return ApprovalDecision{AutoApproved: true}
	default:
		return ApprovalDecision{AutoApproved: true}
	}
}

// toolAllowed matches a tool name against a pattern list supporting exact
// names and `prefix.*` wildcards.
func toolAllowed(patterns []string, tool string) bool {
	for _, pattern := range patterns {
		if pattern == tool {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && strings.HasPrefix(tool, prefix+".") {
			return true
		}
	}
	return false
}
