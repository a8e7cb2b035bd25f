package policy

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/warden/pkg/models"
)

// Sentinel policy errors, matched with errors.Is by the orchestrator.
var (
	ErrToolDenied           = errors.New("tool is on the task deny list")
	ErrToolNotAllowed       = errors.New("tool is not on the task allow list")
	ErrCapabilityExpired    = errors.New("capability token expired")
	ErrCapabilityTask       = errors.New("capability token issued for a different task")
	ErrCapabilityTool       = errors.New("capability token issued for a different tool")
	ErrInferenceDenied      = errors.New("inference routing denied")
	ErrCapabilityMalformed  = errors.New("capability token malformed")
	ErrCapabilityExhausted  = errors.New("capability token invocations exhausted")
)

// NoWriteDownError reports a prohibited downward flow: data at DataLabel
// may not reach a sink at SinkLabel.
type NoWriteDownError struct {
	DataLabel models.SecurityLabel
	Sink      string
	SinkLabel models.SecurityLabel
}

func (e *NoWriteDownError) Error() string {
	return fmt.Sprintf("no write down: data label %s exceeds sink %s label %s", e.DataLabel, e.Sink, e.SinkLabel)
}

// IsNoWriteDown reports whether err is a write-down violation.
func IsNoWriteDown(err error) bool {
	var nwd *NoWriteDownError
	return errors.As(err, &nwd)
}
