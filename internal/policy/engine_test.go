package policy

import (
	"errors"
	"testing"

	"github.com/haasonsaas/warden/pkg/models"
)

func testEngine() *Engine {
	return WithDefaults([]byte("test-signing-key-32-bytes-long!!"))
}

func TestAssignEventLabel(t *testing.T) {
	e := testEngine()
	tests := []struct {
		principal models.Principal
		want      models.SecurityLabel
	}{
		{models.Owner(), models.LabelSensitive},
		{models.Webhook("github"), models.LabelSensitive},
		{models.Cron("brief"), models.LabelSensitive},
		{models.TelegramPeer("12345"), models.LabelInternal},
		{models.WhatsAppContact("+1555"), models.LabelInternal},
		{models.SlackUser("w", "c", "u"), models.LabelInternal},
	}
	for _, tt := range tests {
		src := models.EventSource{Adapter: "test", Principal: tt.principal}
		if got := e.AssignEventLabel(src); got != tt.want {
			t.Errorf("AssignEventLabel(%s) = %v, want %v", tt.principal, got, tt.want)
		}
	}
}

func TestAssignEventTaintNonOwnerIsRaw(t *testing.T) {
	e := testEngine()
	for _, p := range []models.Principal{
		models.TelegramPeer("12345"),
		models.WhatsAppContact("+1555"),
		models.SlackUser("w", "c", "u"),
		models.Webhook("github"),
	} {
		taint := e.AssignEventTaint(models.EventSource{Principal: p})
		if taint.Level != models.TaintRaw {
			t.Errorf("taint for %s = %v, want raw", p, taint.Level)
		}
		if taint.Origin != p.Key() {
			t.Errorf("origin for %s = %q", p, taint.Origin)
		}
	}
	for _, p := range []models.Principal{models.Owner(), models.Cron("brief")} {
		if taint := e.AssignEventTaint(models.EventSource{Principal: p}); taint.Level != models.TaintClean {
			t.Errorf("taint for %s = %v, want clean", p, taint.Level)
		}
	}
}

func TestCheckReadIsLabelOrder(t *testing.T) {
	e := testEngine()
	for subject := models.LabelPublic; subject <= models.LabelSecret; subject++ {
		for object := models.LabelPublic; object <= models.LabelSecret; object++ {
			want := subject >= object
			if got := e.CheckRead(subject, object); got != want {
				t.Errorf("CheckRead(%v, %v) = %v, want %v", subject, object, got, want)
			}
		}
	}
}

func TestCheckWriteNoWriteDown(t *testing.T) {
	e := testEngine()
	for data := models.LabelPublic; data <= models.LabelSecret; data++ {
		for sink := models.LabelPublic; sink <= models.LabelSecret; sink++ {
			err := e.CheckWrite(data, sink)
			if data <= sink && err != nil {
				t.Errorf("CheckWrite(%v, %v): unexpected error %v", data, sink, err)
			}
			if data > sink && !IsNoWriteDown(err) {
				t.Errorf("CheckWrite(%v, %v): expected NoWriteDown, got %v", data, sink, err)
			}
		}
	}
}

func TestSinkLabelLookup(t *testing.T) {
	e := testEngine()
	tests := []struct {
		sink  string
		want  models.SecurityLabel
		known bool
	}{
		{"sink:telegram:owner", models.LabelRegulated, true},
		{"sink:notion:digest", models.LabelSensitive, true}, // wildcard
		{"sink:github:public", models.LabelPublic, true},
		{"sink:unknown:foo", models.LabelPublic, false},
	}
	for _, tt := range tests {
		got, known := e.SinkLabel(tt.sink)
		if got != tt.want || known != tt.known {
			t.Errorf("SinkLabel(%q) = (%v, %v), want (%v, %v)", tt.sink, got, known, tt.want, tt.known)
		}
	}
}

func TestApplyLabelCeilingIsAuthoritative(t *testing.T) {
	e := testEngine()
	for reported := models.LabelPublic; reported <= models.LabelSecret; reported++ {
		// email.read has a defined ceiling: the ceiling always wins.
		if got := e.ApplyLabelCeiling("email.read", reported); got != models.LabelSensitive {
			t.Errorf("ApplyLabelCeiling(email.read, %v) = %v, want sensitive", reported, got)
		}
		// No ceiling defined: the self-report passes through.
		if got := e.ApplyLabelCeiling("unlisted.tool", reported); got != reported {
			t.Errorf("ApplyLabelCeiling(unlisted.tool, %v) = %v", reported, got)
		}
	}
}

func TestCheckInferenceRoutingMatrix(t *testing.T) {
	e := testEngine()
	tests := []struct {
		ceiling models.SecurityLabel
		isCloud bool
		riskAck bool
		allowed bool
	}{
		{models.LabelSecret, false, true, false},
		{models.LabelSecret, true, true, false},
		{models.LabelRegulated, true, true, false},
		{models.LabelRegulated, false, false, true},
		{models.LabelSensitive, false, false, true},
		{models.LabelSensitive, true, false, false},
		{models.LabelSensitive, true, true, true},
		{models.LabelInternal, true, false, true},
		{models.LabelPublic, true, false, true},
	}
	for _, tt := range tests {
		err := e.CheckInferenceRouting(tt.ceiling, tt.isCloud, tt.riskAck)
		if tt.allowed && err != nil {
			t.Errorf("routing(%v, cloud=%v, ack=%v): unexpected %v", tt.ceiling, tt.isCloud, tt.riskAck, err)
		}
		if !tt.allowed && !errors.Is(err, ErrInferenceDenied) {
			t.Errorf("routing(%v, cloud=%v, ack=%v): expected denial, got %v", tt.ceiling, tt.isCloud, tt.riskAck, err)
		}
	}
}

func TestCheckTaintApprovalMatrix(t *testing.T) {
	e := testEngine()
	tests := []struct {
		level       models.TaintLevel
		hasFreeText bool
		auto        bool
	}{
		{models.TaintClean, false, true},
		{models.TaintClean, true, true},
		{models.TaintExtracted, false, true},
		{models.TaintExtracted, true, false},
		{models.TaintRaw, false, false},
		{models.TaintRaw, true, false},
	}
	for _, tt := range tests {
		decision := e.CheckTaint(models.Taint{Level: tt.level, Origin: "x"}, tt.hasFreeText)
		if decision.AutoApproved != tt.auto {
			t.Errorf("CheckTaint(%v, freeText=%v) auto=%v, want %v", tt.level, tt.hasFreeText, decision.AutoApproved, tt.auto)
		}
		if !decision.AutoApproved && decision.Reason == "" {
			t.Errorf("CheckTaint(%v, freeText=%v): approval required but no reason", tt.level, tt.hasFreeText)
		}
	}
}
