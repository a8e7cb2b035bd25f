package tools

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

type fakeTool struct {
	name        string
	description string
	semantics   models.ActionSemantics
}

func (f *fakeTool) Name() string                      { return f.name }
func (f *fakeTool) Description() string               { return f.description }
func (f *fakeTool) Semantics() models.ActionSemantics { return f.semantics }
func (f *fakeTool) Invoke(context.Context, Invocation) (*Result, error) {
	return &Result{}, nil
}

func TestSnapshotIsolatedFromLaterChanges(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "email.list", description: "list emails"})

	snap := r.Snapshot()
	r.Unregister("email.list")
	r.Register(&fakeTool{name: "email.send", description: "send an email"})

	if _, ok := snap.Get("email.list"); !ok {
		t.Error("snapshot lost a tool registered before it was taken")
	}
	if _, ok := snap.Get("email.send"); ok {
		t.Error("snapshot gained a tool registered after it was taken")
	}
}

func TestRankPrefersRelevantDescriptions(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "email.list", description: "list recent emails from the inbox"})
	r.Register(&fakeTool{name: "calendar.freebusy", description: "check calendar free busy slots"})
	r.Register(&fakeTool{name: "github.list_prs", description: "list open github pull requests"})

	ranked := r.Snapshot().Rank("check my inbox emails", time.Now())
	if len(ranked) != 3 {
		t.Fatalf("ranked = %d entries", len(ranked))
	}
	if ranked[0].Tool.Name() != "email.list" {
		t.Errorf("top tool = %s, want email.list", ranked[0].Tool.Name())
	}
}

func TestRankRecencyBreaksTies(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "a.one", description: "does something"})
	r.Register(&fakeTool{name: "b.two", description: "does something"})
	r.RecordInvocation("b.two", true, time.Second)

	ranked := r.Snapshot().Rank("unrelated query words", time.Now())
	if ranked[0].Tool.Name() != "b.two" {
		t.Errorf("recently used tool should rank first, got %s", ranked[0].Tool.Name())
	}
}

func TestHealthSmoothing(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "x.y", description: "d"})

	r.RecordInvocation("x.y", true, 100*time.Millisecond)
	h := r.HealthOf("x.y")
	if h.SuccessRate != 1.0 || h.AvgDuration != 100*time.Millisecond {
		t.Errorf("first invocation seeds the averages: %+v", h)
	}

	r.RecordInvocation("x.y", false, 300*time.Millisecond)
	h = r.HealthOf("x.y")
	if h.SuccessRate >= 1.0 || h.SuccessRate <= 0.0 {
		t.Errorf("success rate after failure = %v", h.SuccessRate)
	}
	if h.Invocations != 2 {
		t.Errorf("invocations = %d", h.Invocations)
	}
	// Smoothed, not averaged: one failure against alpha 0.2 lands at 0.8.
	if diff := h.SuccessRate - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("success rate = %v, want 0.8", h.SuccessRate)
	}
}
