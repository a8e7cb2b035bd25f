package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/warden/pkg/models"
)

func buildFake(m Manifest) (Tool, error) {
	return &fakeTool{name: m.Name, description: m.Description, semantics: models.ActionSemantics(m.Semantics)}, nil
}

func writeManifest(t *testing.T, dir, file string, manifest any) string {
	t.Helper()
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAllRegistersValidManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "weather.json", Manifest{
		Name: "weather.current", Description: "current weather", Semantics: "read",
	})
	// Invalid: bad name pattern.
	writeManifest(t, dir, "bad.json", Manifest{
		Name: "NotDotted", Description: "x", Semantics: "read",
	})
	// Invalid: unknown field.
	writeManifest(t, dir, "extra.json", map[string]any{
		"name": "a.b", "description": "x", "semantics": "read", "mystery": true,
	})

	registry := NewRegistry()
	w, err := NewWatcher(registry, dir, buildFake, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.LoadAll(); err != nil {
		t.Fatal(err)
	}

	snap := registry.Snapshot()
	if _, ok := snap.Get("weather.current"); !ok {
		t.Error("valid manifest not registered")
	}
	if len(snap.Names()) != 1 {
		t.Errorf("registered tools = %v, want only weather.current", snap.Names())
	}
}

func TestUnloadRemovesTool(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "weather.json", Manifest{
		Name: "weather.current", Description: "current weather", Semantics: "read",
	})

	registry := NewRegistry()
	w, err := NewWatcher(registry, dir, buildFake, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.LoadAll(); err != nil {
		t.Fatal(err)
	}
	w.unloadFile(path)
	if _, ok := registry.Snapshot().Get("weather.current"); ok {
		t.Error("tool survived unload")
	}
}

func TestBuildFailureSkipsRegistration(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.json", Manifest{
		Name: "broken.tool", Description: "x", Semantics: "read",
	})
	registry := NewRegistry()
	w, err := NewWatcher(registry, dir, func(Manifest) (Tool, error) {
		return nil, fmt.Errorf("cannot build")
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if len(registry.Snapshot().Names()) != 0 {
		t.Error("failed build still registered a tool")
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	registry := NewRegistry()
	w, err := NewWatcher(registry, t.TempDir(), buildFake, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Watch(ctx); err != context.Canceled {
		t.Errorf("Watch returned %v, want context.Canceled", err)
	}
}
