package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema validates dynamic tool manifests before registration. A
// manifest that fails validation is skipped, never partially applied.
const manifestSchema = `{
	"type": "object",
	"required": ["name", "description", "semantics"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*(\\.[a-z][a-z0-9_]*)+$"},
		"description": {"type": "string", "minLength": 1},
		"semantics": {"enum": ["read", "write"]},
		"command": {"type": "string"},
		"reported_label": {"enum": ["public", "internal", "sensitive", "regulated", "secret"]}
	}
}`

// Manifest describes a dynamically loaded tool.
type Manifest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Semantics     string `json:"semantics"`
	Command       string `json:"command,omitempty"`
	ReportedLabel string `json:"reported_label,omitempty"`
}

// Watcher loads tool manifests from a directory and keeps the registry in
// sync as files change. Each change produces a fresh registry state;
// running tasks keep their snapshots.
type Watcher struct {
	registry *Registry
	dir      string
	logger   *slog.Logger
	schema   *jsonschema.Schema

	// build turns a validated manifest into a Tool. Injected so the
	// watcher stays independent of how dynamic tools execute.
	build func(Manifest) (Tool, error)

	// loaded tracks manifest-file -> tool name for unregistration.
	loaded map[string]string
}

// NewWatcher creates a watcher over dir.
func NewWatcher(registry *Registry, dir string, build func(Manifest) (Tool, error), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.json", strings.NewReader(manifestSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("manifest.json")
	if err != nil {
		return nil, err
	}
	return &Watcher{
		registry: registry,
		dir:      dir,
		logger:   logger,
		schema:   schema,
		build:    build,
		loaded:   make(map[string]string),
	}, nil
}

// LoadAll loads every manifest currently in the directory.
func (w *Watcher) LoadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read tools dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.loadFile(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Watch blocks, applying manifest changes until the context ends.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tool watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch tools dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				w.unloadFile(event.Name)
			case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
				w.loadFile(event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("tool watcher error", "error", err)
		}
	}
}

func (w *Watcher) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read tool manifest", "path", path, "error", err)
		return
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		w.logger.Warn("parse tool manifest", "path", path, "error", err)
		return
	}
	if err := w.schema.Validate(raw); err != nil {
		w.logger.Warn("invalid tool manifest", "path", path, "error", err)
		return
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		w.logger.Warn("decode tool manifest", "path", path, "error", err)
		return
	}
	tool, err := w.build(manifest)
	if err != nil {
		w.logger.Warn("build dynamic tool", "path", path, "tool", manifest.Name, "error", err)
		return
	}

	if previous, ok := w.loaded[path]; ok && previous != manifest.Name {
		w.registry.Unregister(previous)
	}
	w.registry.Register(tool)
	w.loaded[path] = manifest.Name
	w.logger.Info("dynamic tool loaded", "tool", manifest.Name, "path", path)
}

func (w *Watcher) unloadFile(path string) {
	name, ok := w.loaded[path]
	if !ok {
		return
	}
	w.registry.Unregister(name)
	delete(w.loaded, path)
	w.logger.Info("dynamic tool unloaded", "tool", name, "path", path)
}
