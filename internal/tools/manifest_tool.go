package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/haasonsaas/warden/pkg/models"
)

// ManifestTool runs a dynamically loaded tool: the manifest's command is
// executed with the JSON arguments on stdin and its stdout becomes the
// output. The process never receives the capability token or a vault
// handle; dynamic tools are credential-free by construction.
type ManifestTool struct {
	manifest Manifest
	label    models.SecurityLabel
}

// NewManifestTool validates and wraps a manifest.
func NewManifestTool(m Manifest) (Tool, error) {
	if m.Command == "" {
		return nil, fmt.Errorf("manifest %s: command is required", m.Name)
	}
	label := models.LabelInternal
	if m.ReportedLabel != "" {
		parsed, err := models.ParseLabel(m.ReportedLabel)
		if err != nil {
			return nil, err
		}
		label = parsed
	}
	return &ManifestTool{manifest: m, label: label}, nil
}

func (t *ManifestTool) Name() string        { return t.manifest.Name }
func (t *ManifestTool) Description() string { return t.manifest.Description }

func (t *ManifestTool) Semantics() models.ActionSemantics {
	return models.ActionSemantics(t.manifest.Semantics)
}

func (t *ManifestTool) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	fields := strings.Fields(t.manifest.Command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("manifest %s: empty command", t.manifest.Name)
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdin = bytes.NewReader(inv.Arguments)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, Retryable(fmt.Errorf("%s timed out: %w", t.manifest.Name, ctx.Err()))
		}
		return nil, fmt.Errorf("%s failed: %v: %s", t.manifest.Name, err, stderr.String())
	}

	output := stdout.Bytes()
	if !json.Valid(output) {
		wrapped, _ := json.Marshal(map[string]string{"output": stdout.String()})
		output = wrapped
	}
	return &Result{
		Output:        output,
		ReportedLabel: t.label,
		TaintOut:      models.RawTaint("tool:" + t.manifest.Name),
	}, nil
}
