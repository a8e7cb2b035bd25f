package models

import "testing"

func TestTaintExtractedLowersOnlyRaw(t *testing.T) {
	raw := RawTaint("telegram:12345")
	ext := raw.Extracted("message_extractor")
	if ext.Level != TaintExtracted {
		t.Errorf("extracted raw: got %v, want extracted", ext.Level)
	}
	if ext.Origin != "telegram:12345" {
		t.Errorf("origin lost: %q", ext.Origin)
	}
	if len(ext.TouchedBy) != 1 || ext.TouchedBy[0] != "message_extractor" {
		t.Errorf("touched_by = %v", ext.TouchedBy)
	}

	clean := CleanTaint("owner")
	if got := clean.Extracted("e").Level; got != TaintClean {
		t.Errorf("extracting clean raised level to %v", got)
	}
}

func TestMergeTaintTakesMax(t *testing.T) {
	merged := MergeTaint(CleanTaint("owner"), RawTaint("webhook:gh"), Taint{Level: TaintExtracted, Origin: "x"})
	if merged.Level != TaintRaw {
		t.Errorf("merged level = %v, want raw", merged.Level)
	}
	if merged.Origin != "owner" {
		t.Errorf("merged origin = %q, want first non-empty", merged.Origin)
	}
}

func TestMergeTaintEmpty(t *testing.T) {
	merged := MergeTaint()
	if merged.Level != TaintClean || merged.Origin != "system" {
		t.Errorf("empty merge = %+v", merged)
	}
}
