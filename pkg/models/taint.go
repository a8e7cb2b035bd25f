package models

import (
	"encoding/json"
	"fmt"
)

// TaintLevel describes the provenance of a value, tracked independently of
// its security label.
type TaintLevel int

const (
	// TaintClean data originated from the owner or system configuration.
	TaintClean TaintLevel = iota
	// TaintExtracted data was reduced to typed fields by a trusted extractor.
	TaintExtracted
	// TaintRaw data is unmediated third-party content.
	TaintRaw
)

var taintNames = [...]string{"clean", "extracted", "raw"}

func (t TaintLevel) String() string {
	if t < TaintClean || t > TaintRaw {
		return fmt.Sprintf("taint(%d)", int(t))
	}
	return taintNames[t]
}

// ParseTaintLevel parses a taint level name.
func ParseTaintLevel(s string) (TaintLevel, error) {
	for i, name := range taintNames {
		if name == s {
			return TaintLevel(i), nil
		}
	}
	return TaintClean, fmt.Errorf("unknown taint level %q", s)
}

func (t TaintLevel) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TaintLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTaintLevel(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Taint records where a value came from and which extractors touched it.
type Taint struct {
	Level     TaintLevel `json:"level"`
	Origin    string     `json:"origin"`
	TouchedBy []string   `json:"touched_by,omitempty"`
}

// CleanTaint returns clean taint with the given origin.
func CleanTaint(origin string) Taint { return Taint{Level: TaintClean, Origin: origin} }

// RawTaint returns raw taint with the given origin.
func RawTaint(origin string) Taint { return Taint{Level: TaintRaw, Origin: origin} }

// Extracted returns a copy of t reduced to the extracted level, recording
// the extractor that performed the reduction. Raw taint is the only level
// an extractor can lower.
func (t Taint) Extracted(extractorID string) Taint {
	level := t.Level
	if level == TaintRaw {
		level = TaintExtracted
	}
	touched := make([]string, 0, len(t.TouchedBy)+1)
	touched = append(touched, t.TouchedBy...)
	touched = append(touched, extractorID)
	return Taint{Level: level, Origin: t.Origin, TouchedBy: touched}
}

// MergeTaint combines taints: the result carries the highest level and the
// first non-empty origin. Merging nothing yields clean system taint.
func MergeTaint(taints ...Taint) Taint {
	merged := Taint{Level: TaintClean, Origin: "system"}
	first := true
	for _, t := range taints {
		if t.Level > merged.Level {
			merged.Level = t.Level
		}
		if first && t.Origin != "" {
			merged.Origin = t.Origin
			first = false
		}
		merged.TouchedBy = append(merged.TouchedBy, t.TouchedBy...)
	}
	return merged
}
