package models

import (
	"encoding/json"
	"fmt"
)

// SecurityLabel is a totally ordered classification level. Labels flow
// strictly upward through composition: the label of any derived datum is
// the maximum of its inputs' labels.
type SecurityLabel int

const (
	LabelPublic SecurityLabel = iota
	LabelInternal
	LabelSensitive
	LabelRegulated
	LabelSecret
)

var labelNames = [...]string{"public", "internal", "sensitive", "regulated", "secret"}

func (l SecurityLabel) String() string {
	if l < LabelPublic || l > LabelSecret {
		return fmt.Sprintf("label(%d)", int(l))
	}
	return labelNames[l]
}

// ParseLabel parses a label name as written to config and journal rows.
func ParseLabel(s string) (SecurityLabel, error) {
	for i, name := range labelNames {
		if name == s {
			return SecurityLabel(i), nil
		}
	}
	return LabelPublic, fmt.Errorf("unknown security label %q", s)
}

// MaxLabel returns the least upper bound of the given labels. An empty
// input defaults to Public.
func MaxLabel(labels ...SecurityLabel) SecurityLabel {
	max := LabelPublic
	for _, l := range labels {
		if l > max {
			max = l
		}
	}
	return max
}

// MarshalJSON writes the label by name so journal rows and audit records
// stay readable and stable across releases.
func (l SecurityLabel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *SecurityLabel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLabel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
