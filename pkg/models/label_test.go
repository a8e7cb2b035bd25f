package models

import (
	"encoding/json"
	"testing"
)

func TestLabelOrdering(t *testing.T) {
	ordered := []SecurityLabel{LabelPublic, LabelInternal, LabelSensitive, LabelRegulated, LabelSecret}
	for i := 1; i < len(ordered); i++ {
		if !(ordered[i-1] < ordered[i]) {
			t.Errorf("%v should be below %v", ordered[i-1], ordered[i])
		}
	}
}

func TestMaxLabel(t *testing.T) {
	tests := []struct {
		name   string
		labels []SecurityLabel
		want   SecurityLabel
	}{
		{"empty defaults to public", nil, LabelPublic},
		{"single", []SecurityLabel{LabelSensitive}, LabelSensitive},
		{"max wins", []SecurityLabel{LabelInternal, LabelSecret, LabelPublic}, LabelSecret},
		{"duplicates", []SecurityLabel{LabelRegulated, LabelRegulated}, LabelRegulated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaxLabel(tt.labels...); got != tt.want {
				t.Errorf("MaxLabel(%v) = %v, want %v", tt.labels, got, tt.want)
			}
		})
	}
}

func TestLabelJSONRoundTrip(t *testing.T) {
	for l := LabelPublic; l <= LabelSecret; l++ {
		data, err := json.Marshal(l)
		if err != nil {
			t.Fatalf("marshal %v: %v", l, err)
		}
		var back SecurityLabel
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != l {
			t.Errorf("round trip %v: got %v", l, back)
		}
	}

	var l SecurityLabel
	if err := json.Unmarshal([]byte(`"classified"`), &l); err == nil {
		t.Error("expected error for unknown label name")
	}
}
