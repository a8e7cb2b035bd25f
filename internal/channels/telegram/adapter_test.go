package telegram

import "testing"

func TestParseCallbackData(t *testing.T) {
	tests := []struct {
		data       string
		approvalID string
		decision   string
		ok         bool
	}{
		{"appr:abc-123:approve", "abc-123", "approve", true},
		{"appr:abc-123:deny", "abc-123", "deny", true},
		{"appr::approve", "", "", false},
		{"appr:abc-123:maybe", "", "", false},
		{"other:abc:approve", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		approvalID, decision, ok := parseCallbackData(tt.data)
		if ok != tt.ok || approvalID != tt.approvalID || decision != tt.decision {
			t.Errorf("parseCallbackData(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.data, approvalID, decision, ok, tt.approvalID, tt.decision, tt.ok)
		}
	}
}

func TestPrincipalFor(t *testing.T) {
	a := New(Config{OwnerID: 42}, nil, nil)
	if !a.principalFor(42).IsOwner() {
		t.Error("owner id not mapped to owner principal")
	}
	peer := a.principalFor(12345)
	if peer.IsOwner() || peer.Key() != "telegram:12345" {
		t.Errorf("peer principal = %v", peer)
	}
}
