package models

import "testing"

func TestPrincipalKeyRoundTrip(t *testing.T) {
	principals := []Principal{
		Owner(),
		TelegramPeer("12345"),
		SlackUser("acme", "general", "U123"),
		WhatsAppContact("+15551234567"),
		Webhook("github"),
		Cron("morning_brief"),
	}
	for _, p := range principals {
		parsed, err := ParsePrincipalKey(p.Key())
		if err != nil {
			t.Fatalf("ParsePrincipalKey(%q): %v", p.Key(), err)
		}
		if parsed != p {
			t.Errorf("round trip %q: got %+v, want %+v", p.Key(), parsed, p)
		}
	}
}

func TestPrincipalKeysAreDisjoint(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range []Principal{
		Owner(),
		TelegramPeer("1"),
		TelegramPeer("2"),
		WhatsAppContact("1"),
		Webhook("1"),
		Cron("1"),
	} {
		key := p.Key()
		if seen[key] {
			t.Errorf("duplicate key %q", key)
		}
		seen[key] = true
	}
}

func TestPrincipalEqualityIsStructural(t *testing.T) {
	if TelegramPeer("12345") != TelegramPeer("12345") {
		t.Error("equal telegram peers compare unequal")
	}
	if TelegramPeer("12345") == TelegramPeer("54321") {
		t.Error("distinct telegram peers compare equal")
	}
	if Owner() == TelegramPeer("") {
		t.Error("owner equals empty telegram peer")
	}
}

func TestParsePrincipalKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "nonsense", "slack:only:two", "martian:1"} {
		if _, err := ParsePrincipalKey(key); err == nil {
			t.Errorf("ParsePrincipalKey(%q): expected error", key)
		}
	}
}
