package extractor

import (
	"reflect"
	"testing"
)

func TestIntentPriority(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"reply to that email from Sarah", "email_reply"},
		{"send an email to bob@example.com", "email_send"},
		{"anything new in my inbox?", "email_check"},
		{"check my email and schedule a meeting", "email_check"}, // email beats scheduling
		{"set up notion for me", "admin_config"},
		{"connect github please", "admin_config"},
		{"schedule a meeting with the team", "scheduling"},
		{"what's on my calendar", "scheduling"},
		{"any open pull request reviews?", "github_check"},
		{"browse that web page for me", "web_browse"},
		{"show my integration settings", "admin_config"},
		{"remember that I prefer window seats", "memory_save"},
		{"how tall is the eiffel tower", ""},
	}
	for _, tt := range tests {
		if got := Extract(tt.text).Intent; got != tt.want {
			t.Errorf("Extract(%q).Intent = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestEntityExtraction(t *testing.T) {
	meta := Extract("reply to Sarah about msg_8842 and cc sarah@example.com")

	want := []Entity{
		{Kind: "person", Value: "Sarah"},
		{Kind: "email", Value: "sarah@example.com"},
		{Kind: "message_id", Value: "msg_8842"},
	}
	got := map[string]string{}
	for _, e := range meta.Entities {
		got[e.Kind] = e.Value
	}
	for _, w := range want {
		if got[w.Kind] != w.Value {
			t.Errorf("entity %s = %q, want %q", w.Kind, got[w.Kind], w.Value)
		}
	}
}

func TestPersonRequiresCapitalization(t *testing.T) {
	meta := Extract("reply to whoever wrote last")
	for _, e := range meta.Entities {
		if e.Kind == "person" {
			t.Errorf("lowercase word extracted as person: %q", e.Value)
		}
	}
}

func TestDateExtraction(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"do it today", []string{"today"}},
		{"remind me tomorrow", []string{"tomorrow"}},
		{"free next friday?", []string{"next friday"}},
		{"the deadline is 2026-03-15", []string{"2026-03-15"}},
		{"ping me in 2 hours", []string{"in 2 hours"}},
		{"in 1 day please", []string{"in 1 day"}},
		{"nothing datelike here", nil},
	}
	for _, tt := range tests {
		if got := Extract(tt.text).DatesMentioned; !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Extract(%q).DatesMentioned = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestISODateRejectsNearMisses(t *testing.T) {
	for _, text := range []string{"version 12026-03-151", "2026-3-15", "2026-03-1"} {
		if dates := Extract(text).DatesMentioned; len(dates) != 0 {
			t.Errorf("Extract(%q) found %v", text, dates)
		}
	}
}

func TestGreetingDetection(t *testing.T) {
	greetingTexts := []string{"hi", "Hello!", "thanks", "Good morning", "ok", "lol"}
	for _, text := range greetingTexts {
		if !Extract(text).IsGreeting {
			t.Errorf("Extract(%q).IsGreeting = false", text)
		}
	}
	nonGreetings := []string{"hi, can you check my email", "thanks for nothing, now browse the web", "okay so here is the plan"}
	for _, text := range nonGreetings {
		if Extract(text).IsGreeting {
			t.Errorf("Extract(%q).IsGreeting = true", text)
		}
	}
}
