// Package extractor performs deterministic, keyword-based intent and
// entity extraction over inbound text. It never calls a model: reducing
// raw third-party content to typed fields here is what lowers taint from
// raw to extracted.
package extractor

import (
	"strings"
	"unicode"
)

// ID identifies this extractor in taint touched_by records.
const ID = "message_extractor"

// Entity is one extracted typed field.
type Entity struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Metadata is the extractor's output.
type Metadata struct {
	Intent         string            `json:"intent,omitempty"`
	Entities       []Entity          `json:"entities,omitempty"`
	DatesMentioned []string          `json:"dates_mentioned,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	IsGreeting     bool              `json:"is_greeting"`
}

// Extract classifies text and pulls out entities and date mentions.
func Extract(text string) Metadata {
	lower := strings.ToLower(text)
	return Metadata{
		Intent:         classifyIntent(lower),
		Entities:       extractEntities(text),
		DatesMentioned: extractDates(lower),
		IsGreeting:     isGreetingOrCasual(lower),
	}
}

var serviceNames = []string{"notion", "gmail", "google", "github", "slack", "telegram", "calendar", "email", "whatsapp"}

func containsAny(lower string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// classifyIntent applies the fixed priority order; the first match wins.
func classifyIntent(lower string) string {
	emailWord := containsAny(lower, "email", "mail", "inbox")
	switch {
	case containsAny(lower, "reply") && emailWord:
		return "email_reply"
	case containsAny(lower, "send") && emailWord:
		return "email_send"
	case emailWord:
		return "email_check"
	case containsAny(lower, "setup", "set up", "connect", "add ", "integrate", "enable") && containsAny(lower, serviceNames...):
		return "admin_config"
	case containsAny(lower, "schedule", "meeting", "freebusy", "calendar"):
		return "scheduling"
	case containsAny(lower, "github", "pull request"):
		return "github_check"
	case containsAny(lower, "browse") && containsAny(lower, "web", "site", "page", "url"):
		return "web_browse"
	case containsAny(lower, "config", "integration"):
		return "admin_config"
	case containsAny(lower, "remember", "note that", "note:", "save this", "keep in mind", "don't forget"):
		return "memory_save"
	default:
		return ""
	}
}

func extractEntities(text string) []Entity {
	var entities []Entity

	for _, marker := range []string{"reply to ", "to ", "from "} {
		if name := capitalizedWordAfter(text, marker); name != "" {
			entities = append(entities, Entity{Kind: "person", Value: name})
			break
		}
	}

	for _, token := range strings.Fields(text) {
		trimmed := strings.Trim(token, ".,;:!?()<>\"'")
		switch {
		case strings.Count(trimmed, "@") == 1 && !strings.HasPrefix(trimmed, "@") && !strings.HasSuffix(trimmed, "@"):
			entities = append(entities, Entity{Kind: "email", Value: trimmed})
		case strings.HasPrefix(trimmed, "msg_"), strings.HasPrefix(trimmed, "email_"):
			entities = append(entities, Entity{Kind: "message_id", Value: trimmed})
		}
	}
	return entities
}

// capitalizedWordAfter returns the first capitalized word following the
// marker, or "".
func capitalizedWordAfter(text, marker string) string {
	idx := strings.Index(strings.ToLower(text), marker)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(marker):]
	for _, word := range strings.Fields(rest) {
		trimmed := strings.Trim(word, ".,;:!?")
		if trimmed == "" {
			continue
		}
		runes := []rune(trimmed)
		if unicode.IsUpper(runes[0]) {
			return trimmed
		}
		return ""
	}
	return ""
}

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

func extractDates(lower string) []string {
	var dates []string

	for _, literal := range []string{"today", "tomorrow"} {
		if strings.Contains(lower, literal) {
			dates = append(dates, literal)
		}
	}
	for _, day := range weekdays {
		if strings.Contains(lower, "next "+day) {
			dates = append(dates, "next "+day)
		}
	}
	dates = append(dates, isoDates(lower)...)
	dates = append(dates, relativeOffsets(lower)...)
	return dates
}

// isoDates scans for YYYY-MM-DD by character class.
func isoDates(s string) []string {
	var dates []string
	for i := 0; i+10 <= len(s); i++ {
		candidate := s[i : i+10]
		if isISODate(candidate) {
			if i > 0 && isDigit(s[i-1]) {
				continue
			}
			if i+10 < len(s) && isDigit(s[i+10]) {
				continue
			}
			dates = append(dates, candidate)
		}
	}
	return dates
}

func isISODate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for _, pos := range []int{0, 1, 2, 3, 5, 6, 8, 9} {
		if !isDigit(s[pos]) {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// relativeOffsets matches "in N day|hour|minute[s]".
func relativeOffsets(lower string) []string {
	var dates []string
	fields := strings.Fields(lower)
	for i := 0; i+2 < len(fields); i++ {
		if fields[i] != "in" {
			continue
		}
		if !allDigits(fields[i+1]) {
			continue
		}
		unit := strings.Trim(fields[i+2], ".,;:!?")
		switch unit {
		case "day", "days", "hour", "hours", "minute", "minutes":
			dates = append(dates, "in "+fields[i+1]+" "+unit)
		}
	}
	return dates
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "hola": true, "yo": true,
	"sup": true, "good morning": true, "good afternoon": true,
	"good evening": true, "good night": true, "gm": true, "morning": true,
	"thanks": true, "thank you": true, "thx": true, "ok": true,
	"okay": true, "sure": true, "got it": true, "yes": true, "no": true,
	"yep": true, "nope": true, "cool": true, "nice": true, "great": true,
	"awesome": true, "bye": true, "goodbye": true, "see you": true,
	"lol": true, "haha": true, "lmao": true,
}

// isGreetingOrCasual detects short social messages that need no tool
// execution; the pipeline routes them straight to the synthesizer.
func isGreetingOrCasual(lower string) bool {
	trimmed := strings.TrimRightFunc(strings.TrimSpace(lower), func(r rune) bool {
		return unicode.IsPunct(r)
	})
	return greetings[trimmed]
}
