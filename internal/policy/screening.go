package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const MaxUserInputRunes = 1000

// InputDecision is the screening verdict for one user scene line.
type InputDecision struct {
	Blocked bool
	Reason  string
	// Flagged inputs are allowed but logged for review.
	Flagged bool
}

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,40}\b(previous|prior|above|all)\b.{0,20}\b(instructions?|rules|prompts?)\b`),
		regexp.MustCompile(`(?i)\b(reveal|print|show|repeat)\b.{0,30}\b(system prompt|hidden instructions?|your instructions)\b`),
		regexp.MustCompile(`(?i)\byou are no longer\b`),
	}
	// Lines that try to write the agent's own reply sections.
	sectionSpoofPattern = regexp.MustCompile(`(?im)^\s*\**\s*(partner|room|coach)\b\**\s*:`)

	flaggedKeywords = []string{
		"kill myself", "suicide", "self harm", "self-harm",
	}
)

// ScreenUserInput decides whether a scene line may be sent to the agent.
func ScreenUserInput(input string) InputDecision {
	in := strings.TrimSpace(input)
	if in == "" {
		return InputDecision{Blocked: true, Reason: "Say something to keep the scene going."}
	}
	if utf8.RuneCountInString(in) > MaxUserInputRunes {
		return InputDecision{Blocked: true, Reason: "Scene lines are limited to 1000 characters."}
	}
	for _, re := range injectionPatterns {
		if re.MatchString(in) {
			return InputDecision{Blocked: true, Reason: "That line tries to change the agent's instructions."}
		}
	}
	if sectionSpoofPattern.MatchString(in) {
		return InputDecision{Blocked: true, Reason: "Scene lines cannot contain PARTNER:, ROOM: or COACH: section headers."}
	}

	lower := strings.ToLower(in)
	for _, kw := range flaggedKeywords {
		if strings.Contains(lower, kw) {
			return InputDecision{Flagged: true, Reason: "sensitive topic"}
		}
	}
	return InputDecision{}
}
