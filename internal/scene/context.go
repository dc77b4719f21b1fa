package scene

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/improvstage/internal/session"
)

const (
	DefaultTokenCeiling     = 4000
	DefaultSummaryThreshold = 10
	DefaultRecencyWindow    = 3

	compactKeepLines = 10
	charsPerToken    = 4
	previewRunes     = 60
)

// ContextBuilder renders a bounded text view of a session's history.
// Zero values fall back to the defaults above.
type ContextBuilder struct {
	TokenCeiling     int
	SummaryThreshold int
	Window           int
}

// EstimateTokens is the chars/4 heuristic used for the context ceiling.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}

// Build returns the context block for the next turn. It never fails; missing
// fields render as empty segments.
// The user's current line is carried by the prompt, not the context.
func (b ContextBuilder) Build(s *session.Session, _ string, turnNumber int) string {
	var location string
	var history []session.TurnRecord
	if s != nil {
		location = s.Location
		history = s.History
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Location: %s\n", oneLine(location))
	fmt.Fprintf(&sb, "Current turn: %d", turnNumber)
	if len(history) == 0 {
		return b.Compact(sb.String())
	}

	window := b.window()
	recent := history
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	sb.WriteString("\n\n")
	if len(history) > b.summaryThreshold() {
		sb.WriteString(summarize(history[:len(history)-len(recent)]))
		sb.WriteString("\n")
	}
	sb.WriteString("Recent conversation:")
	for _, rec := range recent {
		fmt.Fprintf(&sb, "\nTurn %d: User: %s", rec.TurnNumber, oneLine(rec.UserInput))
		fmt.Fprintf(&sb, "\nPartner: %s", oneLine(rec.PartnerResponse))
	}
	return b.Compact(sb.String())
}

// Compact shrinks text to the token ceiling. Text already within the ceiling
// is returned unchanged, so compacting twice is the same as compacting once.
func (b ContextBuilder) Compact(text string) string {
	limit := b.tokenCeiling()
	if EstimateTokens(text) <= limit {
		return text
	}

	header, body := splitHeader(text)
	var convo []string
	for _, line := range strings.Split(body, "\n") {
		if isConversationLine(line) {
			convo = append(convo, line)
		}
	}
	if len(convo) > compactKeepLines {
		convo = convo[len(convo)-compactKeepLines:]
	}
	return clipToBudget(header, convo, limit*charsPerToken)
}

func (b ContextBuilder) tokenCeiling() int {
	if b.TokenCeiling <= 0 {
		return DefaultTokenCeiling
	}
	return b.TokenCeiling
}

func (b ContextBuilder) summaryThreshold() int {
	if b.SummaryThreshold <= 0 {
		return DefaultSummaryThreshold
	}
	return b.SummaryThreshold
}

func (b ContextBuilder) window() int {
	if b.Window <= 0 {
		return DefaultRecencyWindow
	}
	return b.Window
}

func summarize(older []session.TurnRecord) string {
	if len(older) == 0 {
		return ""
	}
	var phases []string
	seen := make(map[string]struct{})
	for _, rec := range older {
		if rec.Phase == "" {
			continue
		}
		if _, ok := seen[rec.Phase]; ok {
			continue
		}
		seen[rec.Phase] = struct{}{}
		phases = append(phases, rec.Phase)
	}
	phaseText := "none"
	if len(phases) > 0 {
		phaseText = strings.Join(phases, ", ")
	}
	return fmt.Sprintf("Earlier in the scene: %d turns, phases %s, opened with %q.",
		len(older), phaseText, preview(oneLine(older[0].UserInput), previewRunes))
}

func splitHeader(text string) (header, body string) {
	if i := strings.Index(text, "\n\n"); i >= 0 {
		return text[:i], text[i+2:]
	}
	return text, ""
}

func isConversationLine(line string) bool {
	return strings.HasPrefix(line, "Turn ") ||
		strings.HasPrefix(line, "Partner:") ||
		strings.Contains(line, "User:")
}

// clipToBudget drops the oldest lines, then truncates what is left, until the
// joined output fits maxRunes.
func clipToBudget(header string, lines []string, maxRunes int) string {
	join := func() string {
		if len(lines) == 0 {
			return header
		}
		return header + "\n\n" + strings.Join(lines, "\n")
	}
	out := join()
	for utf8.RuneCountInString(out) > maxRunes && len(lines) > 1 {
		lines = lines[1:]
		out = join()
	}
	if utf8.RuneCountInString(out) <= maxRunes {
		return out
	}

	budget := maxRunes - utf8.RuneCountInString(header) - 2
	if budget <= 0 || len(lines) == 0 {
		return truncateRunes(header, maxRunes)
	}
	lines[0] = truncateRunes(lines[0], budget)
	return join()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return truncateRunes(s, n-3) + "..."
}
