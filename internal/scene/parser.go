package scene

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ent0n29/improvstage/internal/reliability"
	"github.com/ent0n29/improvstage/internal/session"
)

var ErrEmptyPartnerResponse = reliability.NewError(reliability.KindEmptyResponse, "empty partner response")

// Diagnostic names a recoverable anomaly found while parsing agent output.
type Diagnostic string

const (
	DiagPartnerMarkerMissing Diagnostic = "partner_marker_missing"
	DiagRoomMarkerMissing    Diagnostic = "room_marker_missing"
	DiagCoachMarkerMissing   Diagnostic = "coach_marker_missing"
	DiagDuplicateMarker      Diagnostic = "duplicate_marker"
)

// Parsed is the structured reading of one agent response.
type Parsed struct {
	PartnerResponse string
	RoomVibe        session.RoomVibe
	CoachFeedback   *string
	Phase           Phase
	Timestamp       time.Time
	Diagnostics     []Diagnostic
}

// Parser turns raw agent output into typed turn fields. The only error a
// Parser returns is ErrEmptyPartnerResponse; every other anomaly resolves to
// a default and is reported in Parsed.Diagnostics.
type Parser interface {
	Parse(raw string, turnNumber int) (Parsed, error)
}

type marker int

const (
	markerPartner marker = iota
	markerRoom
	markerCoach
)

var markerPattern = regexp.MustCompile(`(?i)\b(partner|room|coach)\b\**\s*:`)

type markerHit struct {
	kind       marker
	start, end int
}

// RegexParser locates PARTNER:, ROOM: and COACH: section markers. PARTNER
// runs to the next ROOM: or COACH:, ROOM runs to the next COACH: and COACH
// runs to the end of the text. The first occurrence of a marker picks where
// its section starts.
type RegexParser struct {
	Policy Policy
	Logger *slog.Logger
	Now    func() time.Time
}

func NewRegexParser(policy Policy, logger *slog.Logger) *RegexParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegexParser{
		Policy: policy,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *RegexParser) Parse(raw string, turnNumber int) (Parsed, error) {
	hits := findMarkers(raw)
	first := make(map[marker]int, 3)
	var diags []Diagnostic
	for i, h := range hits {
		if _, ok := first[h.kind]; ok {
			diags = appendDiag(diags, DiagDuplicateMarker)
			continue
		}
		first[h.kind] = i
	}

	section := func(kind marker) (string, bool) {
		i, ok := first[kind]
		if !ok {
			return "", false
		}
		end := len(raw)
		for _, h := range hits[i+1:] {
			if endsSection(kind, h.kind) {
				end = h.start
				break
			}
		}
		return cleanSection(raw[hits[i].end:end]), true
	}

	out := Parsed{Phase: p.Policy.PhaseForTurn(turnNumber), Timestamp: p.now()}

	partner, ok := section(markerPartner)
	if !ok {
		diags = appendDiag(diags, DiagPartnerMarkerMissing)
		partner = cleanSection(raw)
	}
	if partner == "" {
		p.logger().Error("agent response has no partner line",
			slog.Int("turn_number", turnNumber),
			slog.Int("raw_len", len(raw)),
		)
		return Parsed{}, ErrEmptyPartnerResponse
	}
	out.PartnerResponse = partner

	analysis, ok := section(markerRoom)
	if !ok || analysis == "" {
		diags = appendDiag(diags, DiagRoomMarkerMissing)
		out.RoomVibe = session.RoomVibe{
			Analysis: defaultRoomAnalysis,
			Energy:   EnergyEngaged,
			Mood:     MoodFromAnalysis(defaultRoomAnalysis),
		}
	} else {
		mood := MoodFromAnalysis(analysis)
		out.RoomVibe = session.RoomVibe{Analysis: analysis, Energy: energyFor(mood), Mood: mood}
	}

	if p.Policy.CoachDue(turnNumber) {
		feedback, ok := section(markerCoach)
		if ok && feedback != "" {
			out.CoachFeedback = &feedback
		} else {
			diags = appendDiag(diags, DiagCoachMarkerMissing)
		}
	}

	out.Diagnostics = diags
	if len(diags) > 0 {
		names := make([]string, len(diags))
		for i, d := range diags {
			names[i] = string(d)
		}
		p.logger().Warn("agent response parsed with defaults",
			slog.Int("turn_number", turnNumber),
			slog.String("diagnostics", strings.Join(names, ",")),
		)
	}
	return out, nil
}

func (p *RegexParser) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *RegexParser) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

func findMarkers(raw string) []markerHit {
	locs := markerPattern.FindAllStringSubmatchIndex(raw, -1)
	hits := make([]markerHit, 0, len(locs))
	for _, loc := range locs {
		var kind marker
		switch strings.ToLower(raw[loc[2]:loc[3]]) {
		case "partner":
			kind = markerPartner
		case "room":
			kind = markerRoom
		default:
			kind = markerCoach
		}
		hits = append(hits, markerHit{kind: kind, start: loc[0], end: loc[1]})
	}
	return hits
}

// endsSection reports whether a later marker of kind next closes a section of
// kind cur. Marker words inside a section's own text never do.
func endsSection(cur, next marker) bool {
	switch cur {
	case markerPartner:
		return next == markerRoom || next == markerCoach
	case markerRoom:
		return next == markerCoach
	default:
		return false
	}
}

// cleanSection trims whitespace and the markdown emphasis agents tend to wrap
// around section text.
func cleanSection(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*"))
}

func appendDiag(diags []Diagnostic, d Diagnostic) []Diagnostic {
	for _, existing := range diags {
		if existing == d {
			return diags
		}
	}
	return append(diags, d)
}
