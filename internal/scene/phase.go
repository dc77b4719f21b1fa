package scene

import "fmt"

// Phase is the behavioral mode of the scene partner.
type Phase int

const (
	PhaseSupportive Phase = 1
	PhaseFallible   Phase = 2
)

const (
	DefaultPhase2TurnCount = 4
	DefaultCoachTurn       = 15
)

// DeterminePhase maps a zero-indexed turn count to a phase using the default threshold.
func DeterminePhase(turnCount int) Phase {
	return Policy{}.phaseForCount(turnCount)
}

func (p Phase) Label() string {
	return fmt.Sprintf("PHASE_%d", int(p))
}

func (p Phase) Name() string {
	if p == PhaseFallible {
		return "Fallible"
	}
	return "Supportive"
}

func (p Phase) String() string {
	return fmt.Sprintf("Phase %d (%s)", int(p), p.Name())
}

// Mode describes how the partner should behave in this phase.
func (p Phase) Mode() string {
	if p == PhaseFallible {
		return "commit fully to the scene but make honest, human mistakes the user can build on; let them steer"
	}
	return "accept every offer, heighten it with one specific detail, and make the user look good"
}

// Policy holds the process-wide turn thresholds. Zero values fall back to defaults.
type Policy struct {
	Phase2TurnCount int
	CoachTurn       int
}

// PhaseForTurn is the single mapping from a 1-indexed turn number to the phase
// that the prompt requests and the parser reports.
func (p Policy) PhaseForTurn(turnNumber int) Phase {
	return p.phaseForCount(turnNumber)
}

// CoachDue reports whether coaching feedback belongs to this turn.
func (p Policy) CoachDue(turnNumber int) bool {
	return turnNumber >= p.coachTurn()
}

func (p Policy) phaseForCount(turnCount int) Phase {
	threshold := p.Phase2TurnCount
	if threshold <= 0 {
		threshold = DefaultPhase2TurnCount
	}
	if turnCount >= threshold {
		return PhaseFallible
	}
	return PhaseSupportive
}

func (p Policy) coachTurn() int {
	if p.CoachTurn <= 0 {
		return DefaultCoachTurn
	}
	return p.CoachTurn
}
