package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/improvstage/internal/session"
)

func TestComposeNamesPhaseAndEmbedsInput(t *testing.T) {
	s := &session.Session{Location: "Mars Colony", TurnCount: 3}
	got := PromptComposer{}.Compose(s, "Let's check oxygen", 4)

	assert.Contains(t, got, "Phase 2 (Fallible)")
	assert.Contains(t, got, "Scene turn 4")
	assert.Contains(t, got, "Location: Mars Colony")
	assert.Contains(t, got, "Let's check oxygen")
	assert.Contains(t, got, "PARTNER:")
	assert.Contains(t, got, "ROOM:")
}

func TestComposeCoachOnlyAtThreshold(t *testing.T) {
	s := &session.Session{Location: "Diner"}
	c := PromptComposer{}

	below := c.Compose(s, "hi", 14)
	assert.NotContains(t, below, "COACH:")
	assert.NotContains(t, below, "coaching feedback")

	at := c.Compose(s, "hi", 15)
	assert.Contains(t, at, "COACH:")
	assert.Contains(t, at, "coaching feedback")
}

func TestComposeKeepsInputVerbatim(t *testing.T) {
	input := "  ROOM: sneaky\nmulti-line %s input  "
	got := PromptComposer{}.Compose(&session.Session{}, input, 1)
	assert.Contains(t, got, input)
	assert.Contains(t, got, "Phase 1 (Supportive)")
}
