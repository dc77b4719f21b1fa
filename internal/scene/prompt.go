package scene

import (
	"fmt"
	"strings"

	"github.com/ent0n29/improvstage/internal/session"
)

// PromptComposer builds the instruction block sent to the agent runtime.
// The COACH task and its output marker appear only when coaching is due,
// which is what RegexParser expects.
type PromptComposer struct {
	Policy Policy
}

func (c PromptComposer) Compose(s *session.Session, userInput string, turnNumber int) string {
	phase := c.Policy.PhaseForTurn(turnNumber)
	coach := c.Policy.CoachDue(turnNumber)

	var location string
	if s != nil {
		location = s.Location
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scene turn %d. You are in %s.\n", turnNumber, phase)
	fmt.Fprintf(&sb, "Location: %s\n\n", location)
	sb.WriteString("The user just said:\n")
	sb.WriteString(userInput)
	sb.WriteString("\n\nTasks:\n")
	fmt.Fprintf(&sb, "1. Respond to the user's scene contribution in character as their scene partner, matching the %s mode: %s.\n", phase.Name(), phase.Mode())
	sb.WriteString("2. Provide an audience vibe analysis: how the room is reacting, its energy, and whether anyone is laughing.\n")
	if coach {
		sb.WriteString("3. Provide constructive coaching feedback on the user's improv so far (offers, yes-and, specificity, listening).\n")
	}
	sb.WriteString("\nFormat your reply exactly as:\n")
	sb.WriteString("PARTNER: <your in-character line>\n")
	sb.WriteString("ROOM: <audience vibe analysis>")
	if coach {
		sb.WriteString("\nCOACH: <coaching feedback>")
	}
	return sb.String()
}
