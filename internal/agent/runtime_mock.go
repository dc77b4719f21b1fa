package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/ent0n29/improvstage/internal/protocol"
)

// MockRuntime produces deterministic scene replies in the PARTNER/ROOM/COACH
// layout without any remote runtime.
type MockRuntime struct {
	delay time.Duration
}

func NewMockRuntime(delay time.Duration) *MockRuntime {
	return &MockRuntime{delay: delay}
}

var (
	mockPartnerLines = []string{
		"Yes, and while we're at it, I brought the emergency accordion.",
		"Absolutely! I knew you'd say that, which is why I'm already wearing the helmet.",
		"Oh no, not again. Last time we did that the goat ended up running the council.",
		"Perfect. You hold the map, I'll pretend I know how to read it.",
	}
	mockRoomLines = []string{
		"The audience is loving it, laughing at the accordion and highly engaged.",
		"The room is warm and engaged, a few people leaning forward.",
		"Big laugh from the front row; the crowd is excited to see where this goes.",
	}
)

func (m *MockRuntime) Stream(ctx context.Context, req RunRequest, onEvent EventHandler) error {
	reply := buildMockReply(req.Prompt)
	// Emit word-sized fragments so collectors see a real stream.
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if m.delay > 0 {
			timer := time.NewTimer(m.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if onEvent == nil {
			continue
		}
		if err := onEvent(protocol.TextFragment{Text: w}); err != nil {
			return err
		}
	}
	if onEvent != nil {
		return onEvent(protocol.Done{Reason: "stop"})
	}
	return nil
}

func buildMockReply(prompt string) string {
	userLine := mockUserLine(prompt)
	h := fnv.New32a()
	_, _ = h.Write([]byte(userLine))
	seed := h.Sum32()

	partner := mockPartnerLines[seed%uint32(len(mockPartnerLines))]
	if userLine != "" {
		partner = fmt.Sprintf("%q? %s", clipMock(userLine, 60), partner)
	}
	var sb strings.Builder
	sb.WriteString("PARTNER: ")
	sb.WriteString(partner)
	sb.WriteString("\nROOM: ")
	sb.WriteString(mockRoomLines[seed%uint32(len(mockRoomLines))])
	if strings.Contains(prompt, "COACH:") {
		sb.WriteString("\nCOACH: Strong commitment to the offer. Next time, add one specific detail about where you are before raising the stakes.")
	}
	return sb.String()
}

// mockUserLine pulls the user's line out of a composed scene prompt.
func mockUserLine(prompt string) string {
	const marker = "The user just said:\n"
	i := strings.Index(prompt, marker)
	if i < 0 {
		return ""
	}
	rest := prompt[i+len(marker):]
	if j := strings.Index(rest, "\n\nTasks:"); j >= 0 {
		rest = rest[:j]
	}
	return strings.Join(strings.Fields(rest), " ")
}

func clipMock(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
