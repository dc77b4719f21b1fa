package scene

import (
	"regexp"
	"strings"

	"github.com/ent0n29/improvstage/internal/session"
)

const (
	EnergyPositive = "positive"
	EnergyNegative = "negative"
	EnergyEngaged  = "engaged"

	defaultRoomAnalysis = "The audience is settled in and following the scene."

	engagementHigh     = 0.9
	engagementModerate = 0.7
	engagementLow      = 0.2
	engagementNeutral  = 0.5
)

var (
	positiveWords = regexp.MustCompile(`(?i)\b(lov(e|es|ed|ing)|enthusiastic|excited|delighted|thrilled|cheer(s|ing)?|applau(d|ding|se)|enjoy(s|ing)?|warm|positive|electric)\b`)
	negativeWords = regexp.MustCompile(`(?i)\b(bored|boring|disengaged|negative|restless|confused|awkward|cold|groan(s|ing)?|tense|flat|silent)\b`)

	highEngagement = regexp.MustCompile(`(?i)\b(highly|very|fully|deeply) engaged\b|\bedge of their seats\b|\bhanging on every word\b`)
	lowEngagement  = regexp.MustCompile(`(?i)\b(disengaged|bored|checked out|losing interest)\b`)
	engagedWord    = regexp.MustCompile(`(?i)\bengaged\b`)

	laughterMarkers = []string{"laugh", "hilarious", "cracking up", "roar"}
)

// MoodFromAnalysis derives keyword-based mood metrics from room analysis text.
// Sentiment is in [-1, 1] and engagement in [0, 1] for any input.
func MoodFromAnalysis(analysis string) session.MoodMetrics {
	return session.MoodMetrics{
		SentimentScore:   sentimentScore(analysis),
		EngagementScore:  engagementScore(analysis),
		LaughterDetected: laughterDetected(analysis),
	}
}

func sentimentScore(text string) float64 {
	pos := len(positiveWords.FindAllStringIndex(text, -1))
	neg := len(negativeWords.FindAllStringIndex(text, -1))
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func engagementScore(text string) float64 {
	switch {
	case highEngagement.MatchString(text):
		return engagementHigh
	case lowEngagement.MatchString(text):
		return engagementLow
	case engagedWord.MatchString(text):
		return engagementModerate
	default:
		return engagementNeutral
	}
}

func laughterDetected(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range laughterMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func energyFor(m session.MoodMetrics) string {
	switch {
	case m.SentimentScore > 0:
		return EnergyPositive
	case m.SentimentScore < 0:
		return EnergyNegative
	default:
		return EnergyEngaged
	}
}
