package session

import "time"

type Status string

const (
	StatusInitialized   Status = "initialized"
	StatusMCPhase       Status = "mc_phase"
	StatusActive        Status = "active"
	StatusSceneComplete Status = "scene_complete"
	StatusCoachPhase    Status = "coach_phase"
	StatusClosed        Status = "closed"
	StatusTimeout       Status = "timeout"
)

func (s Status) rank() int {
	switch s {
	case StatusInitialized:
		return 0
	case StatusMCPhase:
		return 1
	case StatusActive:
		return 2
	case StatusSceneComplete:
		return 3
	case StatusCoachPhase:
		return 4
	case StatusClosed, StatusTimeout:
		return 5
	default:
		return -1
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusTimeout
}

// CanAdvanceTo reports whether next is a strictly forward move from s.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// MoodMetrics is the keyword-derived reading of the room.
type MoodMetrics struct {
	SentimentScore   float64 `json:"sentiment_score"`
	EngagementScore  float64 `json:"engagement_score"`
	LaughterDetected bool    `json:"laughter_detected"`
}

// RoomVibe is the audience agent's assessment of one turn.
type RoomVibe struct {
	Analysis string      `json:"analysis"`
	Energy   string      `json:"energy"`
	Mood     MoodMetrics `json:"mood_metrics"`
}

// TurnRecord is one immutable entry of a session's conversation history.
type TurnRecord struct {
	TurnNumber      int       `json:"turn_number"`
	UserInput       string    `json:"user_input"`
	PartnerResponse string    `json:"partner_response"`
	RoomVibe        RoomVibe  `json:"room_vibe"`
	Phase           string    `json:"phase"`
	CoachFeedback   *string   `json:"coach_feedback,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type Session struct {
	ID           string       `json:"session_id"`
	UserID       string       `json:"user_id"`
	UserEmail    string       `json:"user_email"`
	Location     string       `json:"location"`
	DisplayName  string       `json:"display_name,omitempty"`
	Status       Status       `json:"status"`
	CurrentPhase *string      `json:"current_phase"`
	TurnCount    int          `json:"turn_count"`
	History      []TurnRecord `json:"conversation_history"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// Expired reports whether the session's absolute expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// PhaseLabel returns the current phase label or "" when none was set yet.
func (s *Session) PhaseLabel() string {
	if s.CurrentPhase == nil {
		return ""
	}
	return *s.CurrentPhase
}

// CreateParams defines the inputs for starting a new session.
type CreateParams struct {
	UserID      string
	UserEmail   string
	Location    string
	DisplayName string
	TTL         time.Duration
}

// Update describes one turn's atomic mutation. TurnCount is always incremented
// by exactly one; SetPhase and SetStatus apply only when non-nil.
type Update struct {
	AppendHistory     TurnRecord
	ExpectedTurnCount int
	SetPhase          *string
	SetStatus         *Status
}

func clone(s *Session) *Session {
	c := *s
	if s.CurrentPhase != nil {
		p := *s.CurrentPhase
		c.CurrentPhase = &p
	}
	c.History = make([]TurnRecord, len(s.History))
	copy(c.History, s.History)
	return &c
}
