package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/improvstage/internal/reliability"
)

var (
	ErrNotFound       = reliability.NewError(reliability.KindNotFound, "session not found")
	ErrSessionClosed  = reliability.NewError(reliability.KindClosed, "session is closed")
	ErrTurnConflict   = reliability.NewError(reliability.KindConflict, "turn number does not follow current turn count")
	ErrInvalidSession = reliability.NewError(reliability.KindInvalid, "invalid session parameters")
)

const DefaultTTL = time.Hour

// Store persists sessions. Implementations apply ApplyTurn as one transaction.
type Store interface {
	Create(ctx context.Context, params CreateParams) (*Session, error)
	// Get returns ErrNotFound for unknown and expired sessions. Expired sessions
	// are moved to StatusTimeout as a side effect.
	Get(ctx context.Context, sessionID string) (*Session, error)
	ApplyTurn(ctx context.Context, sessionID string, update Update) (*Session, error)
	End(ctx context.Context, sessionID string) (*Session, error)
	ActiveCount(ctx context.Context) (int, error)
	Close() error
}

// Sweeper is implemented by stores that can expire stale sessions in bulk.
type Sweeper interface {
	ExpireStale(ctx context.Context) ([]*Session, error)
}

func newSession(params CreateParams, now time.Time) (*Session, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidSession)
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Session{
		ID:          uuid.NewString(),
		UserID:      params.UserID,
		UserEmail:   params.UserEmail,
		Location:    params.Location,
		DisplayName: params.DisplayName,
		Status:      StatusInitialized,
		History:     []TurnRecord{},
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// applyUpdate mutates s in place. Callers hold whatever lock or transaction
// makes the mutation atomic.
func applyUpdate(s *Session, u Update, now time.Time) error {
	if s.Status.Terminal() {
		return ErrSessionClosed
	}
	if s.TurnCount != u.ExpectedTurnCount || u.AppendHistory.TurnNumber != u.ExpectedTurnCount+1 {
		return fmt.Errorf("%w: have %d, got turn %d", ErrTurnConflict, s.TurnCount, u.AppendHistory.TurnNumber)
	}
	s.History = append(s.History, u.AppendHistory)
	s.TurnCount++
	if u.SetPhase != nil {
		p := *u.SetPhase
		s.CurrentPhase = &p
	}
	if u.SetStatus != nil && s.Status.CanAdvanceTo(*u.SetStatus) {
		s.Status = *u.SetStatus
	}
	s.UpdatedAt = now
	return nil
}

// expire moves s to StatusTimeout when it is past its deadline and still live.
func expire(s *Session, now time.Time) bool {
	if s.Status.Terminal() || !s.Expired(now) {
		return false
	}
	s.Status = StatusTimeout
	s.UpdatedAt = now
	return true
}
