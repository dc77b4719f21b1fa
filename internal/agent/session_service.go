package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionKey identifies a runtime conversation.
type SessionKey struct {
	App       string
	UserID    string
	SessionID string
}

func (k SessionKey) String() string {
	return k.App + "/" + k.UserID + "/" + k.SessionID
}

func (k SessionKey) valid() bool {
	return strings.TrimSpace(k.App) != "" && strings.TrimSpace(k.UserID) != "" && strings.TrimSpace(k.SessionID) != ""
}

// RuntimeSession is the runtime-side conversation bound to a SessionKey.
type RuntimeSession struct {
	ID         string
	Key        SessionKey
	CreatedAt  time.Time
	LastUsedAt time.Time
	Runs       int
}

// SessionService resolves the runtime session for a key, creating it on
// first use.
type SessionService interface {
	GetOrCreate(ctx context.Context, key SessionKey) (RuntimeSession, error)
	Delete(ctx context.Context, key SessionKey) error
}

var ErrInvalidSessionKey = errors.New("runtime session key requires app, user and session ids")

// MemorySessionService keeps runtime sessions in process memory.
type MemorySessionService struct {
	mu       sync.Mutex
	sessions map[SessionKey]*RuntimeSession
	now      func() time.Time
}

func NewMemorySessionService() *MemorySessionService {
	return &MemorySessionService{
		sessions: make(map[SessionKey]*RuntimeSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemorySessionService) GetOrCreate(ctx context.Context, key SessionKey) (RuntimeSession, error) {
	if err := ctx.Err(); err != nil {
		return RuntimeSession{}, err
	}
	if !key.valid() {
		return RuntimeSession{}, ErrInvalidSessionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rs, ok := s.sessions[key]
	if !ok {
		rs = &RuntimeSession{ID: uuid.NewString(), Key: key, CreatedAt: now}
		s.sessions[key] = rs
	}
	rs.LastUsedAt = now
	rs.Runs++
	return *rs, nil
}

func (s *MemorySessionService) Delete(_ context.Context, key SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *MemorySessionService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
