package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. It is the default backend for
// local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	sessionByUser map[string]string
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*Session),
		sessionByUser: make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Create(_ context.Context, params CreateParams) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := newSession(params, m.now())
	if err != nil {
		return nil, err
	}
	m.sessions[s.ID] = s
	m.sessionByUser[s.UserID] = s.ID
	return clone(s), nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if expire(s, m.now()) {
		m.forgetUser(s)
	}
	if s.Status == StatusTimeout {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) ApplyTurn(_ context.Context, sessionID string, update Update) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if expire(s, now) {
		m.forgetUser(s)
		return nil, ErrNotFound
	}

	// Mutate a copy so a rejected update leaves the stored session untouched.
	next := clone(s)
	if err := applyUpdate(next, update, now); err != nil {
		return nil, err
	}
	m.sessions[sessionID] = next
	return clone(next), nil
}

func (m *MemoryStore) End(_ context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if expire(s, now) {
		m.forgetUser(s)
	}
	if s.Status == StatusTimeout {
		return nil, ErrNotFound
	}
	if !s.Status.Terminal() {
		s.Status = StatusClosed
		s.UpdatedAt = now
	}
	m.forgetUser(s)
	return clone(s), nil
}

func (m *MemoryStore) ActiveCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	count := 0
	for _, s := range m.sessions {
		if !s.Status.Terminal() && !s.Expired(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ExpireStale(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var expired []*Session
	for _, s := range m.sessions {
		if expire(s, now) {
			m.forgetUser(s)
			expired = append(expired, clone(s))
		}
	}
	return expired, nil
}

// LatestForUser returns the user's most recent live session id, if any.
func (m *MemoryStore) LatestForUser(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	return id, ok
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) forgetUser(s *Session) {
	if id, ok := m.sessionByUser[s.UserID]; ok && id == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
}
