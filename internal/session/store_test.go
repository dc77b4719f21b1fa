package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type clockedStore interface {
	Store
	Sweeper
	SetClock(func() time.Time)
}

func turnUpdate(turnNumber int) Update {
	return Update{
		ExpectedTurnCount: turnNumber - 1,
		AppendHistory: TurnRecord{
			TurnNumber:      turnNumber,
			UserInput:       "input",
			PartnerResponse: "response",
			RoomVibe:        RoomVibe{Analysis: "warm", Energy: "positive", Mood: MoodMetrics{EngagementScore: 0.5}},
			Phase:           "PHASE_1",
			Timestamp:       time.Date(2026, 3, 1, 20, 0, turnNumber, 0, time.UTC),
		},
	}
}

func statusPtr(s Status) *Status { return &s }
func strPtr(s string) *string    { return &s }

// runStoreContract exercises behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) clockedStore) {
	t.Run("create requires user", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Create(context.Background(), CreateParams{})
		require.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		created, err := st.Create(ctx, CreateParams{UserID: "u1", UserEmail: "u1@example.com", Location: "Mars Colony"})
		require.NoError(t, err)
		assert.Equal(t, StatusInitialized, created.Status)
		assert.Nil(t, created.CurrentPhase)
		assert.Empty(t, created.History)

		got, err := st.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Mars Colony", got.Location)
		assert.Equal(t, 0, got.TurnCount)
	})

	t.Run("unknown session", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = st.ApplyTurn(context.Background(), "missing", turnUpdate(1))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("turn count tracks history", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s, err := st.Create(ctx, CreateParams{UserID: "u1"})
		require.NoError(t, err)

		for i := 1; i <= 5; i++ {
			_, err := st.ApplyTurn(ctx, s.ID, turnUpdate(i))
			require.NoError(t, err)
		}
		got, err := st.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, 5, got.TurnCount)
		require.Len(t, got.History, 5)
		for i, rec := range got.History {
			assert.Equal(t, i+1, rec.TurnNumber)
		}
	})

	t.Run("phase and status applied with the turn", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s, err := st.Create(ctx, CreateParams{UserID: "u1"})
		require.NoError(t, err)

		u := turnUpdate(1)
		u.SetPhase = strPtr("PHASE_1")
		u.SetStatus = statusPtr(StatusActive)
		got, err := st.ApplyTurn(ctx, s.ID, u)
		require.NoError(t, err)
		assert.Equal(t, "PHASE_1", got.PhaseLabel())
		assert.Equal(t, StatusActive, got.Status)
	})

	t.Run("backward status is ignored", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s, err := st.Create(ctx, CreateParams{UserID: "u1"})
		require.NoError(t, err)

		u := turnUpdate(1)
		u.SetStatus = statusPtr(StatusSceneComplete)
		_, err = st.ApplyTurn(ctx, s.ID, u)
		require.NoError(t, err)

		u = turnUpdate(2)
		u.SetStatus = statusPtr(StatusActive)
		got, err := st.ApplyTurn(ctx, s.ID, u)
		require.NoError(t, err)
		assert.Equal(t, StatusSceneComplete, got.Status)
		assert.Equal(t, 2, got.TurnCount)
	})

	t.Run("conflicting turn leaves session untouched", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s, err := st.Create(ctx, CreateParams{UserID: "u1"})
		require.NoError(t, err)
		_, err = st.ApplyTurn(ctx, s.ID, turnUpdate(1))
		require.NoError(t, err)

		_, err = st.ApplyTurn(ctx, s.ID, turnUpdate(1))
		require.ErrorIs(t, err, ErrTurnConflict)
		_, err = st.ApplyTurn(ctx, s.ID, turnUpdate(3))
		require.ErrorIs(t, err, ErrTurnConflict)

		got, err := st.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.TurnCount)
		assert.Len(t, got.History, 1)
	})

	t.Run("closed session rejects turns", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		s, err := st.Create(ctx, CreateParams{UserID: "u1"})
		require.NoError(t, err)
		ended, err := st.End(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, ended.Status)

		_, err = st.ApplyTurn(ctx, s.ID, turnUpdate(1))
		require.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("expired session reads as not found", func(t *testing.T) {
		st := newStore(t)
		clock := newFakeClock()
		st.SetClock(clock.Now)
		ctx := context.Background()
		s, err := st.Create(ctx, CreateParams{UserID: "u1", TTL: time.Minute})
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		_, err = st.Get(ctx, s.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = st.ApplyTurn(ctx, s.ID, turnUpdate(1))
		require.True(t, errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionClosed), "got %v", err)

		n, err := st.ActiveCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("sweep expires stale sessions once", func(t *testing.T) {
		st := newStore(t)
		clock := newFakeClock()
		st.SetClock(clock.Now)
		ctx := context.Background()
		_, err := st.Create(ctx, CreateParams{UserID: "u1", TTL: time.Minute})
		require.NoError(t, err)
		_, err = st.Create(ctx, CreateParams{UserID: "u2", TTL: time.Hour})
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)
		expired, err := st.ExpireStale(ctx)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "u1", expired[0].UserID)
		assert.Equal(t, StatusTimeout, expired[0].Status)

		expired, err = st.ExpireStale(ctx)
		require.NoError(t, err)
		assert.Empty(t, expired)

		n, err := st.ActiveCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStatusCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitialized, StatusActive, true},
		{StatusMCPhase, StatusActive, true},
		{StatusActive, StatusSceneComplete, true},
		{StatusSceneComplete, StatusActive, false},
		{StatusActive, StatusActive, false},
		{StatusClosed, StatusActive, false},
		{StatusTimeout, StatusClosed, false},
		{StatusActive, Status("bogus"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCloneIsDeep(t *testing.T) {
	phase := "PHASE_1"
	s := &Session{CurrentPhase: &phase, History: []TurnRecord{{TurnNumber: 1}}}
	c := clone(s)
	*c.CurrentPhase = "PHASE_2"
	c.History[0].TurnNumber = 9
	assert.Equal(t, "PHASE_1", *s.CurrentPhase)
	assert.Equal(t, 1, s.History[0].TurnNumber)
}

func TestNewStoreBackends(t *testing.T) {
	st, err := NewStore(context.Background(), StoreConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)

	_, err = NewStore(context.Background(), StoreConfig{Backend: "postgres"})
	require.Error(t, err)

	_, err = NewStore(context.Background(), StoreConfig{Backend: "cassandra"})
	require.Error(t, err)

	st, err = NewStore(context.Background(), StoreConfig{Backend: "badger", BadgerPath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
