package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/improvstage/internal/reliability"
)

func TestAllowSessionStartEnforcesFreeQuota(t *testing.T) {
	g := NewGate(nil, Config{Free: Limits{DailySessions: 2}})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p, err := g.AllowSessionStart(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, TierFree, p.Tier)
	}
	_, err := g.AllowSessionStart(ctx, "u1")
	require.ErrorIs(t, err, ErrDailySessionLimit)
	assert.Equal(t, reliability.KindRateLimited, reliability.Classify(err))
	assert.Equal(t, 2, g.SessionsToday("u1"))

	_, err = g.AllowSessionStart(ctx, "u2")
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	_, err = g.AllowSessionStart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.SessionsToday("u1"))
}

func TestReleaseSessionStartReturnsSlot(t *testing.T) {
	g := NewGate(nil, Config{Free: Limits{DailySessions: 1}})
	ctx := context.Background()

	_, err := g.AllowSessionStart(ctx, "u1")
	require.NoError(t, err)
	g.ReleaseSessionStart("u1")
	assert.Zero(t, g.SessionsToday("u1"))

	_, err = g.AllowSessionStart(ctx, "u1")
	require.NoError(t, err)
	_, err = g.AllowSessionStart(ctx, "u1")
	require.ErrorIs(t, err, ErrDailySessionLimit)

	g.ReleaseSessionStart("nobody")
	g.ReleaseSessionStart("u1")
	g.ReleaseSessionStart("u1")
	assert.Zero(t, g.SessionsToday("u1"))
}

func TestGateDropsStaleEntries(t *testing.T) {
	g := NewGate(nil, Config{Free: Limits{DailySessions: 5, TurnsPerMinute: 60, TurnBurst: 2}})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		_, err := g.AllowSessionStart(ctx, id)
		require.NoError(t, err)
		require.NoError(t, g.AllowTurn(ctx, id))
	}
	assert.Len(t, g.daily, 3)
	assert.Len(t, g.limiters, 3)

	now = now.Add(24 * time.Hour)
	_, err := g.AllowSessionStart(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, g.daily, 1)
	assert.Empty(t, g.limiters)
	assert.Equal(t, 1, g.SessionsToday("u1"))
}

func TestAllowSessionStartPremiumUnlimited(t *testing.T) {
	profiles := NewMemoryProfileStore(ParsePremiumUsers(" vip , ")...)
	g := NewGate(profiles, DefaultConfig())
	for i := 0; i < 50; i++ {
		p, err := g.AllowSessionStart(context.Background(), "vip")
		require.NoError(t, err)
		assert.Equal(t, TierPremium, p.Tier)
	}
}

func TestAllowTurnRateLimits(t *testing.T) {
	g := NewGate(nil, Config{Free: Limits{TurnsPerMinute: 1, TurnBurst: 2}})
	ctx := context.Background()

	require.NoError(t, g.AllowTurn(ctx, "u1"))
	require.NoError(t, g.AllowTurn(ctx, "u1"))
	require.ErrorIs(t, g.AllowTurn(ctx, "u1"), ErrTurnRateLimited)

	require.NoError(t, g.AllowTurn(ctx, "u2"), "limits are per user")
}

func TestAllowTurnDisabled(t *testing.T) {
	g := NewGate(nil, Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, g.AllowTurn(context.Background(), "u1"))
	}
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPremium, ParseTier(" Premium "))
	assert.Equal(t, TierFree, ParseTier("gold"))
	assert.Equal(t, TierFree, ParseTier(""))
}
