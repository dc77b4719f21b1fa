package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/improvstage/internal/reliability"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

var (
	ErrDailySessionLimit = reliability.NewError(reliability.KindRateLimited, "daily session limit reached")
	ErrTurnRateLimited   = reliability.NewError(reliability.KindRateLimited, "too many turns, slow down")
)

// Limits bounds what one user of a tier may do. A zero DailySessions means
// unlimited; a zero TurnsPerMinute disables turn rate limiting.
type Limits struct {
	DailySessions  int     `yaml:"daily_sessions"`
	TurnsPerMinute float64 `yaml:"turns_per_minute"`
	TurnBurst      int     `yaml:"turn_burst"`
}

type Config struct {
	Free    Limits `yaml:"free"`
	Premium Limits `yaml:"premium"`
}

func DefaultConfig() Config {
	return Config{
		Free:    Limits{DailySessions: 3, TurnsPerMinute: 6, TurnBurst: 3},
		Premium: Limits{DailySessions: 0, TurnsPerMinute: 20, TurnBurst: 5},
	}
}

func (c Config) limitsFor(t Tier) Limits {
	if t == TierPremium {
		return c.Premium
	}
	return c.Free
}

// Gate enforces per-tier daily session quotas and per-user turn rates.
type Gate struct {
	profiles ProfileStore
	cfg      Config

	mu        sync.Mutex
	daily     map[string]dayCount
	limiters  map[string]*userLimiter
	now       func() time.Time
	lastSweep time.Time
}

const sweepInterval = time.Minute

type dayCount struct {
	day   string
	count int
}

type userLimiter struct {
	tier    Tier
	limiter *rate.Limiter
}

func NewGate(profiles ProfileStore, cfg Config) *Gate {
	if profiles == nil {
		profiles = NewMemoryProfileStore()
	}
	return &Gate{
		profiles: profiles,
		cfg:      cfg,
		daily:    make(map[string]dayCount),
		limiters: make(map[string]*userLimiter),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for daily quotas.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// AllowSessionStart checks the user's daily quota and reserves a slot for the
// new session when allowed. Callers that fail to create the session must hand
// the slot back with ReleaseSessionStart.
func (g *Gate) AllowSessionStart(ctx context.Context, userID string) (Profile, error) {
	profile, err := g.profiles.Profile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	limits := g.cfg.limitsFor(profile.Tier)

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.sweepLocked(now)
	day := now.Format(time.DateOnly)
	c := g.daily[userID]
	if c.day != day {
		c = dayCount{day: day}
	}
	if limits.DailySessions > 0 && c.count >= limits.DailySessions {
		return profile, ErrDailySessionLimit
	}
	c.count++
	g.daily[userID] = c
	return profile, nil
}

// ReleaseSessionStart returns a slot reserved by AllowSessionStart today.
func (g *Gate) ReleaseSessionStart(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.daily[userID]
	if !ok || c.day != g.now().Format(time.DateOnly) || c.count == 0 {
		return
	}
	c.count--
	if c.count == 0 {
		delete(g.daily, userID)
		return
	}
	g.daily[userID] = c
}

// SessionsToday reports how many sessions the user started today.
func (g *Gate) SessionsToday(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.daily[userID]
	if c.day != g.now().Format(time.DateOnly) {
		return 0
	}
	return c.count
}

// AllowTurn applies the user's token bucket.
func (g *Gate) AllowTurn(ctx context.Context, userID string) error {
	profile, err := g.profiles.Profile(ctx, userID)
	if err != nil {
		return err
	}
	limits := g.cfg.limitsFor(profile.Tier)
	if limits.TurnsPerMinute <= 0 {
		return nil
	}

	g.mu.Lock()
	now := g.now()
	g.sweepLocked(now)
	ul, ok := g.limiters[userID]
	if !ok || ul.tier != profile.Tier {
		burst := limits.TurnBurst
		if burst <= 0 {
			burst = 1
		}
		ul = &userLimiter{
			tier:    profile.Tier,
			limiter: rate.NewLimiter(rate.Limit(limits.TurnsPerMinute/60), burst),
		}
		g.limiters[userID] = ul
	}
	g.mu.Unlock()

	if !ul.limiter.AllowN(now, 1) {
		return ErrTurnRateLimited
	}
	return nil
}

// sweepLocked drops quota entries from earlier days and limiters whose bucket
// is full again. g.mu must be held.
func (g *Gate) sweepLocked(now time.Time) {
	if !g.lastSweep.IsZero() && now.Sub(g.lastSweep) < sweepInterval {
		return
	}
	g.lastSweep = now
	day := now.Format(time.DateOnly)
	for id, c := range g.daily {
		if c.day != day {
			delete(g.daily, id)
		}
	}
	for id, ul := range g.limiters {
		if ul.limiter.TokensAt(now) >= float64(ul.limiter.Burst()) {
			delete(g.limiters, id)
		}
	}
}

// ParseTier maps free-form tier names to a Tier, defaulting to free.
func ParseTier(s string) Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(TierPremium)) {
		return TierPremium
	}
	return TierFree
}
