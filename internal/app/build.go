package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/improvstage/internal/access"
	"github.com/ent0n29/improvstage/internal/agent"
	"github.com/ent0n29/improvstage/internal/config"
	"github.com/ent0n29/improvstage/internal/httpapi"
	"github.com/ent0n29/improvstage/internal/observability"
	"github.com/ent0n29/improvstage/internal/scene"
	"github.com/ent0n29/improvstage/internal/session"
	"github.com/ent0n29/improvstage/internal/turn"
)

const stageWindowSize = 512

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Store        session.Store
	Orchestrator *turn.Orchestrator
	Invoker      *agent.Invoker
	Gate         *access.Gate
	Metrics      *observability.Metrics
	RuntimeName  string

	// Sweeper is nil when the store expires sessions on its own.
	Sweeper session.Sweeper
	// OnExpire keeps metrics and runtime sessions in step with the janitor.
	OnExpire func(*session.Session)

	// Cleanup should be called on shutdown to release the store and runtime connections.
	Cleanup func() error
}

// Build wires the service from cfg. reg may be nil to use the default
// prometheus registry.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = turn.DefaultApp
	}
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registerer)
	stages := observability.NewTurnStageWindow(stageWindowSize)

	store, err := session.NewStore(ctx, session.StoreConfig{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		BadgerPath:  cfg.BadgerPath,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	runtime, err := agent.NewRuntime(agent.Config{
		Mode:          cfg.RuntimeMode,
		HTTPURL:       cfg.RuntimeHTTPURL,
		WSURL:         cfg.RuntimeWSURL,
		OpenAIKey:     cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		MockDelay:     cfg.MockDelay,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("agent runtime init failed: %w", err)
	}
	runtimeName := agent.RuntimeName(runtime)
	logger.Info("agent runtime ready", slog.String("runtime", runtimeName))

	invoker := agent.NewInvoker(runtime, agent.NewMemorySessionService(), cfg.AgentTimeout, logger)
	policy := scene.Policy{Phase2TurnCount: cfg.Phase2TurnCount, CoachTurn: cfg.CoachTurn}
	orchestrator := turn.New(turn.Config{
		App:          cfg.AppName,
		AgentTimeout: cfg.AgentTimeout,
		Policy:       policy,
		Context: scene.ContextBuilder{
			TokenCeiling:     cfg.TokenCeiling,
			SummaryThreshold: cfg.SummaryThreshold,
			Window:           cfg.RecencyWindow,
		},
	}, turn.Deps{
		Agent:   invoker,
		Parser:  scene.NewRegexParser(policy, logger),
		Store:   store,
		Metrics: metrics,
		Stages:  stages,
		Logger:  logger,
	})

	gate := access.NewGate(access.NewMemoryProfileStore(access.ParsePremiumUsers(cfg.PremiumUsers)...), AccessConfig(cfg))

	releaseRuntimeSession := func(s *session.Session) {
		key := agent.SessionKey{App: cfg.AppName, UserID: s.UserID, SessionID: s.ID}
		if err := invoker.Sessions().Delete(context.Background(), key); err != nil && !errors.Is(err, agent.ErrInvalidSessionKey) {
			logger.Debug("release runtime session", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Store:        store,
		Turns:        orchestrator,
		Gate:         gate,
		Metrics:      metrics,
		Stages:       stages,
		Gatherer:     gatherer,
		Logger:       logger,
		RuntimeName:  runtimeName,
		OnSessionEnd: releaseRuntimeSession,
	})

	var sweeper session.Sweeper
	if sw, ok := store.(session.Sweeper); ok {
		sweeper = sw
	}
	onExpire := func(s *session.Session) {
		metrics.SessionEvent("expired")
		if n, err := store.ActiveCount(context.Background()); err == nil {
			metrics.SetActiveSessions(n)
		}
		releaseRuntimeSession(s)
	}

	cleanup := func() error {
		var errs []string
		if c, ok := runtimeCloser(runtime); ok {
			c.Close()
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Store:        store,
		Orchestrator: orchestrator,
		Invoker:      invoker,
		Gate:         gate,
		Metrics:      metrics,
		RuntimeName:  runtimeName,
		Sweeper:      sweeper,
		OnExpire:     onExpire,
		Cleanup:      cleanup,
	}, nil
}

// AccessConfig maps the flat config knobs onto per-tier limits.
func AccessConfig(cfg config.Config) access.Config {
	return access.Config{
		Free: access.Limits{
			DailySessions:  cfg.FreeDailySessions,
			TurnsPerMinute: cfg.FreeTurnsPerMinute,
			TurnBurst:      cfg.TurnBurst,
		},
		Premium: access.Limits{
			DailySessions:  cfg.PremiumDailySessions,
			TurnsPerMinute: cfg.PremiumTurnsPerMin,
			TurnBurst:      cfg.TurnBurst,
		},
	}
}

type closer interface{ Close() }

// runtimeCloser finds a closable runtime, looking through a fallback pair.
func runtimeCloser(r agent.Runtime) (closer, bool) {
	if c, ok := r.(closer); ok {
		return c, true
	}
	if fb, ok := r.(*agent.FallbackRuntime); ok {
		return runtimeCloser(fb.Primary())
	}
	return nil, false
}
