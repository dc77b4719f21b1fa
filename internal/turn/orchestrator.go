package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/improvstage/internal/agent"
	"github.com/ent0n29/improvstage/internal/observability"
	"github.com/ent0n29/improvstage/internal/policy"
	"github.com/ent0n29/improvstage/internal/reliability"
	"github.com/ent0n29/improvstage/internal/scene"
	"github.com/ent0n29/improvstage/internal/session"
)

const DefaultApp = "improvstage"

// AgentRunner runs one prompt against the agent runtime under a timeout.
type AgentRunner interface {
	Run(ctx context.Context, prompt string, key agent.SessionKey, timeout time.Duration) (string, error)
}

// SessionWriter applies one turn's update atomically.
type SessionWriter interface {
	ApplyTurn(ctx context.Context, sessionID string, update session.Update) (*session.Session, error)
}

type Config struct {
	App          string
	AgentTimeout time.Duration
	Policy       scene.Policy
	Context      scene.ContextBuilder
}

type Deps struct {
	Agent   AgentRunner
	Parser  scene.Parser
	Store   SessionWriter
	Metrics *observability.Metrics
	Stages  *observability.TurnStageWindow
	Logger  *slog.Logger
}

// Result is the outcome of one executed turn.
type Result struct {
	TurnNumber      int              `json:"turn_number"`
	PartnerResponse string           `json:"partner_response"`
	RoomVibe        session.RoomVibe `json:"room_vibe"`
	CoachFeedback   *string          `json:"coach_feedback"`
	CurrentPhase    int              `json:"current_phase"`
	Timestamp       time.Time        `json:"timestamp"`

	// Session is the stored state after the update.
	Session *session.Session `json:"-"`
}

// Orchestrator sequences context, prompt, agent, parse and persist for one
// turn. Calls for the same session must be serialized by the caller; the
// store's conditional update rejects a second write for the same turn.
type Orchestrator struct {
	cfg      Config
	composer scene.PromptComposer
	agent    AgentRunner
	parser   scene.Parser
	store    SessionWriter
	metrics  *observability.Metrics
	stages   *observability.TurnStageWindow
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.App == "" {
		cfg.App = DefaultApp
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parser := deps.Parser
	if parser == nil {
		parser = scene.NewRegexParser(cfg.Policy, logger)
	}
	return &Orchestrator{
		cfg:      cfg,
		composer: scene.PromptComposer{Policy: cfg.Policy},
		agent:    deps.Agent,
		parser:   parser,
		store:    deps.Store,
		metrics:  deps.Metrics,
		stages:   deps.Stages,
		logger:   logger,
		tracer:   otel.Tracer("github.com/ent0n29/improvstage/internal/turn"),
	}
}

// ExecuteTurn runs one turn for s. turnNumber must be s.TurnCount+1. On any
// error before the persist step the store is not touched.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, s *session.Session, userInput string, turnNumber int) (res *Result, err error) {
	if s == nil {
		return nil, errors.New("execute turn: session is nil")
	}
	if o.agent == nil || o.store == nil {
		return nil, errors.New("execute turn: orchestrator is missing agent or store")
	}

	ctx, span := o.tracer.Start(ctx, "turn.execute", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int("turn.number", turnNumber),
	))
	defer span.End()

	logger := o.logger.With(slog.String("session_id", s.ID), slog.Int("turn_number", turnNumber))
	start := time.Now()
	defer func() {
		o.stages.ObserveDuration(observability.StageTurnTotal, time.Since(start))
		if err != nil {
			kind := reliability.Classify(err)
			o.metrics.TurnOutcome(string(kind))
			o.stages.ObserveIndicator("turn_" + string(kind))
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			logger.Warn("turn failed",
				slog.String("kind", string(kind)),
				slog.Bool("retryable", reliability.Retryable(err)),
				slog.String("error", err.Error()),
			)
			return
		}
		o.metrics.TurnOutcome("ok")
	}()

	stageStart := time.Now()
	contextText := o.cfg.Context.Build(s, userInput, turnNumber)
	o.stages.ObserveDuration(observability.StageContext, time.Since(stageStart))

	stageStart = time.Now()
	prompt := o.composer.Compose(s, userInput, turnNumber)
	fullPrompt := contextText + "\n\n" + prompt
	o.stages.ObserveDuration(observability.StagePrompt, time.Since(stageStart))

	logger.Debug("invoking agent",
		slog.String("input_preview", policy.LogPreview(userInput, 80)),
		slog.Int("context_tokens", scene.EstimateTokens(contextText)),
		slog.Int("prompt_chars", len(fullPrompt)),
	)

	stageStart = time.Now()
	raw, err := o.agent.Run(ctx, fullPrompt, agent.SessionKey{App: o.cfg.App, UserID: s.UserID, SessionID: s.ID}, o.cfg.AgentTimeout)
	agentElapsed := time.Since(stageStart)
	o.stages.ObserveDuration(observability.StageAgent, agentElapsed)
	o.metrics.ObserveAgentLatency(agentElapsed)
	if err != nil {
		return nil, fmt.Errorf("run agent: %w", err)
	}

	stageStart = time.Now()
	parsed, err := o.parser.Parse(raw, turnNumber)
	o.stages.ObserveDuration(observability.StageParse, time.Since(stageStart))
	if err != nil {
		return nil, fmt.Errorf("parse agent response: %w", err)
	}
	for _, d := range parsed.Diagnostics {
		o.metrics.ParseDiagnostic(string(d))
		o.stages.ObserveIndicator("parse_" + string(d))
	}

	update := o.buildUpdate(s, userInput, turnNumber, parsed)

	stageStart = time.Now()
	updated, err := o.store.ApplyTurn(ctx, s.ID, update)
	o.stages.ObserveDuration(observability.StagePersist, time.Since(stageStart))
	if err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}

	if update.SetPhase != nil {
		o.metrics.PhaseTransition(*update.SetPhase)
		logger.Info("scene phase changed",
			slog.String("from", s.PhaseLabel()),
			slog.String("to", *update.SetPhase),
		)
	}
	if update.SetStatus != nil && updated.Status == *update.SetStatus && s.Status != updated.Status {
		o.metrics.SessionEvent(string(updated.Status))
	}
	span.SetAttributes(
		attribute.Int("turn.phase", int(parsed.Phase)),
		attribute.Bool("turn.coached", parsed.CoachFeedback != nil),
	)
	logger.Info("turn complete",
		slog.Int("phase", int(parsed.Phase)),
		slog.String("energy", parsed.RoomVibe.Energy),
		slog.Bool("coached", parsed.CoachFeedback != nil),
		slog.Duration("agent_latency", agentElapsed),
	)

	return &Result{
		TurnNumber:      turnNumber,
		PartnerResponse: parsed.PartnerResponse,
		RoomVibe:        parsed.RoomVibe,
		CoachFeedback:   parsed.CoachFeedback,
		CurrentPhase:    int(parsed.Phase),
		Timestamp:       parsed.Timestamp,
		Session:         updated,
	}, nil
}

// buildUpdate decides the phase and status changes that ride along with the
// history append.
func (o *Orchestrator) buildUpdate(s *session.Session, userInput string, turnNumber int, parsed scene.Parsed) session.Update {
	label := parsed.Phase.Label()
	update := session.Update{
		ExpectedTurnCount: turnNumber - 1,
		AppendHistory: session.TurnRecord{
			TurnNumber:      turnNumber,
			UserInput:       userInput,
			PartnerResponse: parsed.PartnerResponse,
			RoomVibe:        parsed.RoomVibe,
			Phase:           label,
			CoachFeedback:   parsed.CoachFeedback,
			Timestamp:       parsed.Timestamp,
		},
	}
	if s.PhaseLabel() != label {
		update.SetPhase = &label
	}

	var next session.Status
	switch {
	case o.cfg.Policy.CoachDue(turnNumber):
		next = session.StatusSceneComplete
	case s.Status == session.StatusInitialized || s.Status == session.StatusMCPhase:
		next = session.StatusActive
	}
	if next != "" && s.Status.CanAdvanceTo(next) {
		update.SetStatus = &next
	}
	return update
}
