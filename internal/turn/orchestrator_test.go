package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/improvstage/internal/agent"
	"github.com/ent0n29/improvstage/internal/observability"
	"github.com/ent0n29/improvstage/internal/scene"
	"github.com/ent0n29/improvstage/internal/session"
)

type fakeRunner struct {
	mu      sync.Mutex
	reply   func(prompt string) string
	err     error
	prompts []string
	keys    []agent.SessionKey
}

func (f *fakeRunner) Run(_ context.Context, prompt string, key agent.SessionKey, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.keys = append(f.keys, key)
	if f.err != nil {
		return "", f.err
	}
	if f.reply != nil {
		return f.reply(prompt), nil
	}
	return "PARTNER: Yes, and the airlock sings.\nROOM: The audience is loving it and laughing.\nCOACH: Nice specificity.", nil
}

type recordingStore struct {
	*session.MemoryStore
	mu      sync.Mutex
	updates []session.Update
}

func (r *recordingStore) ApplyTurn(ctx context.Context, id string, u session.Update) (*session.Session, error) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return r.MemoryStore.ApplyTurn(ctx, id, u)
}

func (r *recordingStore) lastUpdate(t *testing.T) session.Update {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.updates)
	return r.updates[len(r.updates)-1]
}

type harness struct {
	orch    *Orchestrator
	runner  *fakeRunner
	store   *recordingStore
	metrics *observability.Metrics
	stages  *observability.TurnStageWindow
}

func newHarness(t *testing.T, runner *fakeRunner) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &recordingStore{MemoryStore: session.NewMemoryStore()}
	metrics := observability.NewMetrics("improvstage_test", prometheus.NewRegistry())
	stages := observability.NewTurnStageWindow(32)
	orch := New(Config{AgentTimeout: time.Second}, Deps{
		Agent:   runner,
		Store:   store,
		Metrics: metrics,
		Stages:  stages,
		Logger:  logger,
	})
	return &harness{orch: orch, runner: runner, store: store, metrics: metrics, stages: stages}
}

// advance plays n turns through the orchestrator and returns the final session.
func (h *harness) advance(t *testing.T, s *session.Session, n int) *session.Session {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := h.orch.ExecuteTurn(context.Background(), s, fmt.Sprintf("line %d", s.TurnCount+1), s.TurnCount+1)
		require.NoError(t, err)
		s = res.Session
	}
	return s
}

func createSession(t *testing.T, h *harness, location string) *session.Session {
	t.Helper()
	s, err := h.store.Create(context.Background(), session.CreateParams{UserID: "u1", UserEmail: "u1@example.com", Location: location})
	require.NoError(t, err)
	return s
}

func TestExecuteTurnFirstTurnActivatesSession(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	s := createSession(t, h, "Diner")

	res, err := h.orch.ExecuteTurn(context.Background(), s, "Two coffees please", 1)
	require.NoError(t, err)

	u := h.store.lastUpdate(t)
	require.NotNil(t, u.SetStatus)
	assert.Equal(t, session.StatusActive, *u.SetStatus)
	require.NotNil(t, u.SetPhase)
	assert.Equal(t, "PHASE_1", *u.SetPhase)
	assert.Equal(t, 0, u.ExpectedTurnCount)

	assert.Equal(t, 1, res.TurnNumber)
	assert.Equal(t, 1, res.CurrentPhase)
	assert.Equal(t, "Yes, and the airlock sings.", res.PartnerResponse)
	assert.Nil(t, res.CoachFeedback)
	assert.True(t, res.RoomVibe.Mood.LaughterDetected)
	assert.Equal(t, session.StatusActive, res.Session.Status)
	assert.Equal(t, 1, res.Session.TurnCount)

	require.Len(t, h.runner.keys, 1)
	assert.Equal(t, agent.SessionKey{App: DefaultApp, UserID: "u1", SessionID: s.ID}, h.runner.keys[0])
	assert.Contains(t, h.runner.prompts[0], "Two coffees please")
	assert.Contains(t, h.runner.prompts[0], "Location: Diner")
}

func TestExecuteTurnEntersPhaseTwoAtTurnFour(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	s := createSession(t, h, "Mars Colony")
	s = h.advance(t, s, 3)
	require.Equal(t, 3, s.TurnCount)
	require.Equal(t, "PHASE_1", s.PhaseLabel())

	res, err := h.orch.ExecuteTurn(context.Background(), s, "Let's check oxygen", 4)
	require.NoError(t, err)

	assert.Equal(t, 2, res.CurrentPhase)
	assert.Contains(t, h.runner.prompts[len(h.runner.prompts)-1], "Phase 2 (Fallible)")
	u := h.store.lastUpdate(t)
	require.NotNil(t, u.SetPhase)
	assert.Equal(t, "PHASE_2", *u.SetPhase)
	assert.Nil(t, u.SetStatus)
	assert.Equal(t, "PHASE_2", res.Session.PhaseLabel())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PhaseTransitions.WithLabelValues("PHASE_2")))
}

func TestExecuteTurnSamePhaseLeavesPhaseUnset(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	s := createSession(t, h, "Attic")
	s = h.advance(t, s, 1)

	_, err := h.orch.ExecuteTurn(context.Background(), s, "Look, a trunk", 2)
	require.NoError(t, err)
	u := h.store.lastUpdate(t)
	assert.Nil(t, u.SetPhase)
	assert.Nil(t, u.SetStatus)
}

func TestExecuteTurnCoachTurnCompletesScene(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	s := createSession(t, h, "Lighthouse")
	s = h.advance(t, s, 14)
	for _, rec := range s.History {
		require.Nil(t, rec.CoachFeedback, "turn %d", rec.TurnNumber)
	}

	res, err := h.orch.ExecuteTurn(context.Background(), s, "Goodnight, keeper", 15)
	require.NoError(t, err)

	require.NotNil(t, res.CoachFeedback)
	assert.Equal(t, "Nice specificity.", *res.CoachFeedback)
	u := h.store.lastUpdate(t)
	require.NotNil(t, u.SetStatus)
	assert.Equal(t, session.StatusSceneComplete, *u.SetStatus)
	assert.Equal(t, session.StatusSceneComplete, res.Session.Status)
	assert.Contains(t, h.runner.prompts[len(h.runner.prompts)-1], "COACH:")
}

func TestExecuteTurnHistoryInvariant(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	s := createSession(t, h, "Submarine")
	s = h.advance(t, s, 12)

	got, err := h.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.TurnCount)
	require.Len(t, got.History, 12)
	for i, rec := range got.History {
		assert.Equal(t, i+1, rec.TurnNumber)
		assert.Equal(t, fmt.Sprintf("line %d", i+1), rec.UserInput)
	}
	assert.Equal(t, 12.0, testutil.ToFloat64(h.metrics.Turns.WithLabelValues("ok")))
}

func TestExecuteTurnTimeoutDoesNotPersist(t *testing.T) {
	h := newHarness(t, &fakeRunner{err: agent.ErrAgentTimeout})
	s := createSession(t, h, "Cave")

	res, err := h.orch.ExecuteTurn(context.Background(), s, "Hello?", 1)
	require.ErrorIs(t, err, agent.ErrAgentTimeout)
	assert.Nil(t, res)
	assert.Empty(t, h.store.updates)

	got, err := h.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TurnCount)
	assert.Equal(t, session.StatusInitialized, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Turns.WithLabelValues("timeout")))
}

func TestExecuteTurnTimeoutWithRealInvoker(t *testing.T) {
	slow := agent.NewMockRuntime(100 * time.Millisecond)
	inv := agent.NewInvoker(slow, nil, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	store := &recordingStore{MemoryStore: session.NewMemoryStore()}
	orch := New(Config{AgentTimeout: 20 * time.Millisecond}, Deps{Agent: inv, Store: store})

	s, err := store.Create(context.Background(), session.CreateParams{UserID: "u1"})
	require.NoError(t, err)
	_, err = orch.ExecuteTurn(context.Background(), s, "Hello?", 1)
	require.ErrorIs(t, err, agent.ErrAgentTimeout)
	assert.Empty(t, store.updates)
}

func TestExecuteTurnEmptyPartnerDoesNotPersist(t *testing.T) {
	h := newHarness(t, &fakeRunner{reply: func(string) string { return "PARTNER: \nROOM: fine" }})
	s := createSession(t, h, "Cave")

	_, err := h.orch.ExecuteTurn(context.Background(), s, "Hello?", 1)
	require.ErrorIs(t, err, scene.ErrEmptyPartnerResponse)
	assert.Empty(t, h.store.updates)
}

func TestExecuteTurnPropagatesRuntimeErrors(t *testing.T) {
	boom := errors.New("runtime exploded")
	h := newHarness(t, &fakeRunner{err: boom})
	s := createSession(t, h, "Cave")

	_, err := h.orch.ExecuteTurn(context.Background(), s, "Hello?", 1)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, h.store.updates)
}

func TestExecuteTurnStaleTurnNumberConflicts(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	s := createSession(t, h, "Garden")
	_ = h.advance(t, s, 1)

	// Replaying turn 1 against the stale snapshot must not append twice.
	_, err := h.orch.ExecuteTurn(context.Background(), s, "again", 1)
	require.ErrorIs(t, err, session.ErrTurnConflict)

	got, err := h.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TurnCount)
	assert.Len(t, got.History, 1)
}

func TestExecuteTurnRecordsParseDiagnostics(t *testing.T) {
	h := newHarness(t, &fakeRunner{reply: func(string) string { return "Sure thing, captain." }})
	s := createSession(t, h, "Bridge")

	res, err := h.orch.ExecuteTurn(context.Background(), s, "Engage!", 1)
	require.NoError(t, err)
	assert.Equal(t, "Sure thing, captain.", res.PartnerResponse)
	assert.Equal(t, scene.EnergyEngaged, res.RoomVibe.Energy)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ParseDiagnostics.WithLabelValues(string(scene.DiagPartnerMarkerMissing))))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ParseDiagnostics.WithLabelValues(string(scene.DiagRoomMarkerMissing))))

	snap := h.stages.Snapshot()
	var stages []string
	for _, st := range snap.Stages {
		stages = append(stages, st.Stage)
	}
	assert.Equal(t, "context,prompt,agent,parse,persist,turn_total", strings.Join(stages, ","))
}

func TestExecuteTurnPromptCarriesContext(t *testing.T) {
	h := newHarness(t, &fakeRunner{})
	s := createSession(t, h, "Museum")
	s = h.advance(t, s, 4)

	_, err := h.orch.ExecuteTurn(context.Background(), s, "Don't touch the dinosaur", 5)
	require.NoError(t, err)
	prompt := h.runner.prompts[len(h.runner.prompts)-1]
	assert.True(t, strings.HasPrefix(prompt, "Location: Museum\nCurrent turn: 5"))
	assert.Contains(t, prompt, "Turn 4: User: line 4")
	assert.NotContains(t, prompt, "Turn 1: User:")
	assert.Contains(t, prompt, "Don't touch the dinosaur")
}
