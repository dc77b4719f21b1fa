package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/improvstage/internal/protocol"
	"github.com/ent0n29/improvstage/internal/reliability"
)

type scriptedRuntime struct {
	events []protocol.Event
	delay  time.Duration
	err    error
	last   RunRequest
}

func (r *scriptedRuntime) Stream(ctx context.Context, req RunRequest, onEvent EventHandler) error {
	r.last = req
	for _, ev := range r.events {
		if r.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay):
			}
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return r.err
}

// blockingRuntime ignores cancellation entirely.
type blockingRuntime struct{ release chan struct{} }

func (r *blockingRuntime) Stream(_ context.Context, _ RunRequest, onEvent EventHandler) error {
	_ = onEvent(protocol.TextFragment{Text: "partial"})
	<-r.release
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testKey = SessionKey{App: "improvstage", UserID: "u1", SessionID: "s1"}

func TestInvokerConcatenatesTextInOrder(t *testing.T) {
	rt := &scriptedRuntime{events: []protocol.Event{
		protocol.TextFragment{Text: "PARTNER: "},
		protocol.AudioChunk{Format: "pcm16", Data: []byte{1, 2}},
		protocol.TextFragment{Text: "hello"},
		protocol.ToolCall{ID: "c1", Name: "lookup"},
		protocol.ToolResult{ID: "c1", Name: "lookup", Output: "ok"},
		protocol.TextFragment{Text: "\nROOM: warm"},
		protocol.Done{Reason: "stop"},
	}}
	inv := NewInvoker(rt, nil, time.Second, quietLogger())

	got, err := inv.Run(context.Background(), "prompt", testKey, 0)
	require.NoError(t, err)
	assert.Equal(t, "PARTNER: hello\nROOM: warm", got)
	assert.Equal(t, "prompt", rt.last.Prompt)
	assert.Equal(t, "s1", rt.last.SessionID)
	assert.NotEmpty(t, rt.last.RuntimeSessionID)
}

func TestInvokerReusesRuntimeSessionPerKey(t *testing.T) {
	rt := &scriptedRuntime{events: []protocol.Event{protocol.TextFragment{Text: "x"}}}
	sessions := NewMemorySessionService()
	inv := NewInvoker(rt, sessions, time.Second, quietLogger())

	_, err := inv.Run(context.Background(), "a", testKey, 0)
	require.NoError(t, err)
	first := rt.last.RuntimeSessionID
	_, err = inv.Run(context.Background(), "b", testKey, 0)
	require.NoError(t, err)
	assert.Equal(t, first, rt.last.RuntimeSessionID)

	other := testKey
	other.SessionID = "s2"
	_, err = inv.Run(context.Background(), "c", other, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first, rt.last.RuntimeSessionID)
	assert.Equal(t, 2, sessions.Len())
}

func TestInvokerTimeoutReturnsNoPartialText(t *testing.T) {
	rt := &scriptedRuntime{
		events: []protocol.Event{protocol.TextFragment{Text: "a"}, protocol.TextFragment{Text: "b"}},
		delay:  200 * time.Millisecond,
	}
	inv := NewInvoker(rt, nil, time.Second, quietLogger())

	got, err := inv.Run(context.Background(), "prompt", testKey, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrAgentTimeout)
	assert.Empty(t, got)
	assert.Equal(t, reliability.KindTimeout, reliability.Classify(err))
}

func TestInvokerTimeoutDoesNotWaitForStuckRuntime(t *testing.T) {
	rt := &blockingRuntime{release: make(chan struct{})}
	defer close(rt.release)
	inv := NewInvoker(rt, nil, time.Second, quietLogger())

	start := time.Now()
	got, err := inv.Run(context.Background(), "prompt", testKey, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrAgentTimeout)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvokerPropagatesRuntimeErrors(t *testing.T) {
	boom := errors.New("boom")
	inv := NewInvoker(&scriptedRuntime{err: boom}, nil, time.Second, quietLogger())
	_, err := inv.Run(context.Background(), "prompt", testKey, 0)
	require.Same(t, boom, err)

	rtErr := protocol.ErrorEvent{Code: "overloaded", Message: "busy"}
	inv = NewInvoker(&scriptedRuntime{events: []protocol.Event{rtErr}}, nil, time.Second, quietLogger())
	_, err = inv.Run(context.Background(), "prompt", testKey, 0)
	var got protocol.ErrorEvent
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "overloaded", got.Code)
}

func TestInvokerCallerCancellationIsNotTimeout(t *testing.T) {
	rt := &scriptedRuntime{events: []protocol.Event{protocol.TextFragment{Text: "a"}}, delay: time.Second}
	inv := NewInvoker(rt, nil, 5*time.Second, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inv.Run(ctx, "prompt", testKey, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAgentTimeout)
}

func TestInvokerRejectsIncompleteKey(t *testing.T) {
	inv := NewInvoker(&scriptedRuntime{}, nil, time.Second, quietLogger())
	_, err := inv.Run(context.Background(), "prompt", SessionKey{App: "improvstage"}, 0)
	require.ErrorIs(t, err, ErrInvalidSessionKey)
}
