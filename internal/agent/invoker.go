package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/improvstage/internal/protocol"
	"github.com/ent0n29/improvstage/internal/reliability"
)

const DefaultTimeout = 30 * time.Second

var ErrAgentTimeout = reliability.NewError(reliability.KindTimeout, "agent execution timed out")

// Invoker runs one prompt through a runtime and returns the concatenated text
// fragments. It never retries.
type Invoker struct {
	runtime  Runtime
	sessions SessionService
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewInvoker(runtime Runtime, sessions SessionService, timeout time.Duration, logger *slog.Logger) *Invoker {
	if sessions == nil {
		sessions = NewMemorySessionService()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		runtime:  runtime,
		sessions: sessions,
		timeout:  timeout,
		logger:   logger,
		tracer:   otel.Tracer("github.com/ent0n29/improvstage/internal/agent"),
	}
}

// Timeout is the bound applied when Run is called with a zero timeout.
func (i *Invoker) Timeout() time.Duration { return i.timeout }

// Sessions exposes the runtime session service so callers can release keys.
func (i *Invoker) Sessions() SessionService { return i.sessions }

// Run resolves the runtime session for key and streams prompt through it.
// Session lookup and collection share one deadline; when it passes Run
// returns ErrAgentTimeout and discards any partial text. Runtime errors are
// returned unchanged.
func (i *Invoker) Run(ctx context.Context, prompt string, key SessionKey, timeout time.Duration) (string, error) {
	if i == nil || i.runtime == nil {
		return "", errors.New("agent invoker has no runtime")
	}
	if timeout <= 0 {
		timeout = i.timeout
	}

	ctx, span := i.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.app", key.App),
		attribute.String("agent.session_id", key.SessionID),
		attribute.String("agent.runtime", RuntimeName(i.runtime)),
		attribute.Int64("agent.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	resultCh := make(chan result, 1)
	start := time.Now()

	go func() {
		text, err := i.collect(runCtx, prompt, key)
		resultCh <- result{text: text, err: err}
	}()

	var res result
	select {
	case res = <-resultCh:
	case <-runCtx.Done():
		res = result{err: runCtx.Err()}
	}

	if res.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		i.logger.Warn("agent run timed out",
			slog.String("session_id", key.SessionID),
			slog.Duration("timeout", timeout),
			slog.Duration("elapsed", time.Since(start)),
		)
		span.SetStatus(codes.Error, "timeout")
		return "", ErrAgentTimeout
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return "", res.err
	}

	span.SetAttributes(attribute.Int("agent.response_chars", len(res.text)))
	i.logger.Debug("agent run complete",
		slog.String("session_id", key.SessionID),
		slog.Int("response_chars", len(res.text)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res.text, nil
}

func (i *Invoker) collect(ctx context.Context, prompt string, key SessionKey) (string, error) {
	rs, err := i.sessions.GetOrCreate(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve runtime session %s: %w", key, err)
	}

	var out strings.Builder
	err = i.runtime.Stream(ctx, newRunRequest(key, rs.ID, prompt), func(ev protocol.Event) error {
		switch e := ev.(type) {
		case protocol.TextFragment:
			out.WriteString(e.Text)
		case protocol.ErrorEvent:
			return e
		case protocol.ToolCall:
			i.logger.Debug("agent tool call", slog.String("session_id", key.SessionID), slog.String("tool", e.Name))
		case protocol.ToolResult:
			i.logger.Debug("agent tool result", slog.String("session_id", key.SessionID), slog.String("tool", e.Name), slog.Bool("is_error", e.IsError))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}
