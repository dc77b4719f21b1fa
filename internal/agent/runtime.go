package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/improvstage/internal/protocol"
)

// RunRequest is one prompt sent to a runtime session.
type RunRequest struct {
	Key              SessionKey `json:"-"`
	App              string     `json:"app"`
	UserID           string     `json:"user_id"`
	SessionID        string     `json:"session_id"`
	RuntimeSessionID string     `json:"runtime_session_id"`
	Prompt           string     `json:"prompt"`
}

func newRunRequest(key SessionKey, runtimeSessionID, prompt string) RunRequest {
	return RunRequest{
		Key:              key,
		App:              key.App,
		UserID:           key.UserID,
		SessionID:        key.SessionID,
		RuntimeSessionID: runtimeSessionID,
		Prompt:           prompt,
	}
}

// EventHandler receives runtime events in arrival order. Returning an error
// stops the stream.
type EventHandler func(ev protocol.Event) error

// Runtime is the conversational completion capability behind the invoker.
// Stream must return promptly once ctx is done.
type Runtime interface {
	Stream(ctx context.Context, req RunRequest, onEvent EventHandler) error
}

// Config controls runtime construction.
type Config struct {
	Mode          string
	HTTPURL       string
	WSURL         string
	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	MockDelay     time.Duration
}

func NewRuntime(cfg Config) (Runtime, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoRuntime(cfg), nil
	case "mock":
		return NewMockRuntime(cfg.MockDelay), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent runtime http url is required for http mode")
		}
		return NewHTTPRuntime(cfg.HTTPURL), nil
	case "ws":
		if strings.TrimSpace(cfg.WSURL) == "" {
			return nil, errors.New("agent runtime websocket url is required for ws mode")
		}
		return NewWSRuntime(cfg.WSURL)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIRuntime(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported agent runtime mode %q", cfg.Mode)
	}
}

// newAutoRuntime prefers a configured remote runtime and falls back to the
// deterministic mock so local runs always produce scenes.
func newAutoRuntime(cfg Config) Runtime {
	var primary Runtime
	switch {
	case strings.TrimSpace(cfg.OpenAIKey) != "":
		primary = NewOpenAIRuntime(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	case strings.TrimSpace(cfg.WSURL) != "":
		if ws, err := NewWSRuntime(cfg.WSURL); err == nil {
			primary = ws
		}
	case strings.TrimSpace(cfg.HTTPURL) != "":
		primary = NewHTTPRuntime(cfg.HTTPURL)
	}
	mock := NewMockRuntime(cfg.MockDelay)
	if primary == nil {
		return mock
	}
	return NewFallbackRuntime(primary, mock)
}

// RuntimeName reports a short label for logs and metrics.
func RuntimeName(r Runtime) string {
	switch rt := r.(type) {
	case *MockRuntime:
		return "mock"
	case *HTTPRuntime:
		return "http"
	case *WSRuntime:
		return "ws"
	case *OpenAIRuntime:
		return "openai"
	case *FallbackRuntime:
		return RuntimeName(rt.Primary()) + "+" + RuntimeName(rt.Secondary())
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", r)
	}
}
