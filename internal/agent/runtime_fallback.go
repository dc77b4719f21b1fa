package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/improvstage/internal/protocol"
)

// FallbackRuntime tries the primary runtime and switches to the secondary when
// the primary fails before producing any text. Context errors never fall back.
type FallbackRuntime struct {
	primary  Runtime
	fallback Runtime
}

func NewFallbackRuntime(primary, fallback Runtime) *FallbackRuntime {
	return &FallbackRuntime{primary: primary, fallback: fallback}
}

func (r *FallbackRuntime) Primary() Runtime {
	if r == nil {
		return nil
	}
	return r.primary
}

func (r *FallbackRuntime) Secondary() Runtime {
	if r == nil {
		return nil
	}
	return r.fallback
}

func (r *FallbackRuntime) Stream(ctx context.Context, req RunRequest, onEvent EventHandler) error {
	if r == nil || r.primary == nil {
		if r != nil && r.fallback != nil {
			return r.fallback.Stream(ctx, req, onEvent)
		}
		return errors.New("fallback runtime misconfigured")
	}

	emittedText := false
	err := r.primary.Stream(ctx, req, func(ev protocol.Event) error {
		if t, ok := ev.(protocol.TextFragment); ok && t.Text != "" {
			emittedText = true
		}
		if onEvent == nil {
			return nil
		}
		return onEvent(ev)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return err
	}
	// Replaying on the secondary after partial text would duplicate it.
	if emittedText || r.fallback == nil {
		return err
	}
	if fbErr := r.fallback.Stream(ctx, req, onEvent); fbErr != nil {
		return fmt.Errorf("primary runtime error: %w; fallback runtime error: %v", err, fbErr)
	}
	return nil
}
