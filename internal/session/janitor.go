package session

import (
	"context"
	"log/slog"
	"time"
)

// RunJanitor periodically expires stale sessions until ctx is done. onExpire
// runs outside any store lock for every session moved to StatusTimeout.
func RunJanitor(ctx context.Context, sweeper Sweeper, interval time.Duration, logger *slog.Logger, onExpire func(*Session)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := sweeper.ExpireStale(ctx)
			if err != nil {
				logger.Warn("session sweep failed", slog.String("error", err.Error()))
				continue
			}
			for _, s := range expired {
				logger.Info("session expired", slog.String("session_id", s.ID), slog.Int("turn_count", s.TurnCount))
				if onExpire != nil {
					onExpire(s)
				}
			}
		}
	}
}
