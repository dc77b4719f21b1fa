package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Backend     string
	DatabaseURL string
	BadgerPath  string
	Logger      *slog.Logger
}

// NewStore creates the configured backend. An empty backend picks postgres
// when a database URL is set, otherwise the in-memory store.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		backend = "memory"
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			backend = "postgres"
		}
	}
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(BadgerConfig{Path: cfg.BadgerPath, Logger: cfg.Logger})
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres session store requires a database url")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported session store backend %q", cfg.Backend)
	}
}
