// Package store holds the durable byte stores the submission queue persists its
// collection into. Every backend keeps exactly one value under one key and
// replaces it atomically on Save.
package store

import (
	"context"
	"fmt"
	"strings"

	"offline-submission-queue/internal/config"
)

// Store is a single-key durable byte store.
type Store interface {
	// Load returns the stored value, or nil with no error when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored value. A failed Save leaves the previous value intact.
	Save(ctx context.Context, data []byte) error
	// Delete removes the value. Deleting an absent value is not an error.
	Delete(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	key := cfg.StoreKey
	if key == "" {
		key = "submission_queue"
	}
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "file":
		return NewFileStore(cfg.StorePath), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath, key)
	case "redis":
		return NewRedisStore(cfg), nil
	case "postgres":
		st, err := NewPostgresStore(ctx, cfg.PostgresDSN, key)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
