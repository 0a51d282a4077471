package memory

import (
	"context"
	"strings"
)

const (
	ModePostgres = "postgres"
	ModeInMemory = "in-memory"
)

// NewStore opens PostgreSQL when a URL is configured and falls back to the
// process-local store otherwise. The returned mode is reported by health checks.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), ModeInMemory, nil
	}
	st, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return st, ModePostgres, nil
}
