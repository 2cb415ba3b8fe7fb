package memory

import (
	"context"
	"strings"
)

// NewStore picks the transcript backend: PostgreSQL when a database URL is
// configured, process memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		logger.Info("conversation store: in-memory")
		return NewInMemoryStore(), nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("conversation store: postgres")
	return store, nil
}
