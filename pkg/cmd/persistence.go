package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/persistence/memory"
	"github.com/dukex/flowtrack/pkg/persistence/postgresql"
)

// NewPersistence opens PostgreSQL for postgres:// and postgresql:// URLs
// and falls back to the in-memory store for "memory" or an empty URL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres persistence: %w", err)
		}

		return store, nil
	case "memory":
		logger.WarnContext(ctx, "Using in-memory persistence, data is lost on restart")

		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported database url: %s", databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	if databaseURL == "" || databaseURL == "memory" {
		return "memory"
	}

	provider, _, _ := strings.Cut(databaseURL, "://")

	switch provider {
	case "postgres", "postgresql":
		return "postgresql"
	case "memory":
		return "memory"
	default:
		return provider
	}
}
