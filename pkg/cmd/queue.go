package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/queue/memqueue"
	"github.com/dukex/flowtrack/pkg/queue/redisqueue"
)

// NewQueue connects to Redis when a URL is given. Without one the queue
// lives in process, which only works when API and worker share a process.
func NewQueue(ctx context.Context, redisURL string, logger *slog.Logger) (queue.Queue, error) {
	if redisURL == "" {
		logger.WarnContext(ctx, "No Redis URL configured, using in-memory queue")

		return memqueue.New(), nil
	}

	q, err := redisqueue.New(ctx, redisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect job queue: %w", err)
	}

	return q, nil
}
