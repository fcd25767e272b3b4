// Package maintenance schedules and runs the periodic housekeeping jobs of
// the maintenance topic.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/webhook"
)

const (
	JobReprocessDeadLetters   = "reprocess-dead-letters"
	JobCleanupIdempotencyKeys = "cleanup-idempotency-keys"
	JobCleanupPollingRuns     = "cleanup-polling-runs"
	JobCleanupQueueJobs       = "cleanup-queue-jobs"

	DefaultReprocessCron = "*/15 * * * *"
	DefaultCleanupCron   = "0 3 * * *"

	completedJobGrace = 24 * time.Hour
	failedJobGrace    = 7 * 24 * time.Hour
)

// DeadLetters replays pending dead letter items.
type DeadLetters interface {
	ReprocessPending(ctx context.Context, limit int) (webhook.ReprocessResult, error)
}

type IdempotencyKeys interface {
	CleanupIdempotencyKeys(ctx context.Context) (int, error)
}

// Polling is the housekeeping the polling scheduler owns.
type Polling interface {
	CleanupPollingRuns(ctx context.Context) (int, error)
	CleanupQueueJobs(ctx context.Context) (int, error)
}

type Tasks struct {
	queue         queue.Queue
	deadLetters   DeadLetters
	keys          IdempotencyKeys
	polling       Polling
	batch         int
	reprocessCron string
	cleanupCron   string
	logger        *slog.Logger
}

type Option func(*Tasks)

// WithBatch sets how many dead letter items one run replays.
func WithBatch(n int) Option {
	return func(t *Tasks) {
		if n > 0 {
			t.batch = n
		}
	}
}

func WithSchedules(reprocessCron, cleanupCron string) Option {
	return func(t *Tasks) {
		if reprocessCron != "" {
			t.reprocessCron = reprocessCron
		}

		if cleanupCron != "" {
			t.cleanupCron = cleanupCron
		}
	}
}

func New(q queue.Queue, deadLetters DeadLetters, keys IdempotencyKeys, polling Polling, logger *slog.Logger, opts ...Option) *Tasks {
	t := &Tasks{
		queue:         q,
		deadLetters:   deadLetters,
		keys:          keys,
		polling:       polling,
		batch:         webhook.DefaultDeadLetterLimit,
		reprocessCron: DefaultReprocessCron,
		cleanupCron:   DefaultCleanupCron,
		logger:        logger.With("module", "maintenance"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Tasks) schedules() []queue.RepeatableJob {
	options := queue.JobOptions{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute},
	}

	return []queue.RepeatableJob{
		{Key: JobReprocessDeadLetters, Name: JobReprocessDeadLetters, Cron: t.reprocessCron, Options: options},
		{Key: JobCleanupIdempotencyKeys, Name: JobCleanupIdempotencyKeys, Cron: t.cleanupCron, Options: options},
		{Key: JobCleanupPollingRuns, Name: JobCleanupPollingRuns, Cron: t.cleanupCron, Options: options},
		{Key: JobCleanupQueueJobs, Name: JobCleanupQueueJobs, Cron: t.cleanupCron, Options: options},
	}
}

// Schedule registers every maintenance schedule. Unchanged schedules keep
// their pending occurrence.
func (t *Tasks) Schedule(ctx context.Context) error {
	existing, err := t.queue.Repeatables(ctx, queue.TopicMaintenance)
	if err != nil {
		return fmt.Errorf("failed to list maintenance schedules: %w", err)
	}

	current := make(map[string]queue.RepeatableJob, len(existing))
	for _, job := range existing {
		current[job.Key] = job
	}

	for _, schedule := range t.schedules() {
		if job, ok := current[schedule.Key]; ok && job.Same(schedule) {
			continue
		}

		_, err = t.queue.AddRepeatable(ctx, queue.TopicMaintenance, schedule)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", schedule.Key, err)
		}
	}

	t.logger.InfoContext(ctx, "Maintenance jobs scheduled")

	return nil
}

func (t *Tasks) Handler() queue.Handler {
	return queue.Dispatch(t.logger, map[string]queue.Handler{
		JobReprocessDeadLetters:   t.reprocessDeadLetters,
		JobCleanupIdempotencyKeys: t.cleanupIdempotencyKeys,
		JobCleanupPollingRuns:     t.cleanupPollingRuns,
		JobCleanupQueueJobs:       t.cleanupQueueJobs,
	})
}

func (t *Tasks) reprocessDeadLetters(ctx context.Context, _ *queue.Job) error {
	result, err := t.deadLetters.ReprocessPending(ctx, t.batch)
	if err != nil {
		return fmt.Errorf("failed to reprocess dead letters: %w", err)
	}

	t.logger.InfoContext(ctx, "Dead letter reprocessing finished",
		"attempted", result.Attempted,
		"resolved", result.Resolved,
		"failed", result.Failed,
	)

	return nil
}

func (t *Tasks) cleanupIdempotencyKeys(ctx context.Context, _ *queue.Job) error {
	_, err := t.keys.CleanupIdempotencyKeys(ctx)

	return err
}

func (t *Tasks) cleanupPollingRuns(ctx context.Context, _ *queue.Job) error {
	_, err := t.polling.CleanupPollingRuns(ctx)

	return err
}

// cleanupQueueJobs drops old finished jobs from every topic the engine runs.
func (t *Tasks) cleanupQueueJobs(ctx context.Context, _ *queue.Job) error {
	_, err := t.polling.CleanupQueueJobs(ctx)
	if err != nil {
		return err
	}

	for _, topic := range []string{queue.TopicWorkflowExecution, queue.TopicMaintenance} {
		completed, err := t.queue.Clean(ctx, topic, completedJobGrace, queue.StateCompleted)
		if err != nil {
			return fmt.Errorf("failed to clean %s: %w", topic, err)
		}

		failed, err := t.queue.Clean(ctx, topic, failedJobGrace, queue.StateFailed)
		if err != nil {
			return fmt.Errorf("failed to clean %s: %w", topic, err)
		}

		t.logger.InfoContext(ctx, "Cleaned up old queue jobs", "topic", topic, "completed", completed, "failed", failed)
	}

	return nil
}
