package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/queue"
)

// Job names on the workflow-execution topic.
const (
	JobExecuteWorkflow    = "execute-workflow"
	JobExecuteDelayedStep = "execute-delayed-step"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 30 * time.Second
)

// ExecutionJob is the payload of both execution jobs. Delayed continuations
// carry only the id and the resume point; everything else is reloaded.
type ExecutionJob struct {
	ExecutionID string `json:"executionId"`
	FromStep    int    `json:"fromStep,omitempty"`
}

// Enqueuer schedules execution jobs.
type Enqueuer interface {
	EnqueueExecution(ctx context.Context, executionID string) error
	EnqueueDelayedExecution(ctx context.Context, executionID string, fromStep int, delay time.Duration) error
}

type Queue struct {
	queue    queue.Queue
	attempts int
	backoff  queue.Backoff
	logger   *slog.Logger
}

func NewQueue(q queue.Queue, logger *slog.Logger) *Queue {
	return &Queue{
		queue:    q,
		attempts: DefaultAttempts,
		backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: DefaultBackoff},
		logger:   logger.With("module", "execution_queue"),
	}
}

func (q *Queue) options(jobID string, delay time.Duration) queue.JobOptions {
	return queue.JobOptions{
		JobID:    jobID,
		Delay:    delay,
		Attempts: q.attempts,
		Backoff:  q.backoff,
	}
}

// EnqueueExecution schedules the first run of an execution. A live job for
// the same execution makes this a no-op.
func (q *Queue) EnqueueExecution(ctx context.Context, executionID string) error {
	jobID := "execution-" + executionID

	_, err := q.queue.Add(ctx, queue.TopicWorkflowExecution, JobExecuteWorkflow,
		ExecutionJob{ExecutionID: executionID}, q.options(jobID, 0))
	if queue.IsDuplicate(err) {
		q.logger.DebugContext(ctx, "Execution already queued", "execution_id", executionID)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to enqueue execution %s: %w", executionID, err)
	}

	q.logger.InfoContext(ctx, "Execution enqueued", "execution_id", executionID, "job_id", jobID)

	return nil
}

// EnqueueDelayedExecution schedules the continuation of a paused execution
// from the node with the given execution order.
func (q *Queue) EnqueueDelayedExecution(ctx context.Context, executionID string, fromStep int, delay time.Duration) error {
	jobID := fmt.Sprintf("delayed-%s-%d", executionID, fromStep)

	_, err := q.queue.Add(ctx, queue.TopicWorkflowExecution, JobExecuteDelayedStep,
		ExecutionJob{ExecutionID: executionID, FromStep: fromStep}, q.options(jobID, delay))
	if queue.IsDuplicate(err) {
		q.logger.DebugContext(ctx, "Delayed continuation already queued", "execution_id", executionID, "from_step", fromStep)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to enqueue delayed execution %s: %w", executionID, err)
	}

	q.logger.InfoContext(ctx, "Delayed continuation enqueued",
		"execution_id", executionID,
		"from_step", fromStep,
		"delay", delay,
	)

	return nil
}

// Metrics is a snapshot of the workflow-execution topic.
type Metrics struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

func (q *Queue) Metrics(ctx context.Context) (Metrics, error) {
	counts, err := q.queue.Counts(ctx, queue.TopicWorkflowExecution)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to count execution jobs: %w", err)
	}

	return Metrics{
		Waiting: counts.Waiting,
		Active:  counts.Active,
		Delayed: counts.Delayed,
		Failed:  counts.Failed,
	}, nil
}
