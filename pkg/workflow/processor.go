package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/queue"
)

// DefaultConcurrency is the number of executions one worker runs at once.
const DefaultConcurrency = 5

var errMissingExecutionID = errors.New("job has no execution id")

// Processor consumes the workflow-execution topic.
type Processor struct {
	executor *Executor
	logger   *slog.Logger
}

func NewProcessor(executor *Executor, logger *slog.Logger) *Processor {
	return &Processor{
		executor: executor,
		logger:   logger.With("module", "workflow_processor"),
	}
}

func (p *Processor) Handler() queue.Handler {
	return queue.Dispatch(p.logger, map[string]queue.Handler{
		JobExecuteWorkflow:    p.process,
		JobExecuteDelayedStep: p.process,
	})
}

// Worker returns a queue worker running this processor's handler.
func (p *Processor) Worker(q queue.Queue, opts ...queue.WorkerOption) *queue.Worker {
	opts = append([]queue.WorkerOption{queue.WithConcurrency(DefaultConcurrency)}, opts...)

	return queue.NewWorker(q, queue.TopicWorkflowExecution, p.Handler(), p.logger, opts...)
}

func (p *Processor) process(ctx context.Context, job *queue.Job) error {
	var data ExecutionJob

	err := job.Decode(&data)
	if err != nil {
		return queue.Permanent(err)
	}

	if data.ExecutionID == "" {
		return queue.Permanent(fmt.Errorf("%w: %s", errMissingExecutionID, job.ID))
	}

	p.logger.DebugContext(ctx, "Processing execution job",
		"job_id", job.ID,
		"job_name", job.Name,
		"execution_id", data.ExecutionID,
		"from_step", data.FromStep,
		"attempt", job.AttemptsMade,
	)

	err = p.executor.Execute(ctx, data.ExecutionID, data.FromStep)
	if err == nil {
		return nil
	}

	if IsPermanent(err) {
		return queue.Permanent(err)
	}

	if job.FinalAttempt() {
		failErr := p.executor.Fail(ctx, data.ExecutionID, err)
		if failErr != nil {
			p.logger.ErrorContext(ctx, "Failed to mark execution failed", "execution_id", data.ExecutionID, "error", failErr)
		}
	}

	return err
}
