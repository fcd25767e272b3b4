package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/cmd"
	"github.com/dukex/flowtrack/pkg/config"
	"github.com/dukex/flowtrack/pkg/events"
	"github.com/dukex/flowtrack/pkg/queue"
)

// WorkerManager runs one queue worker per topic the engine consumes.
type WorkerManager struct {
	services *cmd.Services
	config   config.Config
	logger   *slog.Logger
	workers  []*queue.Worker
}

func NewWorkerManager(services *cmd.Services, cfg config.Config, logger *slog.Logger) *WorkerManager {
	return &WorkerManager{
		services: services,
		config:   cfg,
		logger:   logger.With("module", "worker_manager"),
	}
}

// Setup installs the repeatable schedules, subscribes to lifecycle events
// and builds the workers without starting them.
func (w *WorkerManager) Setup(ctx context.Context) error {
	err := w.services.Polling.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile polling schedules: %w", err)
	}

	err = w.services.Maintenance.Schedule(ctx)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance jobs: %w", err)
	}

	err = w.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
	}

	q := w.services.Queue
	tracer := queue.WithTracer(w.services.Tracer)
	interval := queue.WithPollInterval(w.config.Queue.PollInterval)

	w.workers = []*queue.Worker{
		w.services.Processor.Worker(q, queue.WithConcurrency(w.config.Queue.WorkflowConcurrency), tracer, interval),
		queue.NewWorker(q, queue.TopicBookingPolling, w.services.Polling.Handler(), w.logger,
			queue.WithConcurrency(w.config.Queue.PollingConcurrency), tracer, interval),
		queue.NewWorker(q, queue.TopicMaintenance, w.services.Maintenance.Handler(), w.logger,
			queue.WithConcurrency(w.config.Queue.MaintenanceConcurrency), tracer, interval),
	}

	return nil
}

func (w *WorkerManager) subscribe(ctx context.Context) error {
	bus := w.services.EventBus

	handlers := map[events.EventType]func(context.Context, any) error{
		events.ExecutionCompletedEvent: w.handleExecutionCompleted,
		events.ExecutionFailedEvent:    w.handleExecutionFailed,
	}

	for eventType, handler := range handlers {
		err := bus.Handle(eventType, handler)
		if err != nil {
			return err
		}
	}

	return bus.Subscribe(ctx)
}

func (w *WorkerManager) handleExecutionCompleted(ctx context.Context, event any) error {
	completed, ok := event.(*events.ExecutionCompleted)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionCompleted")

		return nil
	}

	w.logger.InfoContext(ctx, "Execution completed",
		"execution_id", completed.ExecutionID,
		"workflow_id", completed.WorkflowID,
		"steps", completed.StepsExecuted,
		"duration_ms", completed.DurationMs,
	)

	return nil
}

func (w *WorkerManager) handleExecutionFailed(ctx context.Context, event any) error {
	failed, ok := event.(*events.ExecutionFailed)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionFailed")

		return nil
	}

	w.logger.WarnContext(ctx, "Execution failed",
		"execution_id", failed.ExecutionID,
		"workflow_id", failed.WorkflowID,
		"node_id", failed.NodeID,
		"error", failed.Error,
	)

	return nil
}

// Run starts every worker and blocks until ctx is cancelled, then waits for
// in-flight jobs.
func (w *WorkerManager) Run(ctx context.Context) error {
	err := w.Setup(ctx)
	if err != nil {
		return err
	}

	for _, worker := range w.workers {
		worker.Start(ctx)
	}

	w.logger.InfoContext(ctx, "Worker started successfully", "workers", len(w.workers))

	<-ctx.Done()

	w.logger.InfoContext(ctx, "Shutting down worker...")

	stopCtx := context.WithoutCancel(ctx)
	for _, worker := range w.workers {
		worker.Stop(stopCtx)
	}

	return nil
}
