package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowtrack/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one claimed job. Returning an error schedules a retry
// unless the error is Permanent or the attempt was the last one.
type Handler func(ctx context.Context, job *Job) error

const defaultPollInterval = time.Second

// Worker consumes one topic with a fixed number of concurrent consumers.
type Worker struct {
	queue        Queue
	topic        string
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithTracer(tracer trace.Tracer) WorkerOption {
	return func(w *Worker) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

func NewWorker(q Queue, topic string, handler Handler, logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		topic:        topic,
		handler:      handler,
		concurrency:  1,
		pollInterval: defaultPollInterval,
		logger:       logger.With("module", "queue_worker", "topic", topic),
		tracer:       otelhelper.Noop(),
		stopCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start launches the consumers and returns immediately.
func (w *Worker) Start(ctx context.Context) {
	w.logger.InfoContext(ctx, "Starting queue worker", "concurrency", w.concurrency)

	for i := range w.concurrency {
		w.wg.Add(1)

		go w.consume(ctx, i)
	}
}

// Stop signals the consumers and waits for in-flight jobs to settle.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		w.logger.InfoContext(ctx, "Stopping queue worker")
		close(w.stopCh)
	})

	w.wg.Wait()
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop(context.WithoutCancel(ctx))

	return nil
}

func (w *Worker) consume(ctx context.Context, consumer int) {
	defer w.wg.Done()

	logger := w.logger.With("consumer", consumer)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Error processing job", "error", err)
		}

		if processed && err == nil {
			continue
		}

		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessNext claims and runs one due job. It reports whether a job was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx, w.topic)
	if err != nil {
		if errors.Is(err, ErrNoJob) {
			return false, nil
		}

		return false, err
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "queue.process",
		attribute.String(otelhelper.TopicKey, w.topic),
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.JobNameKey, job.Name),
		attribute.Int(otelhelper.JobAttemptKey, job.AttemptsMade),
	)
	defer span.End()

	handlerErr := w.handler(ctx, job)
	if handlerErr != nil {
		otelhelper.SetError(span, handlerErr)
	}

	return true, w.settle(ctx, job, handlerErr)
}

func (w *Worker) settle(ctx context.Context, job *Job, handlerErr error) error {
	logger := w.logger.With("job_id", job.ID, "job_name", job.Name, "attempt", job.AttemptsMade)

	if handlerErr == nil {
		logger.DebugContext(ctx, "Job completed")

		return w.queue.Complete(ctx, job)
	}

	if IsPermanent(handlerErr) || job.FinalAttempt() {
		logger.ErrorContext(ctx, "Job failed", "error", handlerErr, "permanent", IsPermanent(handlerErr))

		return w.queue.Fail(ctx, job, handlerErr)
	}

	delay := job.Options.Backoff.Next(job.AttemptsMade)
	logger.WarnContext(ctx, "Job attempt failed, retrying", "error", handlerErr, "retry_in", delay)

	return w.queue.Retry(ctx, job, delay, handlerErr)
}

// Dispatch routes jobs of one topic to handlers by job name. Unknown names are
// logged and completed.
func Dispatch(logger *slog.Logger, handlers map[string]Handler) Handler {
	return func(ctx context.Context, job *Job) error {
		handler, ok := handlers[job.Name]
		if !ok {
			logger.WarnContext(ctx, "Unknown job name", "job_name", job.Name, "job_id", job.ID)

			return nil
		}

		return handler(ctx, job)
	}
}
