// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrack/pkg/booking"
	"github.com/dukex/flowtrack/pkg/conditions"
	"github.com/dukex/flowtrack/pkg/config"
	"github.com/dukex/flowtrack/pkg/eventbus"
	"github.com/dukex/flowtrack/pkg/maintenance"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/oauth"
	"github.com/dukex/flowtrack/pkg/otelhelper"
	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/polling"
	"github.com/dukex/flowtrack/pkg/providers/calendly"
	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/dukex/flowtrack/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

// Options are the connection settings shared by every binary.
type Options struct {
	DatabaseURL          string
	RedisURL             string
	EventBus             string
	KafkaBrokers         string
	CalendlyClientID     string
	CalendlyClientSecret string
	Tracing              bool
	Config               config.Config
}

// Services is the fully wired engine. Both binaries build the same graph
// and use the parts they serve.
type Services struct {
	Persistence persistence.Persistence
	Queue       queue.Queue
	EventBus    eventbus.EventBus
	Tracer      trace.Tracer

	Tokens      *oauth.TokenManager
	Webhooks    *webhook.Service
	Reprocessor *webhook.Reprocessor
	Bookings    *booking.Service
	Calendly    *calendly.WebhookProcessor
	Poller      *calendly.Poller
	Polling     *polling.Scheduler

	WorkflowQueue *workflow.Queue
	Executor      *workflow.Executor
	Processor     *workflow.Processor
	Trigger       *workflow.Trigger
	Maintenance   *maintenance.Tasks
}

func NewServices(ctx context.Context, name string, logger *slog.Logger, opts Options) (*Services, error) {
	cfg := opts.Config
	s := &Services{Tracer: otelhelper.Noop()}

	if opts.Tracing {
		tracer, err := otelhelper.NewTracer(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}

		s.Tracer = tracer
	}

	store, err := NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	s.Persistence = store

	s.Queue, err = NewQueue(ctx, opts.RedisURL, logger)
	if err != nil {
		return nil, errors.Join(err, s.Close(ctx))
	}

	s.EventBus, err = NewEventBus(opts.EventBus, opts.KafkaBrokers, logger)
	if err != nil {
		return nil, errors.Join(err, s.Close(ctx))
	}

	s.Tokens = oauth.NewTokenManager(store.Credentials(), logger,
		oauth.WithCache(oauth.NewMemoryCache()),
		oauth.WithRefresher(models.ProviderCalendly,
			calendly.NewRefresher(cfg.Calendly.AuthBase, opts.CalendlyClientID, opts.CalendlyClientSecret, nil)),
	)

	s.Webhooks = webhook.NewService(store.Credentials(), store.Webhooks(), logger,
		webhook.WithTracer(s.Tracer),
		webhook.WithFailureThreshold(cfg.Webhooks.FailureThreshold),
		webhook.WithIdempotencyRetention(cfg.Webhooks.IdempotencyRetention),
	)

	s.Bookings = booking.NewService(store.Leads(), store.Workflows(), store.Bookings(), logger)

	s.Calendly, err = calendly.NewWebhookProcessor(s.Webhooks, s.Bookings, store.Credentials(), logger)
	if err != nil {
		return nil, errors.Join(err, s.Close(ctx))
	}

	s.Reprocessor = webhook.NewReprocessor(s.Webhooks, logger)
	s.Reprocessor.Register(models.ProviderCalendly, s.Calendly)

	client := calendly.NewClient(s.Tokens, logger,
		calendly.WithAPIBase(cfg.Calendly.APIBase),
		calendly.WithRateLimit(cfg.Calendly.RateLimit),
	)
	s.Poller = calendly.NewPoller(client, s.Tokens, store, s.Bookings, s.Webhooks, logger)

	s.Polling = polling.NewScheduler(s.Queue, store.Credentials(), store.PollingRuns(), logger,
		polling.WithPause(cfg.Polling.Pause),
		polling.WithRunRetention(cfg.Polling.RunRetention),
	)
	s.Polling.Register(polling.Target{
		Provider: models.ProviderCalendly,
		Plan:     models.ProviderPlanFree,
		Cron:     cfg.Polling.Cron,
		Poller:   s.Poller,
	})

	s.WorkflowQueue = workflow.NewQueue(s.Queue, logger)

	handlers := workflow.NewHandlers(store.Leads(),
		conditions.NewEvaluator(store.Bookings(), logger),
		workflow.NewLogMailer(logger),
		logger,
	)
	s.Executor = workflow.NewExecutor(store, handlers, s.WorkflowQueue, logger,
		workflow.WithPublisher(s.EventBus),
		workflow.WithTracer(s.Tracer),
	)
	s.Processor = workflow.NewProcessor(s.Executor, logger)
	s.Trigger = workflow.NewTrigger(store, s.WorkflowQueue, logger)

	s.Maintenance = maintenance.New(s.Queue, s.Reprocessor, s.Webhooks, s.Polling, logger,
		maintenance.WithBatch(cfg.Webhooks.DeadLetterBatch),
		maintenance.WithSchedules(cfg.Webhooks.ReprocessCron, cfg.Webhooks.CleanupCron),
	)

	return s, nil
}

// Close releases the event bus, queue and store in reverse order of opening.
func (s *Services) Close(ctx context.Context) error {
	var errs []error

	if s.EventBus != nil {
		errs = append(errs, s.EventBus.Close())
	}

	if s.Queue != nil {
		errs = append(errs, s.Queue.Close())
	}

	if s.Persistence != nil {
		errs = append(errs, s.Persistence.Close(ctx))
	}

	return errors.Join(errs...)
}
