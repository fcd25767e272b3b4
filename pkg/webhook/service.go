// Package webhook makes inbound provider webhooks safe to apply: signatures are
// verified, events are applied at most once, failures land in a dead letter
// queue and repeated delivery failures disable the webhook.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/otelhelper"
	"github.com/dukex/flowtrack/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultFailureThreshold     = 10
	DefaultIdempotencyRetention = 7 * 24 * time.Hour
	DefaultDeadLetterLimit      = 10

	// MaxDeadLetterRetries is the retry count at which an item stops being
	// picked up by the reprocessor.
	MaxDeadLetterRetries = 3
)

var (
	ErrDeadLetterResolved = errors.New("dead letter item already resolved")
	ErrProcessingFailed   = errors.New("webhook processing failed")
)

type Service struct {
	credentials      persistence.CredentialRepository
	store            persistence.WebhookRepository
	logger           *slog.Logger
	tracer           trace.Tracer
	now              func() time.Time
	failureThreshold int
	retention        time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func WithFailureThreshold(threshold int) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.failureThreshold = threshold
		}
	}
}

func WithIdempotencyRetention(retention time.Duration) Option {
	return func(s *Service) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func NewService(credentials persistence.CredentialRepository, store persistence.WebhookRepository, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		credentials:      credentials,
		store:            store,
		logger:           logger.With("module", "webhook"),
		tracer:           otelhelper.Noop(),
		now:              time.Now,
		failureThreshold: DefaultFailureThreshold,
		retention:        DefaultIdempotencyRetention,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// IdempotencyKey is the key under which an external event is recorded.
func IdempotencyKey(provider models.ProviderKind, eventID string) string {
	return fmt.Sprintf("%s:%s", provider, eventID)
}

// VerifySignature checks a signed payload against the credential's signing
// key. Every failure is logged and reported as false.
func (s *Service) VerifySignature(ctx context.Context, payload []byte, header, credentialID string) bool {
	logger := s.logger.With("credential_id", credentialID)

	credential, err := s.credentials.CredentialByID(ctx, credentialID)
	if err != nil || credential.WebhookSigningKey == "" {
		logger.WarnContext(ctx, "No webhook signing key found", "error", err)

		return false
	}

	timestamp, signature, ok := ParseSignature(header)
	if !ok {
		logger.WarnContext(ctx, "Invalid webhook signature format")

		return false
	}

	if !signatureMatches(credential.WebhookSigningKey, timestamp, signature, payload) {
		logger.WarnContext(ctx, "Webhook signature verification failed")

		return false
	}

	return true
}

func (s *Service) IsEventProcessed(ctx context.Context, eventID string, provider models.ProviderKind) (bool, error) {
	exists, err := s.store.IdempotencyKeyExists(ctx, IdempotencyKey(provider, eventID))
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	return exists, nil
}

// MarkEventProcessed records the event. Marking an event twice is not an error.
func (s *Service) MarkEventProcessed(ctx context.Context, eventID string, provider models.ProviderKind, metadata map[string]any) error {
	err := s.store.CreateIdempotencyKey(ctx, &models.IdempotencyKey{
		Key:         IdempotencyKey(provider, eventID),
		ProcessedAt: s.now(),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	return nil
}

func (s *Service) AddToDeadLetterQueue(ctx context.Context, item *models.DeadLetterItem) error {
	item.Status = models.DeadLetterPending
	item.RetryCount = 0

	if item.FailedAt.IsZero() {
		item.FailedAt = s.now()
	}

	err := s.store.AddDeadLetter(ctx, item)
	if err != nil {
		return fmt.Errorf("failed to add dead letter item: %w", err)
	}

	s.logger.WarnContext(ctx, "Added webhook to dead letter queue",
		"provider", item.Provider,
		"event_type", item.EventType,
		"event_id", item.EventID,
		"error", item.ErrorMessage,
	)

	return nil
}

// PendingDeadLetters lists retryable items, oldest first.
func (s *Service) PendingDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterItem, error) {
	if limit <= 0 {
		limit = DefaultDeadLetterLimit
	}

	items, err := s.store.PendingDeadLetters(ctx, MaxDeadLetterRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending dead letters: %w", err)
	}

	return items, nil
}

func (s *Service) DeadLetter(ctx context.Context, id string) (*models.DeadLetterItem, error) {
	return s.store.DeadLetterByID(ctx, id)
}

// UpdateDeadLetter stores the outcome of a retry; RESOLVED stamps resolvedAt.
func (s *Service) UpdateDeadLetter(ctx context.Context, id string, status models.DeadLetterStatus, retryCount int) error {
	var resolvedAt *time.Time

	if status == models.DeadLetterResolved {
		now := s.now()
		resolvedAt = &now
	}

	err := s.store.UpdateDeadLetter(ctx, id, status, retryCount, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update dead letter item %s: %w", id, err)
	}

	return nil
}

func (s *Service) ResolveDeadLetter(ctx context.Context, id string) error {
	item, err := s.store.DeadLetterByID(ctx, id)
	if err != nil {
		return err
	}

	return s.UpdateDeadLetter(ctx, id, models.DeadLetterResolved, item.RetryCount)
}

// AbandonDeadLetter is the operator action that takes an item out of the
// retry cycle for good.
func (s *Service) AbandonDeadLetter(ctx context.Context, id string) error {
	item, err := s.store.DeadLetterByID(ctx, id)
	if err != nil {
		return err
	}

	if item.Status == models.DeadLetterResolved {
		return fmt.Errorf("%w: %s", ErrDeadLetterResolved, id)
	}

	s.logger.InfoContext(ctx, "Abandoning dead letter item", "dead_letter_id", id, "retry_count", item.RetryCount)

	return s.UpdateDeadLetter(ctx, id, models.DeadLetterAbandoned, item.RetryCount)
}

// UpdateWebhookHealth resets the failure counter on success. On failure it
// increments the counter; at the threshold the webhook is disabled and the
// credential falls back to polling.
func (s *Service) UpdateWebhookHealth(ctx context.Context, credentialID string, success bool) error {
	if success {
		err := s.credentials.ResetWebhookFailures(ctx, credentialID, s.now())
		if persistence.IsNotFound(err) {
			return nil
		}

		return err
	}

	failures, err := s.credentials.IncrementWebhookFailures(ctx, credentialID, s.failureThreshold)
	if persistence.IsNotFound(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to record webhook failure: %w", err)
	}

	if failures >= s.failureThreshold {
		s.logger.ErrorContext(ctx, "Webhook disabled due to too many failures, falling back to polling", "credential_id", credentialID, "failures", failures)
	}

	return nil
}

// CleanupIdempotencyKeys deletes keys older than the retention window.
func (s *Service) CleanupIdempotencyKeys(ctx context.Context) (int, error) {
	removed, err := s.store.DeleteIdempotencyKeysBefore(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up idempotency keys: %w", err)
	}

	s.logger.InfoContext(ctx, "Cleaned up old idempotency keys", "count", removed)

	return removed, nil
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Event is one verified inbound webhook.
type Event struct {
	Provider     models.ProviderKind
	CredentialID string
	EventID      string
	EventType    string
	Payload      []byte
}

// ApplyOnce runs apply unless the event was already recorded, then records it.
// It does not touch the dead letter queue.
func (s *Service) ApplyOnce(ctx context.Context, provider models.ProviderKind, eventID, eventType string, apply func(ctx context.Context) error) (Outcome, error) {
	processed, err := s.IsEventProcessed(ctx, eventID, provider)
	if err != nil {
		return "", err
	}

	if processed {
		s.logger.DebugContext(ctx, "Event already processed, skipping", "provider", provider, "event_id", eventID)

		return OutcomeDuplicate, nil
	}

	err = apply(ctx)
	if err != nil {
		return "", err
	}

	err = s.MarkEventProcessed(ctx, eventID, provider, map[string]any{
		"eventType":   eventType,
		"processedAt": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}

	return OutcomeProcessed, nil
}

// Process applies a verified webhook once. A failed application is added to
// the dead letter queue and reported as ErrProcessingFailed; success marks the
// credential's webhook healthy.
func (s *Service) Process(ctx context.Context, event Event, apply func(ctx context.Context) error) (Outcome, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "webhook.process",
		attribute.String(otelhelper.ProviderKey, string(event.Provider)),
		attribute.String(otelhelper.CredentialIDKey, event.CredentialID),
		attribute.String(otelhelper.EventIDKey, event.EventID),
		attribute.String(otelhelper.EventTypeKey, event.EventType),
	)
	defer span.End()

	outcome, err := s.ApplyOnce(ctx, event.Provider, event.EventID, event.EventType, apply)
	if err != nil {
		otelhelper.SetError(span, err)
		s.logger.ErrorContext(ctx, "Error processing webhook", "provider", event.Provider, "event_id", event.EventID, "error", err)

		dlqErr := s.AddToDeadLetterQueue(ctx, &models.DeadLetterItem{
			Provider:     event.Provider,
			CredentialID: event.CredentialID,
			EventID:      event.EventID,
			EventType:    event.EventType,
			ErrorMessage: err.Error(),
			ErrorStack:   errorChain(err),
			Payload:      event.Payload,
		})
		if dlqErr != nil {
			return "", errors.Join(fmt.Errorf("%w: %w", ErrProcessingFailed, err), dlqErr)
		}

		return "", fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}

	if outcome == OutcomeProcessed && event.CredentialID != "" {
		err = s.UpdateWebhookHealth(ctx, event.CredentialID, true)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to update webhook health", "credential_id", event.CredentialID, "error", err)
		}
	}

	return outcome, nil
}

// errorChain lists every error in the wrap chain, outermost first.
func errorChain(err error) string {
	var lines []string

	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
	}

	return strings.Join(lines, "\n")
}
