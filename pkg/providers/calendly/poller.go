package calendly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/booking"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/webhook"
)

const (
	// PollLookback bounds the first poll of a credential without a cursor.
	PollLookback = 30 * 24 * time.Hour

	pollPageSize = 100
)

var (
	ErrPollingDisabled = errors.New("polling not enabled for this credential")
	ErrRateLimited     = errors.New("credential is rate limited")
)

// RateLimits answers whether a credential still has API quota.
type RateLimits interface {
	CheckRateLimit(ctx context.Context, credentialID string) (bool, error)
}

// PollResult counts what one poll run saw and changed.
type PollResult struct {
	EventsFetched int `json:"eventsFetched"`
	EventsCreated int `json:"eventsCreated"`
	EventsUpdated int `json:"eventsUpdated"`
}

// Poller pulls scheduled events for credentials without webhook access and
// applies them through the same idempotency keys as webhook deliveries.
type Poller struct {
	client      *Client
	limits      RateLimits
	credentials persistence.CredentialRepository
	runs        persistence.PollingRunRepository
	bookingRepo persistence.BookingRepository
	bookings    *booking.Service
	webhooks    *webhook.Service
	logger      *slog.Logger
	now         func() time.Time
}

type PollerOption func(*Poller)

func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		p.now = now
	}
}

func NewPoller(client *Client, limits RateLimits, store persistence.Persistence, bookings *booking.Service, webhooks *webhook.Service, logger *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		client:      client,
		limits:      limits,
		credentials: store.Credentials(),
		runs:        store.PollingRuns(),
		bookingRepo: store.Bookings(),
		bookings:    bookings,
		webhooks:    webhooks,
		logger:      logger.With("module", "calendly_poller"),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// PollCredential runs one poll for a credential and records it as a
// PollingRun. Rate limited credentials are skipped without a run.
func (p *Poller) PollCredential(ctx context.Context, credentialID string) (PollResult, error) {
	credential, err := p.credentials.CredentialByID(ctx, credentialID)
	if err != nil {
		return PollResult{}, err
	}

	if !credential.PollingEnabled {
		return PollResult{}, fmt.Errorf("%w: %s", ErrPollingDisabled, credentialID)
	}

	if credential.WorkspaceID == "" {
		return PollResult{}, fmt.Errorf("credential %s has no workspace", credentialID)
	}

	allowed, err := p.limits.CheckRateLimit(ctx, credentialID)
	if err != nil {
		return PollResult{}, err
	}

	if !allowed {
		return PollResult{}, fmt.Errorf("%w: %s", ErrRateLimited, credentialID)
	}

	run := &models.PollingRun{
		CredentialID: credentialID,
		Status:       models.PollingRunRunning,
		StartedAt:    p.now(),
	}

	err = p.runs.SavePollingRun(ctx, run)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to record polling run: %w", err)
	}

	result, pollErr := p.poll(ctx, credential)

	completedAt := p.now()
	run.CompletedAt = &completedAt
	run.DurationMs = completedAt.Sub(run.StartedAt).Milliseconds()
	run.EventsFetched = result.EventsFetched
	run.EventsCreated = result.EventsCreated
	run.EventsUpdated = result.EventsUpdated
	run.Status = models.PollingRunCompleted

	if pollErr != nil {
		run.Status = models.PollingRunFailed
		run.ErrorMessage = pollErr.Error()
	}

	err = p.runs.SavePollingRun(ctx, run)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to finish polling run", "run_id", run.ID, "error", err)
	}

	if pollErr != nil {
		return result, pollErr
	}

	p.logger.InfoContext(ctx, "Polled Calendly events",
		"credential_id", credentialID,
		"fetched", result.EventsFetched,
		"created", result.EventsCreated,
		"updated", result.EventsUpdated,
	)

	return result, nil
}

func (p *Poller) poll(ctx context.Context, credential *models.OAuthCredential) (PollResult, error) {
	var result PollResult

	user, err := p.client.CurrentUser(ctx, credential.ID)
	if err != nil {
		return result, fmt.Errorf("failed to load current user: %w", err)
	}

	query := EventQuery{UserURI: user.URI, Cursor: credential.PollingCursor, Count: pollPageSize}
	if query.Cursor == "" {
		query.MinStartTime = p.now().Add(-PollLookback)
	}

	page, err := p.client.ScheduledEvents(ctx, credential.ID, query)
	if err != nil {
		return result, fmt.Errorf("failed to list scheduled events: %w", err)
	}

	result.EventsFetched = len(page.Collection)

	for _, event := range page.Collection {
		created, updated, err := p.applyEvent(ctx, credential, event)
		if err != nil {
			return result, fmt.Errorf("failed to apply event %s: %w", event.URI, err)
		}

		result.EventsCreated += created

		if updated {
			result.EventsUpdated++
		}
	}

	err = p.credentials.UpdatePollingState(ctx, credential.ID, page.Pagination.NextPageToken, p.now())
	if err != nil {
		return result, fmt.Errorf("failed to update polling cursor: %w", err)
	}

	return result, nil
}

func (p *Poller) applyEvent(ctx context.Context, credential *models.OAuthCredential, event ScheduledEvent) (int, bool, error) {
	status := event.BookingStatus()

	existing, err := p.bookingRepo.BookingByProviderEvent(ctx, models.ProviderCalendly, event.URI)
	if err == nil {
		if existing.Status == status {
			return 0, false, nil
		}

		if status == models.BookingStatusCanceled {
			reason := ""
			if event.Cancellation != nil {
				reason = event.Cancellation.Reason
			}

			outcome, err := p.webhooks.ApplyOnce(ctx, models.ProviderCalendly, event.URI+canceledKeySuffix, EventInviteeCanceled, func(ctx context.Context) error {
				_, err := p.bookings.ApplyCanceled(ctx, models.ProviderCalendly, event.URI, reason)

				return err
			})

			return 0, outcome == webhook.OutcomeProcessed, err
		}

		result, _, err := p.bookings.ApplyScheduled(ctx, booking.Input{
			Provider:        models.ProviderCalendly,
			ProviderEventID: event.URI,
			Status:          status,
		})

		return 0, result == booking.ResultUpdated, err
	}

	if !persistence.IsNotFound(err) {
		return 0, false, err
	}

	created := 0

	_, err = p.webhooks.ApplyOnce(ctx, models.ProviderCalendly, event.URI, EventInviteeCreated, func(ctx context.Context) error {
		invitees, err := p.client.Invitees(ctx, credential.ID, event.URI)
		if err != nil {
			return fmt.Errorf("failed to list invitees: %w", err)
		}

		for _, invitee := range invitees {
			ok, err := p.applyInvitee(ctx, credential, event, invitee)
			if err != nil {
				return err
			}

			if ok {
				created++
			}
		}

		return nil
	})

	return created, false, err
}

func (p *Poller) applyInvitee(ctx context.Context, credential *models.OAuthCredential, event ScheduledEvent, invitee Invitee) (bool, error) {
	raw, err := json.Marshal(map[string]any{"event": event, "invitee": invitee})
	if err != nil {
		return false, fmt.Errorf("failed to encode raw payload: %w", err)
	}

	result, _, err := p.bookings.ApplyScheduled(ctx, booking.Input{
		WorkspaceID:     credential.WorkspaceID,
		CredentialID:    credential.ID,
		Provider:        models.ProviderCalendly,
		ProviderEventID: event.URI,
		EventName:       event.Name,
		StartTime:       event.StartTime,
		EndTime:         event.EndTime,
		InviteeEmail:    invitee.Email,
		InviteeName:     invitee.Name,
		UTMContent:      invitee.Tracking.UTMContent,
		Status:          event.BookingStatus(),
		ReceivedVia:     models.ReceivedViaPolling,
		RawPayload:      raw,
	})
	if errors.Is(err, booking.ErrNoWorkflow) {
		p.logger.WarnContext(ctx, "Skipping unmatched invitee, workspace has no workflow", "event_uri", event.URI, "workspace_id", credential.WorkspaceID)

		return false, nil
	}

	if err != nil {
		return false, err
	}

	return result == booking.ResultCreated, nil
}
