package calendly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/flowtrack/pkg/booking"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/xeipuuv/gojsonschema"
)

const (
	SignatureHeader = "Calendly-Webhook-Signature"

	EventInviteeCreated  = "invitee.created"
	EventInviteeCanceled = "invitee.canceled"

	canceledKeySuffix = ":canceled"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

const webhookSchema = `{
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"created_at": {"type": "string"},
		"payload": {
			"type": "object",
			"required": ["uri"],
			"properties": {
				"uri": {"type": "string", "minLength": 1},
				"email": {"type": "string"},
				"name": {"type": "string"},
				"tracking": {"type": ["object", "null"]},
				"scheduled_event": {
					"type": "object",
					"required": ["uri"],
					"properties": {
						"uri": {"type": "string", "minLength": 1},
						"start_time": {"type": "string", "format": "date-time"},
						"end_time": {"type": "string", "format": "date-time"}
					}
				},
				"invitee": {
					"type": "object",
					"properties": {"email": {"type": "string"}}
				},
				"event_type": {
					"type": "object",
					"properties": {"duration": {"type": "number", "minimum": 0}}
				}
			}
		}
	}
}`

// WebhookEnvelope is a Calendly webhook delivery.
type WebhookEnvelope struct {
	Event     string         `json:"event"`
	CreatedAt string         `json:"created_at,omitempty"`
	Payload   WebhookPayload `json:"payload"`
}

// WebhookPayload is an invitee resource with its scheduled event embedded.
// Deliveries from older subscriptions carry the invitee and event type as
// nested objects and the start as "time"; both shapes are accepted.
type WebhookPayload struct {
	URI            string          `json:"uri"`
	Email          string          `json:"email"`
	Name           string          `json:"name"`
	Timezone       string          `json:"timezone,omitempty"`
	Tracking       *Tracking       `json:"tracking"`
	Cancellation   *Cancellation   `json:"cancellation,omitempty"`
	ScheduledEvent *ScheduledEvent `json:"scheduled_event,omitempty"`

	Invitee   *legacyInvitee   `json:"invitee,omitempty"`
	EventType *legacyEventType `json:"event_type,omitempty"`
	Time      *time.Time       `json:"time,omitempty"`
}

type legacyInvitee struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

type legacyEventType struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
}

// EventURI identifies the meeting. Polling sees the same URI, which keeps the
// two paths on one idempotency key.
func (p WebhookPayload) EventURI() string {
	if p.ScheduledEvent != nil && p.ScheduledEvent.URI != "" {
		return p.ScheduledEvent.URI
	}

	return p.URI
}

func (p WebhookPayload) InviteeEmail() string {
	if p.Email == "" && p.Invitee != nil {
		return p.Invitee.Email
	}

	return p.Email
}

func (p WebhookPayload) InviteeName() string {
	if p.Name == "" && p.Invitee != nil {
		return p.Invitee.Name
	}

	return p.Name
}

func (p WebhookPayload) EventName() string {
	if p.ScheduledEvent != nil && p.ScheduledEvent.Name != "" {
		return p.ScheduledEvent.Name
	}

	if p.EventType != nil {
		return p.EventType.Name
	}

	return ""
}

// Window returns the meeting start and end.
func (p WebhookPayload) Window() (time.Time, time.Time) {
	if p.ScheduledEvent != nil && !p.ScheduledEvent.StartTime.IsZero() {
		return p.ScheduledEvent.StartTime, p.ScheduledEvent.EndTime
	}

	var start time.Time
	if p.Time != nil {
		start = *p.Time
	}

	if p.EventType == nil {
		return start, start
	}

	return start, start.Add(time.Duration(p.EventType.Duration * float64(time.Minute)))
}

func (p WebhookPayload) UTMContent() string {
	if p.Tracking == nil {
		return ""
	}

	return p.Tracking.UTMContent
}

func (p WebhookPayload) CancellationReason() string {
	if p.Cancellation == nil {
		return ""
	}

	return p.Cancellation.Reason
}

// IdempotencyID is the event id a delivery is deduplicated on. Creation and
// cancellation of one meeting are distinct events.
func (e WebhookEnvelope) IdempotencyID() string {
	switch e.Event {
	case EventInviteeCreated:
		return e.Payload.EventURI()
	case EventInviteeCanceled:
		return e.Payload.EventURI() + canceledKeySuffix
	default:
		return e.Payload.URI
	}
}

// WebhookProcessor applies verified Calendly deliveries to bookings. It also
// replays dead-lettered deliveries.
type WebhookProcessor struct {
	webhooks    *webhook.Service
	bookings    *booking.Service
	credentials persistence.CredentialRepository
	schema      *gojsonschema.Schema
	logger      *slog.Logger
}

func NewWebhookProcessor(webhooks *webhook.Service, bookings *booking.Service, credentials persistence.CredentialRepository, logger *slog.Logger) (*WebhookProcessor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(webhookSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile webhook schema: %w", err)
	}

	return &WebhookProcessor{
		webhooks:    webhooks,
		bookings:    bookings,
		credentials: credentials,
		schema:      schema,
		logger:      logger.With("module", "calendly_webhook"),
	}, nil
}

// Process verifies, validates and applies one delivery. A bad signature
// counts against the credential's webhook health.
func (p *WebhookProcessor) Process(ctx context.Context, credentialID, signature string, body []byte) (webhook.Outcome, error) {
	if !p.webhooks.VerifySignature(ctx, body, signature, credentialID) {
		err := p.webhooks.UpdateWebhookHealth(ctx, credentialID, false)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to update webhook health", "credential_id", credentialID, "error", err)
		}

		return "", ErrInvalidSignature
	}

	envelope, err := p.decode(body)
	if err != nil {
		return "", err
	}

	event := webhook.Event{
		Provider:     models.ProviderCalendly,
		CredentialID: credentialID,
		EventID:      envelope.IdempotencyID(),
		EventType:    envelope.Event,
		Payload:      body,
	}

	return p.webhooks.Process(ctx, event, func(ctx context.Context) error {
		return p.apply(ctx, credentialID, envelope, body)
	})
}

// Replay re-applies a dead-lettered delivery without re-verifying it.
func (p *WebhookProcessor) Replay(ctx context.Context, item *models.DeadLetterItem) error {
	envelope, err := p.decode(item.Payload)
	if err != nil {
		return err
	}

	eventID := item.EventID
	if eventID == "" {
		eventID = envelope.IdempotencyID()
	}

	_, err = p.webhooks.ApplyOnce(ctx, models.ProviderCalendly, eventID, envelope.Event, func(ctx context.Context) error {
		return p.apply(ctx, item.CredentialID, envelope, item.Payload)
	})

	return err
}

func (p *WebhookProcessor) decode(body []byte) (*WebhookEnvelope, error) {
	result, err := p.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(errs, "; "))
	}

	var envelope WebhookEnvelope

	err = json.Unmarshal(body, &envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return &envelope, nil
}

func (p *WebhookProcessor) apply(ctx context.Context, credentialID string, envelope *WebhookEnvelope, body []byte) error {
	switch envelope.Event {
	case EventInviteeCreated:
		return p.inviteeCreated(ctx, credentialID, envelope.Payload, body)
	case EventInviteeCanceled:
		_, err := p.bookings.ApplyCanceled(ctx, models.ProviderCalendly, envelope.Payload.EventURI(), envelope.Payload.CancellationReason())

		return err
	default:
		p.logger.InfoContext(ctx, "Ignoring unsupported Calendly event", "event_type", envelope.Event)

		return nil
	}
}

func (p *WebhookProcessor) inviteeCreated(ctx context.Context, credentialID string, payload WebhookPayload, body []byte) error {
	credential, err := p.credentials.CredentialByID(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}

	if credential.WorkspaceID == "" {
		p.logger.ErrorContext(ctx, "Credential has no workspace", "credential_id", credentialID)

		return nil
	}

	start, end := payload.Window()

	_, _, err = p.bookings.ApplyScheduled(ctx, booking.Input{
		WorkspaceID:     credential.WorkspaceID,
		CredentialID:    credentialID,
		Provider:        models.ProviderCalendly,
		ProviderEventID: payload.EventURI(),
		EventName:       payload.EventName(),
		StartTime:       start,
		EndTime:         end,
		InviteeEmail:    payload.InviteeEmail(),
		InviteeName:     payload.InviteeName(),
		UTMContent:      payload.UTMContent(),
		Status:          models.BookingStatusScheduled,
		ReceivedVia:     models.ReceivedViaWebhook,
		RawPayload:      body,
	})

	return err
}
