// Package booking applies provider meetings to leads. Webhook deliveries and
// poll runs both end up here so a meeting is recorded the same way whichever
// path sees it first.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
)

const utmLeadPrefix = "lead_"

// ErrNoWorkflow is returned when an unmatched booking needs a lead but the
// workspace has no workflow to attach it to.
var ErrNoWorkflow = errors.New("no workflow found for workspace")

type Result string

const (
	ResultCreated   Result = "created"
	ResultUpdated   Result = "updated"
	ResultUnchanged Result = "unchanged"
)

// Input describes one scheduled meeting as reported by a provider.
type Input struct {
	WorkspaceID     string
	CredentialID    string
	Provider        models.ProviderKind
	ProviderEventID string
	EventName       string
	StartTime       time.Time
	EndTime         time.Time
	InviteeEmail    string
	InviteeName     string
	UTMContent      string
	// Status defaults to scheduled. Poll runs may see meetings that were
	// already canceled.
	Status      models.BookingStatus
	ReceivedVia models.ReceivedVia
	RawPayload  []byte
}

// Attribution is the lead a booking was matched to. LeadID is empty when no
// lead matched.
type Attribution struct {
	LeadID     string
	Method     models.AttributionMethod
	UTMContent string
}

type Service struct {
	leads     persistence.LeadRepository
	workflows persistence.WorkflowRepository
	bookings  persistence.BookingRepository
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(leads persistence.LeadRepository, workflows persistence.WorkflowRepository, bookings persistence.BookingRepository, logger *slog.Logger) *Service {
	return &Service{
		leads:     leads,
		workflows: workflows,
		bookings:  bookings,
		logger:    logger.With("module", "booking"),
		now:       time.Now,
	}
}

// Attribute matches a booking to a lead: first by a "lead_{id}" utm_content
// pointing at a lead of the workspace, then by the newest lead with the
// invitee's email.
func (s *Service) Attribute(ctx context.Context, workspaceID, inviteeEmail, utmContent string) (Attribution, error) {
	if strings.HasPrefix(utmContent, utmLeadPrefix) {
		leadID := strings.TrimPrefix(utmContent, utmLeadPrefix)

		lead, err := s.leads.LeadByID(ctx, leadID)

		switch {
		case err == nil && lead.WorkspaceID == workspaceID:
			s.logger.InfoContext(ctx, "Matched booking via UTM parameter", "lead_id", lead.ID)

			return Attribution{LeadID: lead.ID, Method: models.AttributionUTM, UTMContent: utmContent}, nil
		case err != nil && !persistence.IsNotFound(err):
			return Attribution{}, fmt.Errorf("failed to load lead %s: %w", leadID, err)
		default:
			s.logger.WarnContext(ctx, "UTM parameter references a lead outside the workspace", "lead_id", leadID, "workspace_id", workspaceID)
		}
	}

	if inviteeEmail == "" {
		return Attribution{}, nil
	}

	lead, err := s.leads.LeadByEmail(ctx, workspaceID, models.NormalizeEmail(inviteeEmail))
	if persistence.IsNotFound(err) {
		s.logger.WarnContext(ctx, "Could not match booking to a lead", "email", inviteeEmail, "workspace_id", workspaceID)

		return Attribution{}, nil
	}

	if err != nil {
		return Attribution{}, fmt.Errorf("failed to match lead by email: %w", err)
	}

	s.logger.InfoContext(ctx, "Matched booking via email", "lead_id", lead.ID)

	return Attribution{LeadID: lead.ID, Method: models.AttributionEmail}, nil
}

// ApplyScheduled records a meeting. A meeting already on file only has its
// status synced. Unmatched meetings get a new lead in the workspace's newest
// workflow.
func (s *Service) ApplyScheduled(ctx context.Context, in Input) (Result, *models.Booking, error) {
	status := in.Status
	if status == "" {
		status = models.BookingStatusScheduled
	}

	existing, err := s.bookings.BookingByProviderEvent(ctx, in.Provider, in.ProviderEventID)
	if err == nil {
		return s.syncStatus(ctx, existing, status)
	}

	if !persistence.IsNotFound(err) {
		return "", nil, fmt.Errorf("failed to look up booking: %w", err)
	}

	attribution, err := s.Attribute(ctx, in.WorkspaceID, in.InviteeEmail, in.UTMContent)
	if err != nil {
		return "", nil, err
	}

	matched := attribution.LeadID != ""

	if !matched {
		lead, err := s.createLeadForBooking(ctx, in, status)
		if err != nil {
			return "", nil, err
		}

		attribution.LeadID = lead.ID
	}

	booking := &models.Booking{
		WorkspaceID:       in.WorkspaceID,
		LeadID:            attribution.LeadID,
		CredentialID:      in.CredentialID,
		Provider:          in.Provider,
		ProviderEventID:   in.ProviderEventID,
		EventName:         in.EventName,
		StartTime:         in.StartTime,
		EndTime:           in.EndTime,
		InviteeEmail:      in.InviteeEmail,
		InviteeName:       in.InviteeName,
		Status:            status,
		AttributionMethod: attribution.Method,
		UTMContent:        attribution.UTMContent,
		ReceivedVia:       in.ReceivedVia,
		RawPayload:        in.RawPayload,
		SyncedAt:          s.now(),
	}

	err = s.bookings.CreateBooking(ctx, booking)
	if persistence.IsBookingAlreadyExists(err) {
		s.logger.InfoContext(ctx, "Booking recorded concurrently, skipping", "provider_event_id", in.ProviderEventID)

		if !matched {
			s.discardLead(ctx, attribution.LeadID)
		}

		return ResultUnchanged, nil, nil
	}

	if err != nil {
		return "", nil, fmt.Errorf("failed to create booking: %w", err)
	}

	if matched {
		err = s.leads.UpdateLeadMeeting(ctx, attribution.LeadID, in.ProviderEventID, status)
		if err != nil {
			return "", nil, fmt.Errorf("failed to update lead %s with booking: %w", attribution.LeadID, err)
		}
	}

	s.logger.InfoContext(ctx, "Created booking",
		"booking_id", booking.ID,
		"lead_id", booking.LeadID,
		"attribution", booking.AttributionMethod,
		"received_via", booking.ReceivedVia,
	)

	return ResultCreated, booking, nil
}

func (s *Service) syncStatus(ctx context.Context, booking *models.Booking, status models.BookingStatus) (Result, *models.Booking, error) {
	if booking.Status == status {
		return ResultUnchanged, booking, nil
	}

	err := s.bookings.UpdateBookingStatus(ctx, booking.ID, status, "")
	if err != nil {
		return "", nil, fmt.Errorf("failed to update booking %s: %w", booking.ID, err)
	}

	booking.Status = status

	s.logger.InfoContext(ctx, "Updated booking status", "booking_id", booking.ID, "status", status)

	return ResultUpdated, booking, nil
}

func (s *Service) createLeadForBooking(ctx context.Context, in Input, status models.BookingStatus) (*models.Lead, error) {
	workflow, err := s.workflows.LatestWorkflow(ctx, in.WorkspaceID)
	if persistence.IsNotFound(err) {
		s.logger.WarnContext(ctx, "Cannot create lead for unmatched booking, no workflow found", "workspace_id", in.WorkspaceID)

		return nil, fmt.Errorf("%w %s", ErrNoWorkflow, in.WorkspaceID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find default workflow: %w", err)
	}

	lead := &models.Lead{
		WorkspaceID:    in.WorkspaceID,
		WorkflowID:     workflow.ID,
		Email:          models.NormalizeEmail(in.InviteeEmail),
		Name:           in.InviteeName,
		Status:         models.LeadStatusNew,
		Source:         models.LeadSourceManual,
		MeetingEventID: in.ProviderEventID,
		MeetingStatus:  string(status),
	}

	err = s.leads.SaveLead(ctx, lead)
	if err != nil {
		return nil, fmt.Errorf("failed to create lead for unmatched booking: %w", err)
	}

	s.logger.WarnContext(ctx, "Created lead for unmatched booking", "lead_id", lead.ID, "workflow_id", workflow.ID)

	return lead, nil
}

// discardLead removes a lead created for a booking that another delivery
// recorded first.
func (s *Service) discardLead(ctx context.Context, leadID string) {
	err := s.leads.DeleteLead(ctx, leadID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to discard lead of duplicate booking", "lead_id", leadID, "error", err)
	}
}

// ApplyCanceled marks a known meeting canceled. Cancellations for meetings
// never recorded are logged and ignored.
func (s *Service) ApplyCanceled(ctx context.Context, provider models.ProviderKind, providerEventID, reason string) (Result, error) {
	booking, err := s.bookings.BookingByProviderEvent(ctx, provider, providerEventID)
	if persistence.IsNotFound(err) {
		s.logger.WarnContext(ctx, "Received cancellation for unknown booking", "provider_event_id", providerEventID)

		return ResultUnchanged, nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to look up booking: %w", err)
	}

	err = s.bookings.UpdateBookingStatus(ctx, booking.ID, models.BookingStatusCanceled, reason)
	if err != nil {
		return "", fmt.Errorf("failed to cancel booking %s: %w", booking.ID, err)
	}

	if booking.LeadID != "" {
		err = s.leads.UpdateLeadMeeting(ctx, booking.LeadID, providerEventID, models.BookingStatusCanceled)
		if err != nil && !persistence.IsNotFound(err) {
			return "", fmt.Errorf("failed to update lead %s meeting: %w", booking.LeadID, err)
		}
	}

	s.logger.InfoContext(ctx, "Canceled booking", "booking_id", booking.ID)

	return ResultUpdated, nil
}
