package booking_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowtrack/pkg/booking"
	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/dukex/flowtrack/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memory.Persistence
	service *booking.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewPersistence()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return &fixture{
		store:   store,
		service: booking.NewService(store.Leads(), store.Workflows(), store.Bookings(), logger),
	}
}

func (f *fixture) lead(t *testing.T, workspaceID, email string) *models.Lead {
	t.Helper()

	lead := &models.Lead{WorkspaceID: workspaceID, Email: email, Status: models.LeadStatusEmailSent, Source: models.LeadSourceForm}
	require.NoError(t, f.store.Leads().SaveLead(context.Background(), lead))

	return lead
}

func input(eventID, email, utm string) booking.Input {
	start := time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

	return booking.Input{
		WorkspaceID:     "ws-1",
		CredentialID:    "cred-1",
		Provider:        models.ProviderCalendly,
		ProviderEventID: eventID,
		EventName:       "Intro call",
		StartTime:       start,
		EndTime:         start.Add(30 * time.Minute),
		InviteeEmail:    email,
		InviteeName:     "Ada Lovelace",
		UTMContent:      utm,
		ReceivedVia:     models.ReceivedViaWebhook,
	}
}

func TestAttribute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	byEmail := f.lead(t, "ws-1", "ada@example.com")
	byUTM := f.lead(t, "ws-1", "someone-else@example.com")
	foreign := f.lead(t, "ws-2", "ada@example.com")

	tests := []struct {
		name       string
		email      string
		utm        string
		wantLead   string
		wantMethod models.AttributionMethod
	}{
		{"utm wins over email", "ada@example.com", "lead_" + byUTM.ID, byUTM.ID, models.AttributionUTM},
		{"email is normalized", "  ADA@Example.com ", "", byEmail.ID, models.AttributionEmail},
		{"foreign utm falls back to email", "ada@example.com", "lead_" + foreign.ID, byEmail.ID, models.AttributionEmail},
		{"unknown utm lead falls back to email", "ada@example.com", "lead_missing", byEmail.ID, models.AttributionEmail},
		{"non lead utm is ignored", "ada@example.com", "newsletter", byEmail.ID, models.AttributionEmail},
		{"no match", "nobody@example.com", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.service.Attribute(ctx, "ws-1", tt.email, tt.utm)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLead, got.LeadID)
			assert.Equal(t, tt.wantMethod, got.Method)
		})
	}
}

func TestApplyScheduled_MatchedLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.lead(t, "ws-1", "ada@example.com")

	result, created, err := f.service.ApplyScheduled(ctx, input("https://api.calendly.com/scheduled_events/E1", "ada@example.com", "lead_"+lead.ID))
	require.NoError(t, err)
	assert.Equal(t, booking.ResultCreated, result)
	assert.Equal(t, lead.ID, created.LeadID)
	assert.Equal(t, models.AttributionUTM, created.AttributionMethod)
	assert.Equal(t, "lead_"+lead.ID, created.UTMContent)
	assert.Equal(t, models.BookingStatusScheduled, created.Status)

	updated, err := f.store.Leads().LeadByID(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadStatusBooked, updated.Status)
	assert.Equal(t, "https://api.calendly.com/scheduled_events/E1", updated.MeetingEventID)
	assert.Equal(t, "scheduled", updated.MeetingStatus)

	count, err := f.store.Bookings().CountBookingsForLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestApplyScheduled_ExistingBookingSyncsStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.lead(t, "ws-1", "ada@example.com")

	in := input("E1", "ada@example.com", "")

	result, _, err := f.service.ApplyScheduled(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, booking.ResultCreated, result)

	result, _, err = f.service.ApplyScheduled(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, booking.ResultUnchanged, result)

	in.Status = models.BookingStatusCanceled

	result, synced, err := f.service.ApplyScheduled(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, booking.ResultUpdated, result)
	assert.Equal(t, models.BookingStatusCanceled, synced.Status)

	stored, err := f.store.Bookings().BookingByProviderEvent(ctx, models.ProviderCalendly, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCanceled, stored.Status)
}

func TestApplyScheduled_UnmatchedCreatesLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	workflow := &models.Workflow{WorkspaceID: "ws-1", Name: "Inbound", Status: models.WorkflowStatusActive}
	require.NoError(t, f.store.Workflows().SaveWorkflow(ctx, workflow))

	result, created, err := f.service.ApplyScheduled(ctx, input("E2", " New.Person@Example.com", ""))
	require.NoError(t, err)
	assert.Equal(t, booking.ResultCreated, result)
	assert.Empty(t, created.AttributionMethod)
	require.NotEmpty(t, created.LeadID)

	lead, err := f.store.Leads().LeadByID(ctx, created.LeadID)
	require.NoError(t, err)
	assert.Equal(t, "new.person@example.com", lead.Email)
	assert.Equal(t, workflow.ID, lead.WorkflowID)
	assert.Equal(t, models.LeadSourceManual, lead.Source)
	assert.Equal(t, models.LeadStatusNew, lead.Status)
	assert.Equal(t, "E2", lead.MeetingEventID)
	assert.Equal(t, "scheduled", lead.MeetingStatus)
}

// staleBookings misses every lookup, as when another delivery inserts the
// booking between the lookup and the insert.
type staleBookings struct {
	persistence.BookingRepository
}

func (staleBookings) BookingByProviderEvent(_ context.Context, _ models.ProviderKind, id string) (*models.Booking, error) {
	return nil, persistence.NewEntityError("BookingByProviderEvent", "booking", id, persistence.ErrBookingNotFound)
}

func TestApplyScheduled_ConcurrentBookingDiscardsNewLead(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	service := booking.NewService(store.Leads(), store.Workflows(), staleBookings{store.Bookings()}, logger)

	require.NoError(t, store.Workflows().SaveWorkflow(ctx, &models.Workflow{WorkspaceID: "ws-1", Name: "Inbound", Status: models.WorkflowStatusActive}))
	require.NoError(t, store.Bookings().CreateBooking(ctx, &models.Booking{
		WorkspaceID:     "ws-1",
		LeadID:          "lead-first",
		Provider:        models.ProviderCalendly,
		ProviderEventID: "E9",
		Status:          models.BookingStatusScheduled,
	}))

	result, created, err := service.ApplyScheduled(ctx, input("E9", "late@example.com", ""))
	require.NoError(t, err)
	assert.Equal(t, booking.ResultUnchanged, result)
	assert.Nil(t, created)

	_, err = store.Leads().LeadByEmail(ctx, "ws-1", "late@example.com")
	assert.True(t, persistence.IsNotFound(err))
}

func TestApplyScheduled_UnmatchedWithoutWorkflow(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.service.ApplyScheduled(context.Background(), input("E3", "nobody@example.com", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, booking.ErrNoWorkflow)

	_, lookupErr := f.store.Bookings().BookingByProviderEvent(context.Background(), models.ProviderCalendly, "E3")
	assert.Error(t, lookupErr)
}

func TestApplyCanceled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead := f.lead(t, "ws-1", "ada@example.com")

	result, err := f.service.ApplyCanceled(ctx, models.ProviderCalendly, "unknown", "no reason")
	require.NoError(t, err)
	assert.Equal(t, booking.ResultUnchanged, result)

	_, _, err = f.service.ApplyScheduled(ctx, input("E4", "ada@example.com", ""))
	require.NoError(t, err)

	result, err = f.service.ApplyCanceled(ctx, models.ProviderCalendly, "E4", "Conflict")
	require.NoError(t, err)
	assert.Equal(t, booking.ResultUpdated, result)

	stored, err := f.store.Bookings().BookingByProviderEvent(ctx, models.ProviderCalendly, "E4")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCanceled, stored.Status)
	assert.Equal(t, "Conflict", stored.CancellationReason)

	updated, err := f.store.Leads().LeadByID(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", updated.MeetingStatus)
	assert.Equal(t, models.LeadStatusBooked, updated.Status)
}
