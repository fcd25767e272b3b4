package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
	"github.com/lib/pq"
)

const bookingColumns = `
	id
  , workspace_id
  , lead_id
  , credential_id
  , provider
  , provider_event_id
  , event_name
  , start_time
  , end_time
  , invitee_email
  , invitee_name
  , status
  , attribution_method
  , utm_content
  , cancellation_reason
  , received_via
  , raw_payload
  , synced_at
  , created_at
`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// BookingRepository handles booking database operations.
type BookingRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(db *sql.DB, logger *slog.Logger) *BookingRepository {
	return &BookingRepository{db: db, logger: logger}
}

func (r *BookingRepository) BookingByProviderEvent(ctx context.Context, provider models.ProviderKind, providerEventID string) (*models.Booking, error) {
	query := "SELECT " + bookingColumns + " FROM bookings WHERE provider = $1 AND provider_event_id = $2"

	booking, err := r.scanBooking(r.db.QueryRowContext(ctx, query, provider, providerEventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("BookingByProviderEvent", "booking", providerEventID, persistence.ErrBookingNotFound)
		}

		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}

	return booking, nil
}

func (r *BookingRepository) CreateBooking(ctx context.Context, booking *models.Booking) error {
	now := time.Now().UTC()

	if booking.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		booking.ID = id
	}

	if booking.CreatedAt.IsZero() {
		booking.CreatedAt = now
	}

	if booking.SyncedAt.IsZero() {
		booking.SyncedAt = now
	}

	var payload []byte
	if len(booking.RawPayload) > 0 {
		payload = booking.RawPayload
	}

	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := r.db.ExecContext(ctx, query,
		booking.ID,
		booking.WorkspaceID,
		booking.LeadID,
		nullString(booking.CredentialID),
		booking.Provider,
		booking.ProviderEventID,
		nullString(booking.EventName),
		nonZeroTime(booking.StartTime),
		nonZeroTime(booking.EndTime),
		booking.InviteeEmail,
		nullString(booking.InviteeName),
		booking.Status,
		nullString(string(booking.AttributionMethod)),
		nullString(booking.UTMContent),
		nullString(booking.CancellationReason),
		booking.ReceivedVia,
		payload,
		booking.SyncedAt,
		booking.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewEntityError("CreateBooking", "booking", booking.ProviderEventID, persistence.ErrBookingAlreadyExists)
		}

		return fmt.Errorf("failed to create booking: %w", err)
	}

	return nil
}

func (r *BookingRepository) UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus, reason string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET status = $2,
			cancellation_reason = COALESCE($3, cancellation_reason),
			synced_at = NOW()
		WHERE id = $1
	`, id, status, nullString(reason))
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}

	n, err := affected(result)
	if err != nil {
		return err
	}

	if n == 0 {
		return persistence.NewEntityError("UpdateBookingStatus", "booking", id, persistence.ErrBookingNotFound)
	}

	return nil
}

func (r *BookingRepository) CountBookingsForLead(ctx context.Context, leadID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookings WHERE lead_id = $1", leadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}

	return count, nil
}

func (r *BookingRepository) scanBooking(row scanner) (*models.Booking, error) {
	var (
		booking                               models.Booking
		credentialID, eventName, inviteeName  sql.NullString
		attribution, utmContent, cancelReason sql.NullString
		startTime, endTime                    sql.NullTime
		payload                               []byte
	)

	err := row.Scan(
		&booking.ID,
		&booking.WorkspaceID,
		&booking.LeadID,
		&credentialID,
		&booking.Provider,
		&booking.ProviderEventID,
		&eventName,
		&startTime,
		&endTime,
		&booking.InviteeEmail,
		&inviteeName,
		&booking.Status,
		&attribution,
		&utmContent,
		&cancelReason,
		&booking.ReceivedVia,
		&payload,
		&booking.SyncedAt,
		&booking.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	booking.CredentialID = credentialID.String
	booking.EventName = eventName.String
	booking.InviteeName = inviteeName.String
	booking.AttributionMethod = models.AttributionMethod(attribution.String)
	booking.UTMContent = utmContent.String
	booking.CancellationReason = cancelReason.String
	booking.StartTime = startTime.Time
	booking.EndTime = endTime.Time
	booking.RawPayload = payload

	return &booking, nil
}

func nonZeroTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
