package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
)

const leadColumns = `
	id
  , workspace_id
  , workflow_id
  , email
  , name
  , company_name
  , status
  , source
  , field_data
  , last_email_sent_at
  , last_email_opened_at
  , last_activity_at
  , meeting_event_id
  , meeting_status
  , created_at
  , updated_at
`

// LeadRepository handles lead database operations.
type LeadRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLeadRepository creates a new lead repository.
func NewLeadRepository(db *sql.DB, logger *slog.Logger) *LeadRepository {
	return &LeadRepository{db: db, logger: logger}
}

func (r *LeadRepository) LeadByID(ctx context.Context, id string) (*models.Lead, error) {
	lead, err := r.scanLead(r.db.QueryRowContext(ctx, "SELECT "+leadColumns+" FROM leads WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("LeadByID", "lead", id, persistence.ErrLeadNotFound)
		}

		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	return lead, nil
}

func (r *LeadRepository) LeadByEmail(ctx context.Context, workspaceID, email string) (*models.Lead, error) {
	normalized := models.NormalizeEmail(email)

	query := "SELECT " + leadColumns + `
		FROM leads
		WHERE workspace_id = $1 AND LOWER(email) = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	lead, err := r.scanLead(r.db.QueryRowContext(ctx, query, workspaceID, normalized))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("LeadByEmail", "lead", normalized, persistence.ErrLeadNotFound)
		}

		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	return lead, nil
}

func (r *LeadRepository) SaveLead(ctx context.Context, lead *models.Lead) error {
	now := time.Now().UTC()

	if lead.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		lead.ID = id
	}

	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}

	lead.UpdatedAt = now

	fieldsJSON, err := marshalJSON(lead.FieldData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO leads (` + leadColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			workflow_id = EXCLUDED.workflow_id,
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			company_name = EXCLUDED.company_name,
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			field_data = EXCLUDED.field_data,
			last_email_sent_at = EXCLUDED.last_email_sent_at,
			last_email_opened_at = EXCLUDED.last_email_opened_at,
			last_activity_at = EXCLUDED.last_activity_at,
			meeting_event_id = EXCLUDED.meeting_event_id,
			meeting_status = EXCLUDED.meeting_status,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		lead.ID,
		lead.WorkspaceID,
		nullString(lead.WorkflowID),
		lead.Email,
		nullString(lead.Name),
		nullString(lead.CompanyName),
		lead.Status,
		lead.Source,
		fieldsJSON,
		nullTime(lead.LastEmailSentAt),
		nullTime(lead.LastEmailOpenedAt),
		nullTime(lead.LastActivityAt),
		nullString(lead.MeetingEventID),
		nullString(lead.MeetingStatus),
		lead.CreatedAt,
		lead.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save lead: %w", err)
	}

	return nil
}

func (r *LeadRepository) exec(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewEntityError(op, "lead", id, err)
	}

	n, err := affected(result)
	if err != nil {
		return err
	}

	if n == 0 {
		return persistence.NewEntityError(op, "lead", id, persistence.ErrLeadNotFound)
	}

	return nil
}

func (r *LeadRepository) DeleteLead(ctx context.Context, id string) error {
	return r.exec(ctx, "DeleteLead", id, "DELETE FROM leads WHERE id = $1", id)
}

func (r *LeadRepository) RecordEmailSent(ctx context.Context, id string, status models.LeadStatus, sentAt time.Time) error {
	return r.exec(ctx, "RecordEmailSent", id, `
		UPDATE leads
		SET status = $2, last_email_sent_at = $3, last_activity_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, sentAt)
}

func (r *LeadRepository) UpdateLeadStatus(ctx context.Context, id string, status models.LeadStatus) error {
	return r.exec(ctx, "UpdateLeadStatus", id,
		"UPDATE leads SET status = $2, updated_at = NOW() WHERE id = $1", id, status)
}

func (r *LeadRepository) UpdateLeadMeeting(ctx context.Context, id, eventID string, meetingStatus models.BookingStatus) error {
	return r.exec(ctx, "UpdateLeadMeeting", id, `
		UPDATE leads
		SET meeting_event_id = $2,
			meeting_status = $3,
			status = CASE WHEN $4 THEN $5 ELSE status END,
			updated_at = NOW()
		WHERE id = $1
	`, id, eventID, meetingStatus, meetingStatus == models.BookingStatusScheduled, models.LeadStatusBooked)
}

func (r *LeadRepository) scanLead(row scanner) (*models.Lead, error) {
	var (
		lead                               models.Lead
		workflowID, name, company          sql.NullString
		meetingEventID, meetingStatus      sql.NullString
		lastSent, lastOpened, lastActivity sql.NullTime
		fieldsJSON                         []byte
	)

	err := row.Scan(
		&lead.ID,
		&lead.WorkspaceID,
		&workflowID,
		&lead.Email,
		&name,
		&company,
		&lead.Status,
		&lead.Source,
		&fieldsJSON,
		&lastSent,
		&lastOpened,
		&lastActivity,
		&meetingEventID,
		&meetingStatus,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	lead.WorkflowID = workflowID.String
	lead.Name = name.String
	lead.CompanyName = company.String
	lead.MeetingEventID = meetingEventID.String
	lead.MeetingStatus = meetingStatus.String
	lead.LastEmailSentAt = timePtr(lastSent)
	lead.LastEmailOpenedAt = timePtr(lastOpened)
	lead.LastActivityAt = timePtr(lastActivity)

	if len(fieldsJSON) > 0 && string(fieldsJSON) != "null" {
		err = json.Unmarshal(fieldsJSON, &lead.FieldData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal field data: %w", err)
		}
	}

	return &lead, nil
}
