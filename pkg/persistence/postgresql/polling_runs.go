package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
)

const pollingRunColumns = `
	id
  , credential_id
  , status
  , started_at
  , completed_at
  , events_fetched
  , events_created
  , events_updated
  , duration_ms
  , error_message
`

// PollingRunRepository handles polling run history.
type PollingRunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPollingRunRepository creates a new polling run repository.
func NewPollingRunRepository(db *sql.DB, logger *slog.Logger) *PollingRunRepository {
	return &PollingRunRepository{db: db, logger: logger}
}

func (r *PollingRunRepository) SavePollingRun(ctx context.Context, run *models.PollingRun) error {
	if run.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		run.ID = id
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO polling_runs (`+pollingRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			events_fetched = EXCLUDED.events_fetched,
			events_created = EXCLUDED.events_created,
			events_updated = EXCLUDED.events_updated,
			duration_ms = EXCLUDED.duration_ms,
			error_message = EXCLUDED.error_message
	`,
		run.ID,
		run.CredentialID,
		run.Status,
		run.StartedAt,
		nullTime(run.CompletedAt),
		run.EventsFetched,
		run.EventsCreated,
		run.EventsUpdated,
		run.DurationMs,
		nullString(run.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to save polling run: %w", err)
	}

	return nil
}

func (r *PollingRunRepository) RecentPollingRuns(ctx context.Context, credentialID string, limit int) ([]*models.PollingRun, error) {
	return r.query(ctx, "SELECT "+pollingRunColumns+`
		FROM polling_runs
		WHERE credential_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, credentialID, limit)
}

func (r *PollingRunRepository) RunningPollingRuns(ctx context.Context, limit int) ([]*models.PollingRun, error) {
	return r.query(ctx, "SELECT "+pollingRunColumns+`
		FROM polling_runs
		WHERE status = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, models.PollingRunRunning, limit)
}

func (r *PollingRunRepository) DeletePollingRunsBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM polling_runs WHERE started_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete polling runs: %w", err)
	}

	return affected(result)
}

func (r *PollingRunRepository) query(ctx context.Context, query string, args ...any) ([]*models.PollingRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query polling runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.PollingRun, 0)

	for rows.Next() {
		var (
			run          models.PollingRun
			completedAt  sql.NullTime
			errorMessage sql.NullString
		)

		err := rows.Scan(
			&run.ID,
			&run.CredentialID,
			&run.Status,
			&run.StartedAt,
			&completedAt,
			&run.EventsFetched,
			&run.EventsCreated,
			&run.EventsUpdated,
			&run.DurationMs,
			&errorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan polling run: %w", err)
		}

		run.CompletedAt = timePtr(completedAt)
		run.ErrorMessage = errorMessage.String
		runs = append(runs, &run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating polling runs: %w", err)
	}

	return runs, nil
}
