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
)

const deadLetterColumns = `
	id
  , provider
  , credential_id
  , event_id
  , event_type
  , error_message
  , error_stack
  , payload
  , status
  , retry_count
  , failed_at
  , resolved_at
`

// WebhookRepository handles idempotency keys and the dead letter queue.
type WebhookRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(db *sql.DB, logger *slog.Logger) *WebhookRepository {
	return &WebhookRepository{db: db, logger: logger}
}

func (r *WebhookRepository) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM webhook_idempotency_keys WHERE key = $1)", key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	return exists, nil
}

func (r *WebhookRepository) CreateIdempotencyKey(ctx context.Context, key *models.IdempotencyKey) error {
	if key.ProcessedAt.IsZero() {
		key.ProcessedAt = time.Now().UTC()
	}

	metadataJSON, err := marshalJSON(key.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhook_idempotency_keys (key, processed_at, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key.Key, key.ProcessedAt, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to create idempotency key: %w", err)
	}

	return nil
}

func (r *WebhookRepository) DeleteIdempotencyKeysBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM webhook_idempotency_keys WHERE processed_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idempotency keys: %w", err)
	}

	return affected(result)
}

func (r *WebhookRepository) AddDeadLetter(ctx context.Context, item *models.DeadLetterItem) error {
	if item.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		item.ID = id
	}

	if item.FailedAt.IsZero() {
		item.FailedAt = time.Now().UTC()
	}

	if item.Status == "" {
		item.Status = models.DeadLetterPending
	}

	payload := item.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		item.ID,
		item.Provider,
		nullString(item.CredentialID),
		item.EventID,
		item.EventType,
		item.ErrorMessage,
		nullString(item.ErrorStack),
		payload,
		item.Status,
		item.RetryCount,
		item.FailedAt,
		nullTime(item.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to add dead letter item: %w", err)
	}

	return nil
}

func (r *WebhookRepository) DeadLetterByID(ctx context.Context, id string) (*models.DeadLetterItem, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deadLetterColumns+" FROM webhook_dead_letters WHERE id = $1", id)

	item, err := r.scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("DeadLetterByID", "dead letter", id, persistence.ErrDeadLetterNotFound)
		}

		return nil, fmt.Errorf("failed to scan dead letter item: %w", err)
	}

	return item, nil
}

func (r *WebhookRepository) PendingDeadLetters(ctx context.Context, maxRetries, limit int) ([]*models.DeadLetterItem, error) {
	query := "SELECT " + deadLetterColumns + `
		FROM webhook_dead_letters
		WHERE status = $1 AND retry_count < $2
		ORDER BY failed_at
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, models.DeadLetterPending, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter items: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	items := make([]*models.DeadLetterItem, 0)

	for rows.Next() {
		item, err := r.scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter item: %w", err)
		}

		items = append(items, item)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating dead letter items: %w", err)
	}

	return items, nil
}

func (r *WebhookRepository) UpdateDeadLetter(ctx context.Context, id string, status models.DeadLetterStatus, retryCount int, resolvedAt *time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhook_dead_letters
		SET status = $2, retry_count = $3, resolved_at = COALESCE($4, resolved_at)
		WHERE id = $1
	`, id, status, retryCount, nullTime(resolvedAt))
	if err != nil {
		return fmt.Errorf("failed to update dead letter item: %w", err)
	}

	n, err := affected(result)
	if err != nil {
		return err
	}

	if n == 0 {
		return persistence.NewEntityError("UpdateDeadLetter", "dead letter", id, persistence.ErrDeadLetterNotFound)
	}

	return nil
}

func (r *WebhookRepository) scanDeadLetter(row scanner) (*models.DeadLetterItem, error) {
	var (
		item                     models.DeadLetterItem
		credentialID, errorStack sql.NullString
		resolvedAt               sql.NullTime
	)

	err := row.Scan(
		&item.ID,
		&item.Provider,
		&credentialID,
		&item.EventID,
		&item.EventType,
		&item.ErrorMessage,
		&errorStack,
		&item.Payload,
		&item.Status,
		&item.RetryCount,
		&item.FailedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	item.CredentialID = credentialID.String
	item.ErrorStack = errorStack.String
	item.ResolvedAt = timePtr(resolvedAt)

	return &item, nil
}
