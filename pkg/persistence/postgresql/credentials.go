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

const credentialColumns = `
	id
  , user_id
  , workspace_id
  , provider
  , provider_email
  , access_token
  , refresh_token
  , expires_at
  , is_active
  , provider_plan
  , polling_enabled
  , polling_cursor
  , polling_last_run_at
  , webhook_enabled
  , webhook_url
  , webhook_signing_key
  , webhook_failed_attempts
  , webhook_last_verified_at
  , api_rate_limit_remaining
  , api_rate_limit_reset_at
  , metadata
  , created_at
  , updated_at
`

// CredentialRepository handles OAuth credential database operations.
type CredentialRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(db *sql.DB, logger *slog.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, logger: logger}
}

func (r *CredentialRepository) CredentialByID(ctx context.Context, id string) (*models.OAuthCredential, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM oauth_credentials WHERE id = $1", id)

	credential, err := r.scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("CredentialByID", "credential", id, persistence.ErrCredentialNotFound)
		}

		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}

	return credential, nil
}

// SaveCredential inserts or replaces a credential.
func (r *CredentialRepository) SaveCredential(ctx context.Context, credential *models.OAuthCredential) error {
	now := time.Now().UTC()

	if credential.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		credential.ID = id
	}

	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}

	credential.UpdatedAt = now

	metadataJSON, err := marshalJSON(credential.Metadata)
	if err != nil {
		return err
	}

	var remaining sql.NullInt64
	if credential.APIRateLimitRemaining != nil {
		remaining = sql.NullInt64{Int64: int64(*credential.APIRateLimitRemaining), Valid: true}
	}

	query := `
		INSERT INTO oauth_credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			workspace_id = EXCLUDED.workspace_id,
			provider = EXCLUDED.provider,
			provider_email = EXCLUDED.provider_email,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active,
			provider_plan = EXCLUDED.provider_plan,
			polling_enabled = EXCLUDED.polling_enabled,
			polling_cursor = EXCLUDED.polling_cursor,
			polling_last_run_at = EXCLUDED.polling_last_run_at,
			webhook_enabled = EXCLUDED.webhook_enabled,
			webhook_url = EXCLUDED.webhook_url,
			webhook_signing_key = EXCLUDED.webhook_signing_key,
			webhook_failed_attempts = EXCLUDED.webhook_failed_attempts,
			webhook_last_verified_at = EXCLUDED.webhook_last_verified_at,
			api_rate_limit_remaining = EXCLUDED.api_rate_limit_remaining,
			api_rate_limit_reset_at = EXCLUDED.api_rate_limit_reset_at,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		credential.ID,
		credential.UserID,
		credential.WorkspaceID,
		credential.Provider,
		nullString(credential.ProviderEmail),
		credential.AccessToken,
		nullString(credential.RefreshToken),
		nullTime(credential.ExpiresAt),
		credential.IsActive,
		credential.ProviderPlan,
		credential.PollingEnabled,
		nullString(credential.PollingCursor),
		nullTime(credential.PollingLastRunAt),
		credential.WebhookEnabled,
		nullString(credential.WebhookURL),
		nullString(credential.WebhookSigningKey),
		credential.WebhookFailedAttempts,
		nullTime(credential.WebhookLastVerifiedAt),
		remaining,
		nullTime(credential.APIRateLimitResetAt),
		metadataJSON,
		credential.CreatedAt,
		credential.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

func (r *CredentialRepository) exec(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewEntityError(op, "credential", id, err)
	}

	n, err := affected(result)
	if err != nil {
		return err
	}

	if n == 0 {
		return persistence.NewEntityError(op, "credential", id, persistence.ErrCredentialNotFound)
	}

	return nil
}

func (r *CredentialRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	return r.exec(ctx, "UpdateTokens", id, `
		UPDATE oauth_credentials
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, accessToken, nullString(refreshToken), nullTime(expiresAt))
}

func (r *CredentialRepository) DeactivateCredential(ctx context.Context, id string) error {
	return r.exec(ctx, "DeactivateCredential", id,
		"UPDATE oauth_credentials SET is_active = false, updated_at = NOW() WHERE id = $1", id)
}

func (r *CredentialRepository) UpdateRateLimit(ctx context.Context, id string, remaining int, resetAt time.Time) error {
	return r.exec(ctx, "UpdateRateLimit", id, `
		UPDATE oauth_credentials
		SET api_rate_limit_remaining = $2, api_rate_limit_reset_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, remaining, resetAt)
}

// IncrementWebhookFailures bumps the counter in a single statement so
// concurrent failures never lose an increment. Reaching the threshold moves
// the credential from webhooks to polling.
func (r *CredentialRepository) IncrementWebhookFailures(ctx context.Context, id string, threshold int) (int, error) {
	var attempts int

	err := r.db.QueryRowContext(ctx, `
		UPDATE oauth_credentials
		SET webhook_failed_attempts = webhook_failed_attempts + 1,
			webhook_enabled = CASE WHEN webhook_failed_attempts + 1 >= $2 THEN false ELSE webhook_enabled END,
			polling_enabled = CASE WHEN webhook_failed_attempts + 1 >= $2 THEN true ELSE polling_enabled END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING webhook_failed_attempts
	`, id, threshold).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, persistence.NewEntityError("IncrementWebhookFailures", "credential", id, persistence.ErrCredentialNotFound)
		}

		return 0, fmt.Errorf("failed to increment webhook failures: %w", err)
	}

	return attempts, nil
}

func (r *CredentialRepository) ResetWebhookFailures(ctx context.Context, id string, verifiedAt time.Time) error {
	return r.exec(ctx, "ResetWebhookFailures", id, `
		UPDATE oauth_credentials
		SET webhook_failed_attempts = 0, webhook_last_verified_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, verifiedAt)
}

func (r *CredentialRepository) PollableCredentials(ctx context.Context, provider models.ProviderKind, plan models.ProviderPlan) ([]*models.OAuthCredential, error) {
	query := "SELECT " + credentialColumns + `
		FROM oauth_credentials
		WHERE provider = $1 AND is_active AND polling_enabled
			AND (provider_plan = $2 OR ($3::boolean AND NOT webhook_enabled))
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, provider, plan, plan == models.ProviderPlanFree)
	if err != nil {
		return nil, fmt.Errorf("failed to query pollable credentials: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	credentials := make([]*models.OAuthCredential, 0)

	for rows.Next() {
		credential, err := r.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}

		credentials = append(credentials, credential)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return credentials, nil
}

func (r *CredentialRepository) UpdatePollingState(ctx context.Context, id, cursor string, lastRunAt time.Time) error {
	return r.exec(ctx, "UpdatePollingState", id, `
		UPDATE oauth_credentials
		SET polling_cursor = $2, polling_last_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, nullString(cursor), lastRunAt)
}

func (r *CredentialRepository) scanCredential(row scanner) (*models.OAuthCredential, error) {
	var (
		credential                                                  models.OAuthCredential
		providerEmail, refreshToken, cursor, webhookURL, signingKey sql.NullString
		expiresAt, lastRunAt, lastVerifiedAt, resetAt               sql.NullTime
		remaining                                                   sql.NullInt64
		metadataJSON                                                []byte
	)

	err := row.Scan(
		&credential.ID,
		&credential.UserID,
		&credential.WorkspaceID,
		&credential.Provider,
		&providerEmail,
		&credential.AccessToken,
		&refreshToken,
		&expiresAt,
		&credential.IsActive,
		&credential.ProviderPlan,
		&credential.PollingEnabled,
		&cursor,
		&lastRunAt,
		&credential.WebhookEnabled,
		&webhookURL,
		&signingKey,
		&credential.WebhookFailedAttempts,
		&lastVerifiedAt,
		&remaining,
		&resetAt,
		&metadataJSON,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	credential.ProviderEmail = providerEmail.String
	credential.RefreshToken = refreshToken.String
	credential.PollingCursor = cursor.String
	credential.WebhookURL = webhookURL.String
	credential.WebhookSigningKey = signingKey.String
	credential.ExpiresAt = timePtr(expiresAt)
	credential.PollingLastRunAt = timePtr(lastRunAt)
	credential.WebhookLastVerifiedAt = timePtr(lastVerifiedAt)
	credential.APIRateLimitResetAt = timePtr(resetAt)

	if remaining.Valid {
		v := int(remaining.Int64)
		credential.APIRateLimitRemaining = &v
	}

	credential.Metadata, err = unmarshalMap(metadataJSON)
	if err != nil {
		return nil, err
	}

	return &credential, nil
}
