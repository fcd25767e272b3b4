package models

import "time"

// OAuthCredential is one (user, provider) connection with its token, quota
// and webhook health state.
type OAuthCredential struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	WorkspaceID           string         `json:"workspace_id"`
	Provider              ProviderKind   `json:"provider"`
	ProviderEmail         string         `json:"provider_email,omitempty"`
	AccessToken           string         `json:"-"`
	RefreshToken          string         `json:"-"`
	ExpiresAt             *time.Time     `json:"expires_at,omitempty"`
	IsActive              bool           `json:"is_active"`
	ProviderPlan          ProviderPlan   `json:"provider_plan"`
	PollingEnabled        bool           `json:"polling_enabled"`
	PollingCursor         string         `json:"polling_cursor,omitempty"`
	PollingLastRunAt      *time.Time     `json:"polling_last_run_at,omitempty"`
	WebhookEnabled        bool           `json:"webhook_enabled"`
	WebhookURL            string         `json:"webhook_url,omitempty"`
	WebhookSigningKey     string         `json:"-"`
	WebhookFailedAttempts int            `json:"webhook_failed_attempts"`
	WebhookLastVerifiedAt *time.Time     `json:"webhook_last_verified_at,omitempty"`
	APIRateLimitRemaining *int           `json:"api_rate_limit_remaining,omitempty"`
	APIRateLimitResetAt   *time.Time     `json:"api_rate_limit_reset_at,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}
