// Package oauth hands out valid access tokens for provider credentials,
// refreshing them when they are about to expire, and tracks provider quotas.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/persistence"
	"golang.org/x/oauth2"
)

const (
	// RefreshBuffer is how close to expiry a token may get before it is
	// refreshed instead of served.
	RefreshBuffer = 5 * time.Minute

	fallbackTokenTTL = time.Hour
)

type TokenManager struct {
	credentials persistence.CredentialRepository
	refreshers  map[models.ProviderKind]Refresher
	cache       TokenCache
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*TokenManager)

func WithCache(cache TokenCache) Option {
	return func(m *TokenManager) {
		m.cache = cache
	}
}

func WithRefresher(provider models.ProviderKind, refresher Refresher) Option {
	return func(m *TokenManager) {
		m.refreshers[provider] = refresher
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) {
		m.now = now
	}
}

func NewTokenManager(credentials persistence.CredentialRepository, logger *slog.Logger, opts ...Option) *TokenManager {
	m := &TokenManager{
		credentials: credentials,
		refreshers:  make(map[models.ProviderKind]Refresher),
		cache:       NewMemoryCache(),
		logger:      logger.With("module", "token_manager"),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GetValidAccessToken returns an access token that stays valid for at least
// RefreshBuffer, refreshing it through the provider when needed. A failed
// refresh deactivates the credential.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, credentialID string) (string, error) {
	now := m.now()

	if cached, ok := m.cache.Get(credentialID); ok && cached.ExpiresAt.After(now.Add(RefreshBuffer)) {
		return cached.AccessToken, nil
	}

	credential, err := m.credentials.CredentialByID(ctx, credentialID)
	if persistence.IsNotFound(err) {
		return "", fmt.Errorf("%w: oauth credential %s not found", ErrUnauthorized, credentialID)
	}

	if err != nil {
		return "", fmt.Errorf("failed to load credential %s: %w", credentialID, err)
	}

	if !credential.IsActive {
		return "", fmt.Errorf("%w: oauth credential %s is inactive", ErrUnauthorized, credentialID)
	}

	if m.needsRefresh(credential, now) && credential.RefreshToken != "" {
		return m.refresh(ctx, credential)
	}

	expiresAt := now.Add(fallbackTokenTTL)
	if credential.ExpiresAt != nil {
		expiresAt = *credential.ExpiresAt
	}

	m.remember(credentialID, CachedToken{AccessToken: credential.AccessToken, ExpiresAt: expiresAt})

	return credential.AccessToken, nil
}

func (m *TokenManager) needsRefresh(credential *models.OAuthCredential, now time.Time) bool {
	if credential.ExpiresAt == nil {
		return true
	}

	return credential.ExpiresAt.Before(now.Add(RefreshBuffer))
}

func (m *TokenManager) refresh(ctx context.Context, credential *models.OAuthCredential) (string, error) {
	logger := m.logger.With("credential_id", credential.ID, "provider", credential.Provider)
	logger.InfoContext(ctx, "Refreshing access token")

	token, err := m.runRefresher(ctx, credential)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to refresh access token", "error", err)

		deactivateErr := m.credentials.DeactivateCredential(ctx, credential.ID)
		if deactivateErr != nil {
			logger.ErrorContext(ctx, "Failed to deactivate credential", "error", deactivateErr)
		}

		m.cache.Delete(credential.ID)

		return "", fmt.Errorf("%w: failed to refresh access token: %w", ErrUnauthorized, err)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = credential.RefreshToken
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(fallbackTokenTTL)
	}

	err = m.credentials.UpdateTokens(ctx, credential.ID, token.AccessToken, refreshToken, &expiresAt)
	if err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}

	m.remember(credential.ID, CachedToken{AccessToken: token.AccessToken, ExpiresAt: expiresAt})

	return token.AccessToken, nil
}

func (m *TokenManager) runRefresher(ctx context.Context, credential *models.OAuthCredential) (*oauth2.Token, error) {
	refresher, ok := m.refreshers[credential.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider type: %s", credential.Provider)
	}

	return refresher.Refresh(ctx, credential.RefreshToken)
}

// remember caches the token until its expiry on the manager's clock.
func (m *TokenManager) remember(credentialID string, token CachedToken) {
	m.cache.Set(credentialID, token, token.ExpiresAt.Sub(m.now()))
}

// CheckRateLimit reports whether the provider quota allows another request.
// A missing credential is treated as exhausted.
func (m *TokenManager) CheckRateLimit(ctx context.Context, credentialID string) (bool, error) {
	credential, err := m.credentials.CredentialByID(ctx, credentialID)
	if persistence.IsNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to load credential %s: %w", credentialID, err)
	}

	if credential.APIRateLimitRemaining == nil || credential.APIRateLimitResetAt == nil {
		return true, nil
	}

	if !credential.APIRateLimitResetAt.After(m.now()) {
		return true, nil
	}

	return *credential.APIRateLimitRemaining > 0, nil
}

func (m *TokenManager) UpdateRateLimit(ctx context.Context, credentialID string, remaining int, resetAt time.Time) error {
	err := m.credentials.UpdateRateLimit(ctx, credentialID, remaining, resetAt)
	if err != nil {
		return fmt.Errorf("failed to update rate limit: %w", err)
	}

	return nil
}

func (m *TokenManager) ClearCache(credentialID string) {
	m.cache.Delete(credentialID)
}

func (m *TokenManager) ClearAllCache() {
	m.cache.Flush()
}
