// Package calendly connects Calendly accounts to the booking pipeline: an API
// client for polling, the webhook processor and the per-credential poller.
package calendly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/oauth"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIBase  = "https://api.calendly.com"
	DefaultAuthBase = "https://auth.calendly.com"

	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is requests per second across all credentials.
	DefaultRateLimit = 5

	maxErrorBody = 4096
)

// Tokens is the part of the token manager the client needs.
type Tokens interface {
	GetValidAccessToken(ctx context.Context, credentialID string) (string, error)
	UpdateRateLimit(ctx context.Context, credentialID string, remaining int, resetAt time.Time) error
}

// APIError is a non-2xx answer from the Calendly API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendly api %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Client struct {
	apiBase    string
	httpClient *http.Client
	tokens     Tokens
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

type ClientOption func(*Client)

func WithAPIBase(apiBase string) ClientOption {
	return func(c *Client) {
		c.apiBase = strings.TrimRight(apiBase, "/")
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

func NewClient(tokens Tokens, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     logger.With("module", "calendly_client"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewRefresher returns the token refresher for Calendly's OAuth server.
func NewRefresher(authBase, clientID, clientSecret string, httpClient *http.Client) *oauth.OAuth2Refresher {
	if authBase == "" {
		authBase = DefaultAuthBase
	}

	return oauth.NewOAuth2Refresher(clientID, clientSecret, strings.TrimRight(authBase, "/")+"/oauth/token", httpClient)
}

// CurrentUser returns the account behind the credential.
func (c *Client) CurrentUser(ctx context.Context, credentialID string) (*User, error) {
	var response struct {
		Resource User `json:"resource"`
	}

	err := c.get(ctx, credentialID, "/users/me", nil, &response)
	if err != nil {
		return nil, err
	}

	return &response.Resource, nil
}

// EventQuery selects a page of scheduled events. Cursor takes precedence over
// MinStartTime.
type EventQuery struct {
	UserURI      string
	Cursor       string
	MinStartTime time.Time
	Count        int
}

func (c *Client) ScheduledEvents(ctx context.Context, credentialID string, query EventQuery) (*EventPage, error) {
	params := url.Values{}
	params.Set("user", query.UserURI)
	params.Set("status", "active")

	count := query.Count
	if count <= 0 {
		count = 100
	}

	params.Set("count", strconv.Itoa(count))

	if query.Cursor != "" {
		params.Set("page_token", query.Cursor)
	} else if !query.MinStartTime.IsZero() {
		params.Set("min_start_time", query.MinStartTime.UTC().Format(time.RFC3339))
	}

	var page EventPage

	err := c.get(ctx, credentialID, "/scheduled_events", params, &page)
	if err != nil {
		return nil, err
	}

	return &page, nil
}

// Invitees lists the invitees of a scheduled event. eventURI is the absolute
// event URI returned by the API.
func (c *Client) Invitees(ctx context.Context, credentialID, eventURI string) ([]Invitee, error) {
	var response struct {
		Collection []Invitee `json:"collection"`
	}

	err := c.get(ctx, credentialID, strings.TrimRight(eventURI, "/")+"/invitees", nil, &response)
	if err != nil {
		return nil, err
	}

	return response.Collection, nil
}

// DetectPlan tells paid accounts from free ones: only paid plans may list
// webhook subscriptions. Any failure is treated as FREE.
func (c *Client) DetectPlan(ctx context.Context, credentialID, organizationURI string) models.ProviderPlan {
	params := url.Values{}
	params.Set("organization", organizationURI)
	params.Set("scope", "organization")

	var response json.RawMessage

	err := c.get(ctx, credentialID, "/webhook_subscriptions", params, &response)

	switch {
	case err == nil:
		return models.ProviderPlanPro
	case IsStatus(err, http.StatusForbidden), IsStatus(err, http.StatusPaymentRequired):
		return models.ProviderPlanFree
	default:
		c.logger.WarnContext(ctx, "Could not detect Calendly plan type, defaulting to FREE", "credential_id", credentialID, "error", err)

		return models.ProviderPlanFree
	}
}

func (c *Client) get(ctx context.Context, credentialID, path string, params url.Values, result any) error {
	err := c.limiter.Wait(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	token, err := c.tokens.GetValidAccessToken(ctx, credentialID)
	if err != nil {
		return err
	}

	reqURL := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		reqURL = c.apiBase + path
	}

	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	c.logger.DebugContext(ctx, "Calendly API request", "url", path, "credential_id", credentialID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	c.recordRateLimit(ctx, credentialID, resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	err = json.NewDecoder(resp.Body).Decode(result)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *Client) recordRateLimit(ctx context.Context, credentialID string, header http.Header) {
	remaining, resetAt, ok := oauth.RateLimitFromHeaders(header, c.now())
	if !ok {
		return
	}

	err := c.tokens.UpdateRateLimit(ctx, credentialID, remaining, resetAt)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to record rate limit", "credential_id", credentialID, "error", err)
	}
}
