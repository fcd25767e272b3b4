// Package persistence provides the storage contracts of the outreach engine.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/flowtrack/pkg/models"
)

// Persistence groups every repository behind one connection lifecycle.
type Persistence interface {
	Credentials() CredentialRepository
	Workflows() WorkflowRepository
	Leads() LeadRepository
	Executions() ExecutionRepository
	Bookings() BookingRepository
	Webhooks() WebhookRepository
	PollingRuns() PollingRunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// CredentialRepository stores OAuth credentials. It takes no locks: concurrent
// writers to the same credential are last-writer-wins.
type CredentialRepository interface {
	CredentialByID(ctx context.Context, id string) (*models.OAuthCredential, error)
	SaveCredential(ctx context.Context, credential *models.OAuthCredential) error
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
	DeactivateCredential(ctx context.Context, id string) error
	UpdateRateLimit(ctx context.Context, id string, remaining int, resetAt time.Time) error
	// IncrementWebhookFailures atomically bumps the failure counter. Once the
	// counter reaches threshold it clears webhook_enabled and sets
	// polling_enabled, moving the credential onto polling. It returns the new count.
	IncrementWebhookFailures(ctx context.Context, id string, threshold int) (int, error)
	ResetWebhookFailures(ctx context.Context, id string, verifiedAt time.Time) error
	// PollableCredentials returns the active, polling-enabled credentials of a
	// provider plan. The FREE plan also takes every credential whose webhook is
	// disabled, whatever its plan.
	PollableCredentials(ctx context.Context, provider models.ProviderKind, plan models.ProviderPlan) ([]*models.OAuthCredential, error)
	UpdatePollingState(ctx context.Context, id, cursor string, lastRunAt time.Time) error
}

type WorkflowRepository interface {
	// WorkflowByID returns the workflow with its nodes and edges loaded.
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	// LatestWorkflow returns the newest draft or active workflow of a workspace.
	LatestWorkflow(ctx context.Context, workspaceID string) (*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
}

type LeadRepository interface {
	LeadByID(ctx context.Context, id string) (*models.Lead, error)
	// LeadByEmail returns the newest lead of the workspace with the normalized email.
	LeadByEmail(ctx context.Context, workspaceID, email string) (*models.Lead, error)
	SaveLead(ctx context.Context, lead *models.Lead) error
	DeleteLead(ctx context.Context, id string) error
	RecordEmailSent(ctx context.Context, id string, status models.LeadStatus, sentAt time.Time) error
	UpdateLeadStatus(ctx context.Context, id string, status models.LeadStatus) error
	// UpdateLeadMeeting stores the meeting reference; a scheduled meeting also
	// moves the lead to BOOKED.
	UpdateLeadMeeting(ctx context.Context, id, eventID string, meetingStatus models.BookingStatus) error
}

type ExecutionRepository interface {
	ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
	Steps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error)
	CountSteps(ctx context.Context, executionID string) (int, error)
	SaveStep(ctx context.Context, step *models.ExecutionStep) error
	DeleteSteps(ctx context.Context, executionID string) (int, error)
}

type BookingRepository interface {
	BookingByProviderEvent(ctx context.Context, provider models.ProviderKind, providerEventID string) (*models.Booking, error)
	// CreateBooking fails with ErrBookingAlreadyExists when the
	// (provider, providerEventID) pair is taken.
	CreateBooking(ctx context.Context, booking *models.Booking) error
	UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus, reason string) error
	CountBookingsForLead(ctx context.Context, leadID string) (int, error)
}

type WebhookRepository interface {
	IdempotencyKeyExists(ctx context.Context, key string) (bool, error)
	// CreateIdempotencyKey is a no-op when the key is already present.
	CreateIdempotencyKey(ctx context.Context, key *models.IdempotencyKey) error
	DeleteIdempotencyKeysBefore(ctx context.Context, before time.Time) (int, error)

	AddDeadLetter(ctx context.Context, item *models.DeadLetterItem) error
	DeadLetterByID(ctx context.Context, id string) (*models.DeadLetterItem, error)
	// PendingDeadLetters lists PENDING items with retry_count below maxRetries,
	// oldest first.
	PendingDeadLetters(ctx context.Context, maxRetries, limit int) ([]*models.DeadLetterItem, error)
	UpdateDeadLetter(ctx context.Context, id string, status models.DeadLetterStatus, retryCount int, resolvedAt *time.Time) error
}

type PollingRunRepository interface {
	SavePollingRun(ctx context.Context, run *models.PollingRun) error
	RecentPollingRuns(ctx context.Context, credentialID string, limit int) ([]*models.PollingRun, error)
	RunningPollingRuns(ctx context.Context, limit int) ([]*models.PollingRun, error)
	DeletePollingRunsBefore(ctx context.Context, before time.Time) (int, error)
}
