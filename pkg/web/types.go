package web

import (
	"time"

	"github.com/dukex/flowtrack/pkg/models"
	"github.com/dukex/flowtrack/pkg/polling"
	"github.com/dukex/flowtrack/pkg/queue"
	"github.com/dukex/flowtrack/pkg/webhook"
	"github.com/dukex/flowtrack/pkg/workflow"
)

type FormSubmissionRequest struct {
	LeadID string         `json:"leadId" validate:"required,min=1,max=64"`
	Data   map[string]any `json:"data,omitempty"`
}

type FormSubmissionResponse struct {
	ExecutionID string `json:"executionId"`
}

type RetryExecutionResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

type WebhookResponse struct {
	Received bool            `json:"received"`
	Outcome  webhook.Outcome `json:"outcome"`
}

type DeadLetterListResponse struct {
	Items []*models.DeadLetterItem `json:"items"`
	Count int                      `json:"count"`
}

type DeadLetterActionResponse struct {
	ID     string                  `json:"id"`
	Status models.DeadLetterStatus `json:"status"`
}

type TriggerPollingResponse struct {
	Triggered bool     `json:"triggered"`
	JobIDs    []string `json:"jobIds"`
}

type PollingQueueStatsResponse struct {
	polling.QueueStats

	RecentJobs []*queue.Job `json:"recentJobs"`
}

type CleanupResponse struct {
	Deleted int `json:"deleted"`
}

// BookingHealthResponse summarizes the booking pipeline of a workspace.
type BookingHealthResponse struct {
	Status             string                    `json:"status"`
	WebhookURLTemplate string                    `json:"webhookUrlTemplate,omitempty"`
	PendingDeadLetters int                       `json:"pendingDeadLetters"`
	PollingQueue       polling.QueueStats        `json:"pollingQueue"`
	PolledCredentials  []polling.CredentialStats `json:"polledCredentials"`
	RunningPolls       []*models.PollingRun      `json:"runningPolls"`
	WorkflowQueue      workflow.Metrics          `json:"workflowQueue"`
	CredentialWebhook  *CredentialWebhookHealth  `json:"credentialWebhook,omitempty"`
}

type CredentialWebhookHealth struct {
	CredentialID   string     `json:"credentialId"`
	WebhookEnabled bool       `json:"webhookEnabled"`
	FailedAttempts int        `json:"failedAttempts"`
	LastVerifiedAt *time.Time `json:"lastVerifiedAt,omitempty"`
}
