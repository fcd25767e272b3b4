package models

import "time"

type PollingRunStatus string

const (
	PollingRunRunning   PollingRunStatus = "RUNNING"
	PollingRunCompleted PollingRunStatus = "COMPLETED"
	PollingRunFailed    PollingRunStatus = "FAILED"
)

// PollingRun records one pull of booking state for one credential.
type PollingRun struct {
	ID            string           `json:"id"`
	CredentialID  string           `json:"credential_id"`
	Status        PollingRunStatus `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	EventsFetched int              `json:"events_fetched"`
	EventsCreated int              `json:"events_created"`
	EventsUpdated int              `json:"events_updated"`
	DurationMs    int64            `json:"duration_ms"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}
