package models

import "time"

// IdempotencyKey marks an external event as applied. Key is
// "{provider}:{externalEventId}".
type IdempotencyKey struct {
	Key         string         `json:"key"`
	ProcessedAt time.Time      `json:"processed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "PENDING"
	DeadLetterResolved  DeadLetterStatus = "RESOLVED"
	DeadLetterAbandoned DeadLetterStatus = "ABANDONED"
)

// DeadLetterItem holds a verified webhook whose application failed.
type DeadLetterItem struct {
	ID           string           `json:"id"`
	Provider     ProviderKind     `json:"provider"`
	CredentialID string           `json:"credential_id"`
	EventID      string           `json:"event_id"`
	EventType    string           `json:"event_type"`
	ErrorMessage string           `json:"error_message"`
	ErrorStack   string           `json:"error_stack,omitempty"`
	Payload      []byte           `json:"payload"`
	Status       DeadLetterStatus `json:"status"`
	RetryCount   int              `json:"retry_count"`
	FailedAt     time.Time        `json:"failed_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}
