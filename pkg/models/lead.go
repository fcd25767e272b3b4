package models

import (
	"strings"
	"time"
)

type LeadStatus string

const (
	LeadStatusNew          LeadStatus = "NEW"
	LeadStatusEmailSent    LeadStatus = "EMAIL_SENT"
	LeadStatusFollowUpSent LeadStatus = "FOLLOW_UP_SENT"
	LeadStatusBooked       LeadStatus = "BOOKED"
	LeadStatusLost         LeadStatus = "LOST"
)

type LeadSource string

const (
	LeadSourceForm   LeadSource = "FORM"
	LeadSourceManual LeadSource = "MANUAL"
)

// Lead is a person advanced through a workflow. FieldData holds the captured
// form answers keyed by form field key.
type Lead struct {
	ID                string            `json:"id"`
	WorkspaceID       string            `json:"workspace_id"`
	WorkflowID        string            `json:"workflow_id"`
	Email             string            `json:"email"`
	Name              string            `json:"name,omitempty"`
	CompanyName       string            `json:"company_name,omitempty"`
	Status            LeadStatus        `json:"status"`
	Source            LeadSource        `json:"source"`
	FieldData         map[string]string `json:"field_data,omitempty"`
	LastEmailSentAt   *time.Time        `json:"last_email_sent_at,omitempty"`
	LastEmailOpenedAt *time.Time        `json:"last_email_opened_at,omitempty"`
	LastActivityAt    *time.Time        `json:"last_activity_at,omitempty"`
	MeetingEventID    string            `json:"meeting_event_id,omitempty"`
	MeetingStatus     string            `json:"meeting_status,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Field returns a captured form value and whether it was present.
func (l *Lead) Field(key string) (string, bool) {
	if l.FieldData == nil {
		return "", false
	}

	v, ok := l.FieldData[key]

	return v, ok
}

// FirstName is the greeting name used by outreach templates.
func (l *Lead) FirstName() string {
	if fields := strings.Fields(l.Name); len(fields) > 0 {
		return fields[0]
	}

	return "there"
}

// NormalizeEmail lowercases and trims an address for matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
