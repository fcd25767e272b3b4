package models

import "time"

type BookingStatus string

const (
	BookingStatusScheduled BookingStatus = "scheduled"
	BookingStatusCanceled  BookingStatus = "canceled"
)

type AttributionMethod string

const (
	AttributionUTM   AttributionMethod = "UTM"
	AttributionEmail AttributionMethod = "EMAIL"
)

type ReceivedVia string

const (
	ReceivedViaWebhook ReceivedVia = "WEBHOOK"
	ReceivedViaPolling ReceivedVia = "POLLING"
)

// Booking is a provider meeting attributed to a lead. (Provider,
// ProviderEventID) is unique.
type Booking struct {
	ID                 string            `json:"id"`
	WorkspaceID        string            `json:"workspace_id"`
	LeadID             string            `json:"lead_id"`
	CredentialID       string            `json:"credential_id"`
	Provider           ProviderKind      `json:"provider"`
	ProviderEventID    string            `json:"provider_event_id"`
	EventName          string            `json:"event_name"`
	StartTime          time.Time         `json:"start_time"`
	EndTime            time.Time         `json:"end_time"`
	InviteeEmail       string            `json:"invitee_email"`
	InviteeName        string            `json:"invitee_name,omitempty"`
	Status             BookingStatus     `json:"status"`
	AttributionMethod  AttributionMethod `json:"attribution_method,omitempty"`
	UTMContent         string            `json:"utm_content,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	ReceivedVia        ReceivedVia       `json:"received_via"`
	RawPayload         []byte            `json:"raw_payload,omitempty"`
	SyncedAt           time.Time         `json:"synced_at"`
	CreatedAt          time.Time         `json:"created_at"`
}
