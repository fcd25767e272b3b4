package calendly

import (
	"time"

	"github.com/dukex/flowtrack/pkg/models"
)

type User struct {
	URI                 string `json:"uri"`
	Name                string `json:"name"`
	Email               string `json:"email"`
	Timezone            string `json:"timezone"`
	CurrentOrganization string `json:"current_organization"`
}

type Location struct {
	Type     string `json:"type"`
	Location string `json:"location,omitempty"`
	JoinURL  string `json:"join_url,omitempty"`
}

type Cancellation struct {
	CanceledBy string `json:"canceled_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ScheduledEvent struct {
	URI          string        `json:"uri"`
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	EventType    string        `json:"event_type,omitempty"`
	Location     *Location     `json:"location,omitempty"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
}

// BookingStatus maps Calendly's "active"/"canceled" onto booking status.
func (e ScheduledEvent) BookingStatus() models.BookingStatus {
	if e.Status == "canceled" {
		return models.BookingStatusCanceled
	}

	return models.BookingStatusScheduled
}

// Tracking carries the UTM parameters of the scheduling link. Keys are
// matched case-insensitively, so UTM_CONTENT decodes too.
type Tracking struct {
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
}

type Invitee struct {
	URI          string        `json:"uri"`
	Email        string        `json:"email"`
	Name         string        `json:"name"`
	Timezone     string        `json:"timezone,omitempty"`
	Status       string        `json:"status,omitempty"`
	Tracking     Tracking      `json:"tracking"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`
}

type Pagination struct {
	Count         int    `json:"count"`
	NextPage      string `json:"next_page,omitempty"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

type EventPage struct {
	Collection []ScheduledEvent `json:"collection"`
	Pagination Pagination       `json:"pagination"`
}
