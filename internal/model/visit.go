package model

import "time"

// VisitStatus is the lifecycle state of a visit.
type VisitStatus string

const (
	VisitStatusScheduled VisitStatus = "scheduled"
	VisitStatusActive    VisitStatus = "active"
	VisitStatusCompleted VisitStatus = "completed"
	VisitStatusCancelled VisitStatus = "cancelled"
)

// Visit is a concrete scheduled or ongoing service occurrence tied to a sitter and a client.
// The records are owned by the booking system; this service only reads them.
type Visit struct {
	ID             string      `gorm:"primaryKey;size:64" json:"id"`
	WorkerID       string      `gorm:"index;size:64" json:"workerId"`
	ClientID       string      `gorm:"size:64" json:"clientId"`
	Status         VisitStatus `gorm:"index;size:16;not null" json:"status"`
	ScheduledStart time.Time   `json:"scheduledStart"`
	ScheduledEnd   time.Time   `json:"scheduledEnd"`
	BookingID      *string     `gorm:"size:64" json:"bookingId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// IsActive reports whether the visit is currently in progress.
func (v Visit) IsActive() bool {
	return v.Status == VisitStatusActive
}

// LinkedBookingID returns the booking id the visit points to, or "" when none is linked.
func (v Visit) LinkedBookingID() string {
	if v.BookingID == nil {
		return ""
	}
	return *v.BookingID
}
