package model

import "time"

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusActive    BookingStatus = "active"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking is the commercial record behind a visit. It is the display and fallback source
// when no visit data is available.
type Booking struct {
	ID              string        `gorm:"primaryKey;size:64" json:"id"`
	WorkerID        string        `gorm:"index;size:64" json:"workerId"`
	ClientID        string        `gorm:"size:64" json:"clientId"`
	ServiceType     string        `gorm:"size:64" json:"serviceType"`
	ScheduledDate   time.Time     `json:"scheduledDate"`
	DurationMinutes int           `json:"duration"`
	Price           float64       `json:"price"`
	Status          BookingStatus `gorm:"index;size:16;not null" json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`

	// Synthesized marks a display booking built from a visit that had no real booking.
	Synthesized bool `gorm:"-" json:"synthesized,omitempty"`
}
