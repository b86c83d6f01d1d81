// Package resolver derives the currently active visits and the bookings shown for them from the
// independently refreshed visit and booking feeds.
package resolver

import (
	"log"

	"sitter-tracking-backend/internal/model"
)

// Result is the outcome of one resolution pass.
type Result struct {
	ActiveVisits      []model.Visit
	EffectiveBookings []model.Booking
	// MissingIdentity lists the ids of active visits that were skipped for lacking a worker id.
	MissingIdentity []string
}

// Resolve computes the active visit set and the bookings to display for it.
//
// With at least one active visit, each visit is paired with its real booking (looked up by the
// linked booking id, then by the visit id); visits without one get a synthesized display booking.
// Without active visits the raw active bookings are used unchanged.
func Resolve(visits []model.Visit, bookings []model.Booking) Result {
	var res Result
	for _, v := range visits {
		if !v.IsActive() {
			continue
		}
		if v.WorkerID == "" {
			log.Printf("Skipping active visit %s: no worker id", v.ID)
			res.MissingIdentity = append(res.MissingIdentity, v.ID)
			continue
		}
		res.ActiveVisits = append(res.ActiveVisits, v)
	}

	if len(res.ActiveVisits) == 0 {
		for _, b := range bookings {
			if b.Status == model.BookingStatusActive {
				res.EffectiveBookings = append(res.EffectiveBookings, b)
			}
		}
		return res
	}

	byID := make(map[string]model.Booking, len(bookings))
	for _, b := range bookings {
		byID[b.ID] = b
	}

	res.EffectiveBookings = make([]model.Booking, 0, len(res.ActiveVisits))
	for _, v := range res.ActiveVisits {
		if b, ok := lookupBooking(byID, v); ok {
			res.EffectiveBookings = append(res.EffectiveBookings, b)
			continue
		}
		res.EffectiveBookings = append(res.EffectiveBookings, SynthesizeBooking(v))
	}
	return res
}

func lookupBooking(byID map[string]model.Booking, v model.Visit) (model.Booking, bool) {
	if id := v.LinkedBookingID(); id != "" {
		if b, ok := byID[id]; ok {
			return b, true
		}
	}
	b, ok := byID[v.ID]
	return b, ok
}

// SynthesizeBooking builds the minimal display booking for a visit that has no real booking.
func SynthesizeBooking(v model.Visit) model.Booking {
	id := v.LinkedBookingID()
	if id == "" {
		id = v.ID
	}
	duration := 0
	if v.ScheduledEnd.After(v.ScheduledStart) {
		duration = int(v.ScheduledEnd.Sub(v.ScheduledStart).Minutes())
	}
	return model.Booking{
		ID:              id,
		WorkerID:        v.WorkerID,
		ClientID:        v.ClientID,
		ServiceType:     "visit",
		ScheduledDate:   v.ScheduledStart,
		DurationMinutes: duration,
		Price:           0,
		Status:          model.BookingStatusActive,
		Synthesized:     true,
	}
}

// BookingsByWorker indexes bookings by worker id; the first booking per worker wins.
func BookingsByWorker(bookings []model.Booking) map[string]model.Booking {
	out := make(map[string]model.Booking, len(bookings))
	for _, b := range bookings {
		if _, exists := out[b.WorkerID]; !exists {
			out[b.WorkerID] = b
		}
	}
	return out
}
