// Package report builds the statistics summary and per-visit exports from an engine view.
package report

import (
	"errors"
	"time"

	"sitter-tracking-backend/internal/engine"
	"sitter-tracking-backend/internal/model"
)

// ErrUnknownVisit is returned when exporting a visit without a tracking snapshot.
var ErrUnknownVisit = errors.New("no tracking data for visit")

// Stats is the dashboard summary.
type Stats struct {
	ActiveVisits        int                        `json:"activeVisits"`
	ActiveWorkers       int                        `json:"activeWorkers"`
	LocatedWorkers      int                        `json:"locatedWorkers"`
	TrackedRoutes       int                        `json:"trackedRoutes"`
	Revenue             float64                    `json:"revenue"`
	Bookings            int                        `json:"bookings"`
	SynthesizedBookings int                        `json:"synthesizedBookings"`
	ByStatus            map[model.WorkerStatus]int `json:"byStatus"`
	GeneratedAt         time.Time                  `json:"generatedAt"`
}

// Summarize computes the statistics of a view.
func Summarize(v *engine.View, now time.Time) Stats {
	s := Stats{
		ActiveVisits:   len(v.ActiveVisits),
		ActiveWorkers:  len(v.ActiveWorkers),
		LocatedWorkers: len(v.Locations),
		Bookings:       len(v.EffectiveBookings),
		ByStatus:       map[model.WorkerStatus]int{},
		GeneratedAt:    now,
	}
	for _, b := range v.EffectiveBookings {
		s.Revenue += b.Price
		if b.Synthesized {
			s.SynthesizedBookings++
		}
	}
	for _, st := range v.Locations {
		s.ByStatus[st.Status]++
	}
	for _, snap := range v.Tracking {
		if snap.IsActive && len(snap.ValidRoute()) >= 2 {
			s.TrackedRoutes++
		}
	}
	return s
}

// Point is one exported route point.
type Point struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  float64   `json:"accuracy"`
	Speed     float64   `json:"speed"`
	Altitude  float64   `json:"altitude"`
}

// Export is the downloadable JSON document of one visit's route.
type Export struct {
	VisitID       string    `json:"visitId"`
	WorkerID      string    `json:"workerId"`
	ClientID      string    `json:"clientId"`
	IsActive      bool      `json:"isActive"`
	TotalDistance float64   `json:"totalDistance"`
	PointCount    int       `json:"pointCount"`
	ExportedAt    time.Time `json:"exportedAt"`
	Route         []Point   `json:"route"`
	LastLocation  *Point    `json:"lastLocation,omitempty"`
}

func pointFrom(p model.RoutePoint) Point {
	return Point{Lat: p.Lat, Lng: p.Lng, Timestamp: p.Timestamp, Accuracy: p.Accuracy, Speed: p.Speed, Altitude: p.Altitude}
}

// ExportVisit builds the export document of a visit. Invalid points are left out. The
// snapshot's stored distance is used when present, otherwise it is computed from the route.
func ExportVisit(v *engine.View, visitID string, now time.Time) (Export, error) {
	snap, ok := v.Tracking[visitID]
	if !ok {
		return Export{}, ErrUnknownVisit
	}
	valid := snap.ValidRoute()
	doc := Export{
		VisitID:       snap.VisitID,
		WorkerID:      snap.WorkerID,
		ClientID:      snap.ClientID,
		IsActive:      snap.IsActive,
		TotalDistance: snap.TotalDistance,
		PointCount:    len(valid),
		ExportedAt:    now,
		Route:         make([]Point, 0, len(valid)),
	}
	if doc.TotalDistance == 0 {
		doc.TotalDistance = model.RouteDistance(valid)
	}
	for _, p := range valid {
		doc.Route = append(doc.Route, pointFrom(p))
	}
	if snap.LastLocation != nil && snap.LastLocation.Valid() {
		last := pointFrom(*snap.LastLocation)
		doc.LastLocation = &last
	}
	return doc, nil
}
