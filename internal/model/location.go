package model

import "time"

// Location is an instantaneous position fix.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationFromPoint converts a recorded route point into a location fix.
func LocationFromPoint(p RoutePoint) Location {
	return Location{
		Lat:       p.Lat,
		Lng:       p.Lng,
		Accuracy:  p.Accuracy,
		Speed:     p.Speed,
		Timestamp: p.Timestamp,
	}
}

// LiveLocationEvent is one push from a sitter's live channel. A nil Location means the
// channel currently has no signal.
type LiveLocationEvent struct {
	WorkerID string    `json:"workerId"`
	Location *Location `json:"location"`
}

// WorkerStatus is the presence state shown for a sitter.
type WorkerStatus string

const (
	WorkerStatusActive  WorkerStatus = "active"
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusOffline WorkerStatus = "offline"
)

// LocationSource records which feed produced the held location.
type LocationSource string

const (
	SourceLive     LocationSource = "live"
	SourceSnapshot LocationSource = "snapshot"
)

// WorkerLocationState is the authoritative engine view of one active sitter.
type WorkerLocationState struct {
	WorkerID string         `json:"workerId"`
	VisitID  string         `json:"visitId"`
	Profile  Worker         `json:"profile"`
	Booking  Booking        `json:"booking"`
	Location Location       `json:"location"`
	Status   WorkerStatus   `json:"status"`
	Source   LocationSource `json:"source"`
}
