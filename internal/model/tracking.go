package model

import (
	"math"
	"time"
)

// RoutePoint is one recorded position on a visit's path.
type RoutePoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  float64   `json:"accuracy"`
	Speed     float64   `json:"speed"`
	Altitude  float64   `json:"altitude"`
}

// Valid reports whether the point carries finite, in-range coordinates.
func (p RoutePoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// TrackingSnapshot summarizes a visit's recorded path and last known point.
type TrackingSnapshot struct {
	VisitID       string       `gorm:"primaryKey;size:64" json:"visitId"`
	WorkerID      string       `gorm:"index;size:64" json:"workerId"`
	ClientID      string       `gorm:"size:64" json:"clientId"`
	IsActive      bool         `gorm:"index;not null" json:"isActive"`
	Route         []RoutePoint `gorm:"serializer:json;type:text" json:"route"`
	LastLocation  *RoutePoint  `gorm:"serializer:json;type:text" json:"lastLocation,omitempty"`
	TotalDistance float64      `json:"totalDistance"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// LatestPoint returns the freshest position the snapshot knows about: the newest of the last
// route point and the explicit last-location field.
func (s TrackingSnapshot) LatestPoint() (RoutePoint, bool) {
	var best RoutePoint
	found := false
	if n := len(s.Route); n > 0 && s.Route[n-1].Valid() {
		best, found = s.Route[n-1], true
	}
	if s.LastLocation != nil && s.LastLocation.Valid() {
		if !found || s.LastLocation.Timestamp.After(best.Timestamp) {
			best, found = *s.LastLocation, true
		}
	}
	return best, found
}

// ValidRoute returns the route points with finite, in-range coordinates.
func (s TrackingSnapshot) ValidRoute() []RoutePoint {
	out := make([]RoutePoint, 0, len(s.Route))
	for _, p := range s.Route {
		if p.Valid() {
			out = append(out, p)
		}
	}
	return out
}
