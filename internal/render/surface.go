package render

import (
	"time"

	"sitter-tracking-backend/internal/model"
)

// DefaultZoom is used when the view centers on a single sitter.
const DefaultZoom = 15

// Point is a map coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is the smallest box containing a set of points.
type Bounds struct {
	SouthWest Point `json:"southWest"`
	NorthEast Point `json:"northEast"`
}

// Marker is the visual description of one sitter.
type Marker struct {
	Handle    string             `json:"handle"`
	WorkerID  string             `json:"workerId"`
	VisitID   string             `json:"visitId"`
	Name      string             `json:"name"`
	AvatarURL string             `json:"avatarUrl,omitempty"`
	Status    model.WorkerStatus `json:"status"`
	Position  Point              `json:"position"`
	Heading   float64            `json:"heading"`
	Timestamp time.Time          `json:"timestamp"`
	// Leaving is set while the marker waits out its removal grace period.
	Leaving bool `json:"leaving,omitempty"`
}

// Route is the visual description of one visit's path.
type Route struct {
	Handle   string  `json:"handle"`
	VisitID  string  `json:"visitId"`
	WorkerID string  `json:"workerId"`
	Points   []Point `json:"points"`
	Distance float64 `json:"distance"`
	Active   bool    `json:"active"`
}

// Surface is the map that draws markers and routes. Implementations may fail while they are
// not attached to a viewer; failed operations are queued and replayed on the next ready
// transition.
type Surface interface {
	DrawMarker(m Marker) error
	EraseMarker(handle string) error
	DrawRoute(r Route) error
	EraseRoute(handle string) error
	CenterOn(p Point, zoom int) error
	FitBounds(b Bounds) error
}

// BoundsOf returns the bounding box of the points. It panics on an empty slice.
func BoundsOf(points []Point) Bounds {
	b := Bounds{SouthWest: points[0], NorthEast: points[0]}
	for _, p := range points[1:] {
		b.SouthWest.Lat = min(b.SouthWest.Lat, p.Lat)
		b.SouthWest.Lng = min(b.SouthWest.Lng, p.Lng)
		b.NorthEast.Lat = max(b.NorthEast.Lat, p.Lat)
		b.NorthEast.Lng = max(b.NorthEast.Lng, p.Lng)
	}
	return b
}
