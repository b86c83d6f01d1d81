// Package render keeps the map surface in step with the engine's worker and tracking state:
// one marker per sitter, one route per visit, created lazily and removed after a grace period.
package render

import (
	"errors"
	"log"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"sitter-tracking-backend/internal/clock"
	"sitter-tracking-backend/internal/model"
)

// ErrSurfaceUnavailable is returned by a Surface that has no viewer attached.
var ErrSurfaceUnavailable = errors.New("rendering surface unavailable")

// Config holds the renderer settings.
type Config struct {
	Grace time.Duration
	Zoom  int
}

type markerState struct {
	marker      Marker
	lastApplied time.Time
	removal     clock.Timer
	removalSeq  uint64
}

type routeState struct {
	route      Route
	removal    clock.Timer
	removalSeq uint64
}

type opKind int

const (
	opEraseMarker opKind = iota
	opEraseRoute
	opDrawRoute
	opDrawMarker
)

type op struct {
	kind   opKind
	handle string
	marker Marker
	route  Route
}

func (o op) artifact() string {
	if o.kind == opDrawMarker || o.kind == opEraseMarker {
		return "marker:" + o.handle
	}
	return "route:" + o.handle
}

// Renderer reconciles markers and routes against a Surface. It is not safe for concurrent use;
// timers created through its clock must call back on the caller's goroutine.
type Renderer struct {
	cfg       Config
	clock     clock.Clock
	surface   Surface
	newHandle func() string

	markers map[string]*markerState // by worker id
	routes  map[string]*routeState  // by visit id
	queue   map[string]op           // by artifact, coalesced
	seq     uint64
	ready   bool
	framed  bool
}

// New creates a renderer. Nothing is drawn until Ready is called.
func New(cfg Config, c clock.Clock, surface Surface) *Renderer {
	if cfg.Zoom == 0 {
		cfg.Zoom = DefaultZoom
	}
	return &Renderer{
		cfg:       cfg,
		clock:     c,
		surface:   surface,
		newHandle: uuid.NewString,
		markers:   make(map[string]*markerState),
		routes:    make(map[string]*routeState),
		queue:     make(map[string]op),
	}
}

func markerFrom(s model.WorkerLocationState, handle string) Marker {
	return Marker{
		Handle:    handle,
		WorkerID:  s.WorkerID,
		VisitID:   s.VisitID,
		Name:      s.Profile.Name,
		AvatarURL: s.Profile.AvatarURL,
		Status:    s.Status,
		Position:  Point{Lat: s.Location.Lat, Lng: s.Location.Lng},
		Heading:   s.Location.Heading,
		Timestamp: s.Location.Timestamp,
	}
}

// UpdateMarker draws the worker's current state. A marker waiting out its grace period is
// revived with the same handle. Updates older than the last applied one and updates identical
// to what is drawn are skipped. It reports whether a draw was issued.
func (r *Renderer) UpdateMarker(s model.WorkerLocationState) bool {
	ms, ok := r.markers[s.WorkerID]
	if !ok {
		ms = &markerState{marker: markerFrom(s, r.newHandle()), lastApplied: s.Location.Timestamp}
		r.markers[s.WorkerID] = ms
		r.apply(op{kind: opDrawMarker, handle: ms.marker.Handle, marker: ms.marker})
		r.frame()
		return true
	}

	revived := r.cancelMarkerRemoval(ms)
	if s.Location.Timestamp.Before(ms.lastApplied) {
		if revived {
			r.apply(op{kind: opDrawMarker, handle: ms.marker.Handle, marker: ms.marker})
		}
		return revived
	}

	next := markerFrom(s, ms.marker.Handle)
	if !revived && next == ms.marker {
		return false
	}
	ms.marker = next
	ms.lastApplied = s.Location.Timestamp
	r.apply(op{kind: opDrawMarker, handle: next.Handle, marker: next})
	return true
}

func (r *Renderer) cancelMarkerRemoval(ms *markerState) bool {
	if ms.removal == nil {
		return false
	}
	ms.removal.Stop()
	ms.removal = nil
	ms.marker.Leaving = false
	return true
}

// RemoveMarker starts the grace period of the worker's marker. It reports whether a removal
// was scheduled.
func (r *Renderer) RemoveMarker(workerID string) bool {
	ms, ok := r.markers[workerID]
	if !ok || ms.removal != nil {
		return false
	}
	ms.marker.Leaving = true
	r.apply(op{kind: opDrawMarker, handle: ms.marker.Handle, marker: ms.marker})

	r.seq++
	seq := r.seq
	ms.removalSeq = seq
	ms.removal = r.clock.AfterFunc(r.cfg.Grace, func() { r.expireMarker(workerID, seq) })
	return true
}

func (r *Renderer) expireMarker(workerID string, seq uint64) {
	ms, ok := r.markers[workerID]
	if !ok || ms.removal == nil || ms.removalSeq != seq {
		return
	}
	delete(r.markers, workerID)
	r.apply(op{kind: opEraseMarker, handle: ms.marker.Handle})
}

// UpdateRoute draws the visit's path once it has at least two valid points.
func (r *Renderer) UpdateRoute(snap model.TrackingSnapshot) bool {
	rs, ok := r.routes[snap.VisitID]
	revived := false
	if ok && rs.removal != nil {
		rs.removal.Stop()
		rs.removal = nil
		revived = true
	}

	valid := snap.ValidRoute()
	if len(valid) < 2 {
		// A drawn route stays as it is until enough points arrive.
		return false
	}
	points := make([]Point, len(valid))
	for i, p := range valid {
		points[i] = Point{Lat: p.Lat, Lng: p.Lng}
	}

	if !ok {
		rs = &routeState{}
		r.routes[snap.VisitID] = rs
		rs.route.Handle = r.newHandle()
	}

	next := Route{
		Handle:   rs.route.Handle,
		VisitID:  snap.VisitID,
		WorkerID: snap.WorkerID,
		Points:   points,
		Distance: snap.TotalDistance,
		Active:   snap.IsActive,
	}
	if ok && !revived && sameRoute(next, rs.route) {
		return false
	}
	rs.route = next
	r.apply(op{kind: opDrawRoute, handle: next.Handle, route: next})
	return true
}

func sameRoute(a, b Route) bool {
	return a.WorkerID == b.WorkerID && a.Distance == b.Distance && a.Active == b.Active &&
		slices.Equal(a.Points, b.Points)
}

// RemoveRoute starts the grace period of the visit's route.
func (r *Renderer) RemoveRoute(visitID string) bool {
	rs, ok := r.routes[visitID]
	if !ok || rs.removal != nil {
		return false
	}
	r.seq++
	seq := r.seq
	rs.removalSeq = seq
	rs.removal = r.clock.AfterFunc(r.cfg.Grace, func() { r.expireRoute(visitID, seq) })
	return true
}

func (r *Renderer) expireRoute(visitID string, seq uint64) {
	rs, ok := r.routes[visitID]
	if !ok || rs.removal == nil || rs.removalSeq != seq {
		return
	}
	delete(r.routes, visitID)
	r.apply(op{kind: opEraseRoute, handle: rs.route.Handle})
}

// Ready flushes every queued operation and frames the view once for this transition.
func (r *Renderer) Ready() {
	r.ready = true
	r.framed = false

	pending := r.queue
	r.queue = make(map[string]op)
	ops := slices.Collect(maps.Values(pending))
	slices.SortFunc(ops, func(a, b op) int {
		if a.kind != b.kind {
			return int(a.kind) - int(b.kind)
		}
		switch {
		case a.handle < b.handle:
			return -1
		case a.handle > b.handle:
			return 1
		}
		return 0
	})
	for _, o := range ops {
		r.apply(o)
	}
	r.frame()
}

// Lost marks the surface as not ready. Later operations are queued.
func (r *Renderer) Lost() {
	r.ready = false
}

func (r *Renderer) apply(o op) {
	key := o.artifact()
	delete(r.queue, key)
	if !r.ready {
		r.queue[key] = o
		return
	}
	if err := r.exec(o); err != nil {
		log.Printf("Error applying %s: %v; queued for the next ready surface", key, err)
		r.queue[key] = o
	}
}

func (r *Renderer) exec(o op) error {
	switch o.kind {
	case opDrawMarker:
		return r.surface.DrawMarker(o.marker)
	case opEraseMarker:
		return r.surface.EraseMarker(o.handle)
	case opDrawRoute:
		return r.surface.DrawRoute(o.route)
	default:
		return r.surface.EraseRoute(o.handle)
	}
}

// frame centers on a single sitter or fits all sitters, at most once per ready transition.
// With no positions known it waits for the first marker.
func (r *Renderer) frame() {
	if !r.ready || r.framed {
		return
	}
	var points []Point
	for _, workerID := range slices.Sorted(maps.Keys(r.markers)) {
		if ms := r.markers[workerID]; !ms.marker.Leaving {
			points = append(points, ms.marker.Position)
		}
	}

	var err error
	switch len(points) {
	case 0:
		return
	case 1:
		err = r.surface.CenterOn(points[0], r.cfg.Zoom)
	default:
		err = r.surface.FitBounds(BoundsOf(points))
	}
	if err != nil {
		log.Printf("Error framing the map view: %v", err)
		return
	}
	r.framed = true
}

// MarkerHandle returns the handle of the worker's marker.
func (r *Renderer) MarkerHandle(workerID string) (string, bool) {
	ms, ok := r.markers[workerID]
	if !ok {
		return "", false
	}
	return ms.marker.Handle, true
}

// RouteHandle returns the handle of the visit's route.
func (r *Renderer) RouteHandle(visitID string) (string, bool) {
	rs, ok := r.routes[visitID]
	if !ok {
		return "", false
	}
	return rs.route.Handle, true
}

// Leaving reports whether the worker's marker is waiting out its grace period.
func (r *Renderer) Leaving(workerID string) bool {
	ms, ok := r.markers[workerID]
	return ok && ms.removal != nil
}

// Counts returns the number of markers and routes currently held.
func (r *Renderer) Counts() (markers, routes int) {
	return len(r.markers), len(r.routes)
}

// Queued returns the number of operations waiting for a ready surface.
func (r *Renderer) Queued() int {
	return len(r.queue)
}

// IsReady reports whether the surface is ready.
func (r *Renderer) IsReady() bool {
	return r.ready
}
