package engine

import (
	"maps"
	"slices"
	"time"

	"sitter-tracking-backend/internal/metrics"
	"sitter-tracking-backend/internal/model"
)

// View is an immutable snapshot of the engine outputs. The maps are never written after
// publication; every change publishes a new View.
type View struct {
	Locations         map[string]model.WorkerLocationState
	Tracking          map[string]model.TrackingSnapshot
	ActiveVisits      []model.Visit
	EffectiveBookings []model.Booking
	ActiveWorkers     []string
	Subscriptions     int
	Retained          bool
	SurfaceReady      bool
	Markers           int
	Routes            int
	QueuedDraws       int
	UpdatedAt         time.Time
}

func (e *Engine) publish() {
	markers, routes := e.renderer.Counts()
	v := &View{
		Locations:         e.locations.States(),
		Tracking:          e.tracking,
		ActiveVisits:      e.resolved.ActiveVisits,
		EffectiveBookings: e.resolved.EffectiveBookings,
		ActiveWorkers:     slices.Sorted(maps.Keys(e.activeSet)),
		Subscriptions:     e.subs.Count(),
		Retained:          e.retained,
		SurfaceReady:      e.renderer.IsReady(),
		Markers:           markers,
		Routes:            routes,
		QueuedDraws:       e.renderer.Queued(),
		UpdatedAt:         e.clock.Now(),
	}
	e.view.Store(v)
	metrics.OpenSubscriptions.Set(float64(v.Subscriptions))
	metrics.TrackedWorkers.Set(float64(len(v.Locations)))
}

// View returns the latest published view. It is safe to call from any goroutine.
func (e *Engine) View() *View {
	return e.view.Load()
}

// Locations returns the latest worker -> location map. It must not be modified.
func (e *Engine) Locations() map[string]model.WorkerLocationState {
	return e.View().Locations
}

// Tracking returns the latest visit -> tracking snapshot map. It must not be modified.
func (e *Engine) Tracking() map[string]model.TrackingSnapshot {
	return e.View().Tracking
}
