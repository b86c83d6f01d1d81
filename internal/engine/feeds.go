package engine

import (
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"time"

	"sitter-tracking-backend/internal/metrics"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/reconcile"
	"sitter-tracking-backend/internal/resolver"
	"sitter-tracking-backend/internal/subscription"
)

// UpdateFeeds replaces the non-nil parts of the upstream data and recomputes the active set.
func (e *Engine) UpdateFeeds(f Feeds) {
	e.post(func() {
		if f.Visits != nil {
			e.visits = f.Visits
		}
		if f.Bookings != nil {
			e.bookings = f.Bookings
		}
		if f.Workers != nil {
			e.setWorkers(f.Workers)
		}
		if f.Snapshots != nil {
			e.snapshots = f.Snapshots
		}
		e.recompute()
	})
}

// UpdateVisits replaces the visit feed.
func (e *Engine) UpdateVisits(visits []model.Visit) {
	e.UpdateFeeds(Feeds{Visits: nonNil(visits)})
}

// UpdateBookings replaces the booking feed.
func (e *Engine) UpdateBookings(bookings []model.Booking) {
	e.UpdateFeeds(Feeds{Bookings: nonNil(bookings)})
}

// UpdateWorkers replaces the worker profiles.
func (e *Engine) UpdateWorkers(workers []model.Worker) {
	e.UpdateFeeds(Feeds{Workers: nonNil(workers)})
}

// UpdateTracking replaces the tracking snapshot feed.
func (e *Engine) UpdateTracking(snapshots []model.TrackingSnapshot) {
	e.UpdateFeeds(Feeds{Snapshots: nonNil(snapshots)})
}

// UpsertTracking applies a push for a single visit's tracking snapshot.
func (e *Engine) UpsertTracking(snap model.TrackingSnapshot) {
	e.post(func() {
		next := make([]model.TrackingSnapshot, 0, len(e.snapshots)+1)
		replaced := false
		for _, s := range e.snapshots {
			if s.VisitID == snap.VisitID {
				next = append(next, snap)
				replaced = true
				continue
			}
			next = append(next, s)
		}
		if !replaced {
			next = append(next, snap)
		}
		e.snapshots = next
		e.recompute()
	})
}

// ResetSubscriptions closes every live subscription ahead of an explicit refresh. Held
// locations survive until the following recomputation decides who is still active.
func (e *Engine) ResetSubscriptions() {
	e.post(func() {
		closed := e.subs.CloseAll()
		log.Printf("Refresh requested; closed %d live location subscriptions", len(closed))
		metrics.OpenSubscriptions.Set(0)
		e.publish()
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (e *Engine) setWorkers(workers []model.Worker) {
	next := make(map[string]model.Worker, len(workers))
	for _, w := range workers {
		next[w.ID] = w
	}
	e.workers = next
}

// recompute re-derives the active set from the current feeds and brings subscriptions,
// locations and routes in line with it.
func (e *Engine) recompute() {
	start := time.Now()
	defer func() { metrics.RecomputeDuration.Observe(time.Since(start).Seconds()) }()

	res := resolver.Resolve(e.visits, e.bookings)
	for _, id := range res.MissingIdentity {
		metrics.EngineEvents.WithLabelValues("missing_identity").Inc()
		log.Printf("Skipping visit %s: %v", id, ErrMissingIdentity)
	}
	matched := reconcile.MatchSnapshots(res.ActiveVisits, e.snapshots)

	diff, err := e.subs.Recompute(subscription.Input{
		ActiveVisits: res.ActiveVisits,
		Matched:      matched,
		All:          e.snapshots,
	})
	if errors.Is(err, ErrSubscriptionRace) {
		metrics.EngineEvents.WithLabelValues("subscription_race").Inc()
		log.Printf("Skipping recomputation: %v", err)
		return
	}

	e.resolved = res
	e.matched = matched
	e.byWorker = reconcile.SnapshotsByWorker(matched)
	e.visitByWorker = make(map[string]model.Visit, len(res.ActiveVisits))
	for _, v := range res.ActiveVisits {
		if _, exists := e.visitByWorker[v.WorkerID]; !exists {
			e.visitByWorker[v.WorkerID] = v
		}
	}
	e.bookingByWkr = resolver.BookingsByWorker(res.EffectiveBookings)
	e.activeSet = subscription.ActiveWorkerSet(res.ActiveVisits, matched)
	if diff.Retained {
		e.activeSet = make(map[string]struct{}, e.subs.Count())
		for _, workerID := range e.subs.Workers() {
			e.activeSet[workerID] = struct{}{}
		}
	}
	e.retained = diff.Retained
	e.tracking = e.trackingMap(matched)

	if len(diff.Opened) > 0 || len(diff.Closed) > 0 {
		log.Printf("Live subscriptions: opened %v, closed %v, %d open", diff.Opened, diff.Closed, e.subs.Count())
	}

	if diff.TornDown {
		for _, workerID := range e.locations.Clear() {
			e.dropWorker(workerID)
		}
	} else {
		for _, workerID := range diff.Closed {
			if e.locations.Remove(workerID) {
				e.dropWorker(workerID)
			}
		}
		for _, workerID := range e.locations.Purge(e.keepSet()) {
			e.dropWorker(workerID)
		}
		// Retained workers keep their held state untouched for the grace cycle.
		if !diff.Retained {
			for _, workerID := range slices.Sorted(maps.Keys(e.activeSet)) {
				e.safely(fmt.Sprintf("worker %s", workerID), func() { e.refreshWorker(workerID) })
			}
		}
	}

	e.syncRoutes()
	e.publish()
}

// keepSet is the set of workers allowed to hold a location.
func (e *Engine) keepSet() map[string]struct{} {
	return maps.Clone(e.activeSet)
}

// refreshWorker re-annotates a held state with current profile and booking data and offers
// the snapshot-derived candidate.
func (e *Engine) refreshWorker(workerID string) {
	wc := e.contextFor(workerID)
	if e.locations.Annotate(workerID, wc) {
		if s, ok := e.locations.Get(workerID); ok {
			e.throttle.Submit(workerID, s)
		}
	}
	e.handleOutcome(workerID, "snapshot", e.locations.ApplySnapshot(workerID, wc))
}

// contextFor collects what the engine knows about a worker for the reconciler.
func (e *Engine) contextFor(workerID string) reconcile.WorkerContext {
	wc := reconcile.WorkerContext{
		Profile: e.workers[workerID],
		Booking: e.bookingByWkr[workerID],
	}
	if wc.Profile.ID == "" {
		wc.Profile.ID = workerID
	}
	if v, ok := e.visitByWorker[workerID]; ok {
		wc.VisitID = v.ID
		wc.Active = true
	}
	if snap, ok := e.byWorker[workerID]; ok {
		wc.Snapshot = &snap
		if wc.VisitID == "" {
			wc.VisitID = snap.VisitID
		}
		wc.Active = wc.Active || snap.IsActive
	}
	if _, ok := e.activeSet[workerID]; ok && e.retained {
		wc.Active = true
	}
	return wc
}

// trackingMap keys every snapshot by visit id, with matched snapshots carrying the corrected
// worker id.
func (e *Engine) trackingMap(matched map[string]model.TrackingSnapshot) map[string]model.TrackingSnapshot {
	out := make(map[string]model.TrackingSnapshot, len(e.snapshots))
	for _, s := range e.snapshots {
		out[s.VisitID] = s
	}
	for _, s := range matched {
		out[s.VisitID] = s
	}
	return out
}

// syncRoutes draws routes for the active visits and starts the grace period of the rest.
func (e *Engine) syncRoutes() {
	next := make(map[string]struct{}, len(e.matched))
	for _, visitID := range slices.Sorted(maps.Keys(e.matched)) {
		snap := e.matched[visitID]
		e.safely("route "+snap.VisitID, func() { e.renderer.UpdateRoute(snap) })
		if _, ok := e.renderer.RouteHandle(snap.VisitID); ok {
			next[snap.VisitID] = struct{}{}
		}
	}
	for _, visitID := range slices.Sorted(maps.Keys(e.routed)) {
		if _, ok := next[visitID]; !ok {
			e.renderer.RemoveRoute(visitID)
		}
	}
	e.routed = next
}
