package engine

import (
	"fmt"
	"log"

	"sitter-tracking-backend/internal/metrics"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/reconcile"
)

// deliver is called by live subscriptions from their own goroutines.
func (e *Engine) deliver(workerID string, gen uint64, loc *model.Location) {
	e.post(func() {
		if !e.subs.Accepts(workerID, gen) {
			metrics.DroppedPushes.Inc()
			return
		}
		e.safely(fmt.Sprintf("worker %s", workerID), func() {
			outcome := e.locations.ApplyLive(workerID, loc, e.contextFor(workerID))
			if e.handleOutcome(workerID, "live", outcome) {
				e.publish()
			}
		})
	})
}

// handleOutcome forwards reconciler results to the throttle and renderer. It reports whether
// the held locations changed.
func (e *Engine) handleOutcome(workerID, source string, outcome reconcile.Outcome) bool {
	metrics.LocationCandidates.WithLabelValues(source, outcome.String()).Inc()
	switch {
	case outcome.Admitted():
		s, _ := e.locations.Get(workerID)
		e.throttle.Submit(workerID, s)
		return true
	case outcome == reconcile.OutcomeRemoved:
		e.dropWorker(workerID)
		return true
	case outcome == reconcile.OutcomeStale:
		log.Printf("Discarding location of worker %s: %v", workerID, ErrStaleSignal)
	}
	return false
}

// dispatch receives values released by the throttle.
func (e *Engine) dispatch(workerID string, s model.WorkerLocationState) {
	if _, held := e.locations.Get(workerID); !held {
		return
	}
	e.safely(fmt.Sprintf("marker %s", workerID), func() {
		if e.renderer.UpdateMarker(s) {
			metrics.Dispatches.Inc()
			e.publish()
		}
	})
}

// dropWorker removes a worker's pending updates and starts its marker's grace period.
func (e *Engine) dropWorker(workerID string) {
	e.throttle.Cancel(workerID)
	e.renderer.RemoveMarker(workerID)
}

// runSweep is the periodic backstop: it purges workers that are no longer active and drops
// live fixes that went stale without an active snapshot behind them.
func (e *Engine) runSweep() {
	removed := e.locations.Purge(e.keepSet())
	for _, workerID := range removed {
		e.dropWorker(workerID)
	}
	if len(removed) > 0 {
		metrics.EngineEvents.WithLabelValues("sweep_purge").Add(float64(len(removed)))
		log.Printf("Sweep purged %d inactive workers: %v", len(removed), removed)
	}

	for workerID, s := range e.locations.States() {
		if !e.locations.IsStale(s.Location.Timestamp) {
			continue
		}
		wc := e.contextFor(workerID)
		if wc.Snapshot != nil && wc.Snapshot.IsActive {
			e.handleOutcome(workerID, "snapshot", e.locations.ApplySnapshot(workerID, wc))
			continue
		}
		if e.locations.Remove(workerID) {
			log.Printf("Sweep removed worker %s: %v", workerID, ErrStaleSignal)
			e.dropWorker(workerID)
			removed = append(removed, workerID)
		}
	}
	if len(removed) > 0 {
		e.publish()
	}
}

// SurfaceReady flushes queued draws and frames the view for the new viewer session. It never
// blocks and may be called from any goroutine, including from within a surface call.
func (e *Engine) SurfaceReady() {
	e.setSurface(true)
}

// SurfaceLost makes later draws queue until the surface is ready again. Like SurfaceReady it
// never blocks.
func (e *Engine) SurfaceLost() {
	e.setSurface(false)
}

func (e *Engine) setSurface(ready bool) {
	e.surfaceMu.Lock()
	e.surfaceDirty = true
	e.surfaceWant = ready
	if ready {
		e.surfaceSession++
	}
	e.surfaceMu.Unlock()

	select {
	case e.surfaceWake <- struct{}{}:
	default:
	}
}

// applySurface brings the renderer in line with the last reported readiness. Only the final
// state of a burst of transitions is applied; a new ready session always reframes.
func (e *Engine) applySurface() {
	e.surfaceMu.Lock()
	if !e.surfaceDirty {
		e.surfaceMu.Unlock()
		return
	}
	e.surfaceDirty = false
	want, session := e.surfaceWant, e.surfaceSession
	e.surfaceMu.Unlock()

	switch {
	case want && session != e.appliedSession:
		e.appliedSession = session
		log.Println("Rendering surface ready")
		metrics.SurfaceReady.Set(1)
		e.safely("surface ready", e.renderer.Ready)
	case !want && e.renderer.IsReady():
		log.Println("Rendering surface lost; queueing updates")
		metrics.SurfaceReady.Set(0)
		e.renderer.Lost()
	default:
		return
	}
	e.publish()
}
