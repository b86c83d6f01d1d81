// Package reconcile merges the live channel and tracking-snapshot candidates into one
// authoritative location per sitter.
package reconcile

import (
	"log"
	"maps"
	"math"
	"slices"
	"time"

	"sitter-tracking-backend/internal/clock"
	"sitter-tracking-backend/internal/model"
)

// Outcome tells the caller what happened to a candidate location.
type Outcome int

const (
	OutcomeCreated   Outcome = iota // state created for a worker that had none
	OutcomeUpdated                  // held state superseded
	OutcomeUnchanged                // neither moved nor newer; discarded as a no-op
	OutcomeStale                    // stale live reading without a corroborating snapshot
	OutcomeInactive                 // owning visit or snapshot is not active
	OutcomeRemoved                  // no signal and no snapshot data; state removed
	OutcomeNoData                   // nothing to admit and nothing held
	OutcomeLiveActive               // snapshot candidate ignored because the live channel is reporting
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeStale:
		return "stale"
	case OutcomeInactive:
		return "inactive"
	case OutcomeRemoved:
		return "removed"
	case OutcomeNoData:
		return "no_data"
	case OutcomeLiveActive:
		return "live_active"
	default:
		return "unknown"
	}
}

// Admitted reports whether the outcome changed the held location.
func (o Outcome) Admitted() bool {
	return o == OutcomeCreated || o == OutcomeUpdated
}

// Config holds the admission thresholds.
type Config struct {
	Epsilon         float64
	FreshnessWindow time.Duration
}

// WorkerContext is what the engine knows about a worker when a candidate arrives.
type WorkerContext struct {
	VisitID string
	// Active is true when the owning visit or snapshot is currently active.
	Active bool
	// Snapshot is the worker's active, identity-corrected tracking snapshot, if any.
	Snapshot *model.TrackingSnapshot
	Profile  model.Worker
	Booking  model.Booking
}

// Reconciler holds the worker -> location map. Every mutation replaces the map with a new
// instance so callers holding a previous States() result never see it change.
type Reconciler struct {
	cfg     Config
	clock   clock.Clock
	states  map[string]model.WorkerLocationState
	hasLive map[string]bool
}

// New creates an empty reconciler.
func New(cfg Config, c clock.Clock) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		clock:   c,
		states:  map[string]model.WorkerLocationState{},
		hasLive: map[string]bool{},
	}
}

// States returns the current map instance. It must be treated as read-only.
func (r *Reconciler) States() map[string]model.WorkerLocationState {
	return r.states
}

// Get returns the held state of one worker.
func (r *Reconciler) Get(workerID string) (model.WorkerLocationState, bool) {
	s, ok := r.states[workerID]
	return s, ok
}

// IsStale reports whether a fix is older than the freshness window.
func (r *Reconciler) IsStale(ts time.Time) bool {
	return r.clock.Now().Sub(ts) > r.cfg.FreshnessWindow
}

// ApplyLive handles one push from the worker's live channel. A nil location means the channel
// has no signal: the latest snapshot point is used instead, or the state is dropped.
func (r *Reconciler) ApplyLive(workerID string, loc *model.Location, wc WorkerContext) Outcome {
	if loc == nil {
		r.hasLive[workerID] = false
		if cand, ok := snapshotCandidate(wc.Snapshot); ok {
			return r.admit(workerID, cand, model.SourceSnapshot, wc)
		}
		if r.Remove(workerID) {
			return OutcomeRemoved
		}
		return OutcomeNoData
	}

	if r.IsStale(loc.Timestamp) && (wc.Snapshot == nil || !wc.Snapshot.IsActive) {
		return OutcomeStale
	}
	r.hasLive[workerID] = true
	return r.admit(workerID, *loc, model.SourceLive, wc)
}

// ApplySnapshot offers the worker's snapshot-derived location. It is only considered while
// the live channel is silent: never reported, last reported no signal, or gone stale.
func (r *Reconciler) ApplySnapshot(workerID string, wc WorkerContext) Outcome {
	if !r.liveSilent(workerID) {
		return OutcomeLiveActive
	}
	cand, ok := snapshotCandidate(wc.Snapshot)
	if !ok {
		return OutcomeNoData
	}
	return r.admit(workerID, cand, model.SourceSnapshot, wc)
}

func (r *Reconciler) liveSilent(workerID string) bool {
	if !r.hasLive[workerID] {
		return true
	}
	held, ok := r.states[workerID]
	return !ok || (held.Source == model.SourceLive && r.IsStale(held.Location.Timestamp))
}

func snapshotCandidate(snap *model.TrackingSnapshot) (model.Location, bool) {
	if snap == nil || !snap.IsActive {
		return model.Location{}, false
	}
	p, ok := snap.LatestPoint()
	if !ok {
		return model.Location{}, false
	}
	return model.LocationFromPoint(p), true
}

// HasMoved reports whether two fixes differ by more than epsilon degrees on either axis.
func (r *Reconciler) HasMoved(a, b model.Location) bool {
	return math.Abs(a.Lat-b.Lat) > r.cfg.Epsilon || math.Abs(a.Lng-b.Lng) > r.cfg.Epsilon
}

// admit applies the moved-or-newer rule. A moved but older fix is admitted on purpose: it can be
// a legitimate jitter correction.
func (r *Reconciler) admit(workerID string, cand model.Location, source model.LocationSource, wc WorkerContext) Outcome {
	if !wc.Active {
		return OutcomeInactive
	}

	held, exists := r.states[workerID]
	outcome := OutcomeCreated
	if exists {
		if !r.HasMoved(cand, held.Location) && !cand.Timestamp.After(held.Location.Timestamp) {
			return OutcomeUnchanged
		}
		outcome = OutcomeUpdated
	}

	next := maps.Clone(r.states)
	next[workerID] = model.WorkerLocationState{
		WorkerID: workerID,
		VisitID:  wc.VisitID,
		Profile:  wc.Profile,
		Booking:  wc.Booking,
		Location: cand,
		Status:   r.statusFor(cand, source),
		Source:   source,
	}
	r.states = next
	return outcome
}

func (r *Reconciler) statusFor(loc model.Location, source model.LocationSource) model.WorkerStatus {
	switch {
	case r.IsStale(loc.Timestamp):
		return model.WorkerStatusOffline
	case source == model.SourceLive:
		return model.WorkerStatusActive
	default:
		return model.WorkerStatusIdle
	}
}

// Annotate refreshes the display profile, booking and visit of a held state without touching
// its location. It reports whether anything changed.
func (r *Reconciler) Annotate(workerID string, wc WorkerContext) bool {
	held, ok := r.states[workerID]
	if !ok {
		return false
	}
	if held.Profile == wc.Profile && held.Booking == wc.Booking && held.VisitID == wc.VisitID {
		return false
	}
	held.Profile, held.Booking, held.VisitID = wc.Profile, wc.Booking, wc.VisitID
	next := maps.Clone(r.states)
	next[workerID] = held
	r.states = next
	return true
}

// Remove deletes one worker's state. It reports whether the worker was held.
func (r *Reconciler) Remove(workerID string) bool {
	delete(r.hasLive, workerID)
	if _, ok := r.states[workerID]; !ok {
		return false
	}
	next := maps.Clone(r.states)
	delete(next, workerID)
	r.states = next
	return true
}

// Purge removes every worker not in keep and returns the removed ids, sorted.
func (r *Reconciler) Purge(keep map[string]struct{}) []string {
	var removed []string
	for _, workerID := range slices.Sorted(maps.Keys(r.states)) {
		if _, ok := keep[workerID]; !ok {
			removed = append(removed, workerID)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	next := maps.Clone(r.states)
	for _, workerID := range removed {
		delete(next, workerID)
		delete(r.hasLive, workerID)
	}
	r.states = next
	return removed
}

// Clear drops all state and returns the removed ids, sorted.
func (r *Reconciler) Clear() []string {
	removed := slices.Sorted(maps.Keys(r.states))
	r.states = map[string]model.WorkerLocationState{}
	r.hasLive = map[string]bool{}
	return removed
}

// MatchSnapshots pairs tracking snapshots with the active visit they belong to, matching by
// visit id or the visit's linked booking id. The visit's worker id is authoritative: snapshots
// may carry stale identifiers and are corrected in the returned copies.
func MatchSnapshots(activeVisits []model.Visit, snapshots []model.TrackingSnapshot) map[string]model.TrackingSnapshot {
	byVisit := make(map[string]model.Visit, len(activeVisits))
	byBooking := make(map[string]model.Visit, len(activeVisits))
	for _, v := range activeVisits {
		byVisit[v.ID] = v
		if id := v.LinkedBookingID(); id != "" {
			byBooking[id] = v
		}
	}

	out := make(map[string]model.TrackingSnapshot, len(snapshots))
	for _, s := range snapshots {
		v, ok := byVisit[s.VisitID]
		if !ok {
			v, ok = byBooking[s.VisitID]
		}
		if !ok {
			continue
		}
		if s.WorkerID != v.WorkerID {
			log.Printf("Correcting tracking snapshot %s worker id %q -> %q from visit %s", s.VisitID, s.WorkerID, v.WorkerID, v.ID)
			s.WorkerID = v.WorkerID
		}
		if prev, dup := out[v.ID]; dup && !s.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		out[v.ID] = s
	}
	return out
}

// SnapshotsByWorker indexes matched snapshots by their (corrected) worker id, preferring
// active and then most recently updated snapshots.
func SnapshotsByWorker(matched map[string]model.TrackingSnapshot) map[string]model.TrackingSnapshot {
	out := make(map[string]model.TrackingSnapshot, len(matched))
	for _, visitID := range slices.Sorted(maps.Keys(matched)) {
		s := matched[visitID]
		prev, ok := out[s.WorkerID]
		if !ok || (s.IsActive && !prev.IsActive) || (s.IsActive == prev.IsActive && s.UpdatedAt.After(prev.UpdatedAt)) {
			out[s.WorkerID] = s
		}
	}
	return out
}
