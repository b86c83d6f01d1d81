// Package subscription keeps exactly one live-location subscription open per active sitter.
package subscription

import (
	"context"
	"errors"
	"log"
	"maps"
	"slices"

	"sitter-tracking-backend/internal/model"
)

// ErrRecomputeInProgress is returned when a recomputation is triggered while another one is
// still running. The trigger is dropped; the next natural trigger supersedes it.
var ErrRecomputeInProgress = errors.New("subscription recomputation already in progress")

// Handler receives live location pushes for one worker. A nil location means "no signal".
type Handler func(loc *model.Location)

// Subscription is one open live channel.
type Subscription interface {
	Close() error
}

// Source opens live location channels.
type Source interface {
	Subscribe(ctx context.Context, workerID string, h Handler) (Subscription, error)
}

// Delivery forwards a push to the owner of the manager, tagged with the generation of the
// subscription that produced it.
type Delivery func(workerID string, gen uint64, loc *model.Location)

// Input is everything a recomputation looks at.
type Input struct {
	ActiveVisits []model.Visit
	// Matched holds identity-corrected snapshots keyed by the active visit they belong to.
	Matched map[string]model.TrackingSnapshot
	// All is the raw tracking feed, used to detect snapshots contradicting the last-known set.
	All []model.TrackingSnapshot
}

// Diff describes what a recomputation changed.
type Diff struct {
	Opened   []string
	Closed   []string
	Failed   []string
	Retained bool // last-known set kept for one cycle
	TornDown bool // target set became empty and everything was closed
}

type entry struct {
	gen    uint64
	sub    Subscription
	closed bool
}

// Manager owns the open subscriptions. It is not safe for concurrent use; the engine calls it
// from its event loop only.
type Manager struct {
	ctx     context.Context
	source  Source
	deliver Delivery

	open        map[string]*entry
	lastKnown   map[string]struct{}
	graceUsed   bool
	recomputing bool
	gen         uint64
}

// NewManager creates a manager that opens channels from source and forwards pushes to deliver.
func NewManager(ctx context.Context, source Source, deliver Delivery) *Manager {
	return &Manager{
		ctx:       ctx,
		source:    source,
		deliver:   deliver,
		open:      make(map[string]*entry),
		lastKnown: make(map[string]struct{}),
	}
}

// ActiveWorkerSet returns the workers of active visits plus the workers of active snapshots
// that belong to a currently active visit.
func ActiveWorkerSet(activeVisits []model.Visit, matched map[string]model.TrackingSnapshot) map[string]struct{} {
	set := make(map[string]struct{}, len(activeVisits))
	active := make(map[string]model.Visit, len(activeVisits))
	for _, v := range activeVisits {
		if v.WorkerID == "" || !v.IsActive() {
			continue
		}
		set[v.WorkerID] = struct{}{}
		active[v.ID] = v
	}
	for visitID, snap := range matched {
		if !snap.IsActive || snap.WorkerID == "" {
			continue
		}
		if _, ok := active[visitID]; ok {
			set[snap.WorkerID] = struct{}{}
		}
	}
	return set
}

// Recompute diffs the target worker set against the open subscriptions, opening and closing
// channels so that exactly one stays open per target worker.
func (m *Manager) Recompute(in Input) (Diff, error) {
	if m.recomputing {
		return Diff{}, ErrRecomputeInProgress
	}
	m.recomputing = true
	defer func() { m.recomputing = false }()

	var diff Diff
	target := ActiveWorkerSet(in.ActiveVisits, in.Matched)

	switch {
	case len(in.ActiveVisits) > 0:
		m.graceUsed = false
	case len(m.lastKnown) > 0 && !m.graceUsed && !contradicts(m.lastKnown, in.All):
		log.Printf("Active visit list is empty; keeping %d known workers for one more cycle", len(m.lastKnown))
		target = maps.Clone(m.lastKnown)
		m.graceUsed = true
		diff.Retained = true
	}

	if len(target) == 0 {
		diff.Closed = m.closeAll()
		diff.TornDown = true
		m.lastKnown = make(map[string]struct{})
		m.graceUsed = false
		return diff, nil
	}

	for _, workerID := range slices.Sorted(maps.Keys(m.open)) {
		if _, keep := target[workerID]; keep {
			continue
		}
		m.closeEntry(workerID)
		diff.Closed = append(diff.Closed, workerID)
	}

	for _, workerID := range slices.Sorted(maps.Keys(target)) {
		if _, exists := m.open[workerID]; exists {
			continue
		}
		if err := m.openEntry(workerID); err != nil {
			log.Printf("Error subscribing to live location of worker %s: %v", workerID, err)
			diff.Failed = append(diff.Failed, workerID)
			delete(target, workerID)
			continue
		}
		diff.Opened = append(diff.Opened, workerID)
	}

	m.lastKnown = target
	return diff, nil
}

// contradicts reports whether any snapshot says a previously known worker is no longer active.
func contradicts(known map[string]struct{}, snapshots []model.TrackingSnapshot) bool {
	for _, s := range snapshots {
		if _, ok := known[s.WorkerID]; ok && !s.IsActive {
			return true
		}
	}
	return false
}

func (m *Manager) openEntry(workerID string) error {
	m.gen++
	gen := m.gen
	deliver := m.deliver
	sub, err := m.source.Subscribe(m.ctx, workerID, func(loc *model.Location) {
		deliver(workerID, gen, loc)
	})
	if err != nil {
		return err
	}
	m.open[workerID] = &entry{gen: gen, sub: sub}
	return nil
}

func (m *Manager) closeEntry(workerID string) {
	e, ok := m.open[workerID]
	if !ok {
		return
	}
	delete(m.open, workerID)
	if e.closed {
		return
	}
	e.closed = true
	if err := e.sub.Close(); err != nil {
		log.Printf("Error closing live location subscription for worker %s: %v", workerID, err)
	}
}

func (m *Manager) closeAll() []string {
	ids := slices.Sorted(maps.Keys(m.open))
	for _, workerID := range ids {
		m.closeEntry(workerID)
	}
	return ids
}

// CloseAll synchronously closes every open subscription and forgets the last-known set.
func (m *Manager) CloseAll() []string {
	closed := m.closeAll()
	m.lastKnown = make(map[string]struct{})
	m.graceUsed = false
	return closed
}

// Accepts reports whether a push tagged with gen comes from the currently open subscription
// for the worker. Pushes from closed subscriptions are dropped by the caller.
func (m *Manager) Accepts(workerID string, gen uint64) bool {
	e, ok := m.open[workerID]
	return ok && !e.closed && e.gen == gen
}

// Count returns the number of open subscriptions.
func (m *Manager) Count() int {
	return len(m.open)
}

// Workers returns the ids of workers with an open subscription, sorted.
func (m *Manager) Workers() []string {
	return slices.Sorted(maps.Keys(m.open))
}
