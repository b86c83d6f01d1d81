// Package engine is the location synchronization engine. It owns every piece of derived state
// and mutates it from a single event loop; feed refreshes, live pushes and timers are all
// posted onto that loop as closures.
package engine

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sitter-tracking-backend/config"
	"sitter-tracking-backend/internal/clock"
	"sitter-tracking-backend/internal/metrics"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/reconcile"
	"sitter-tracking-backend/internal/render"
	"sitter-tracking-backend/internal/resolver"
	"sitter-tracking-backend/internal/subscription"
	"sitter-tracking-backend/internal/throttle"
)

// Config holds the engine settings.
type Config struct {
	FreshnessWindow time.Duration
	ThrottleWindow  time.Duration
	RemovalGrace    time.Duration
	SweepInterval   time.Duration
	Epsilon         float64
	MapStyle        string
	AutoRefresh     bool
	RefreshInterval time.Duration
}

// ConfigFrom converts the loaded configuration.
func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		FreshnessWindow: c.FreshnessWindow,
		ThrottleWindow:  c.ThrottleWindow,
		RemovalGrace:    c.RemovalGrace,
		SweepInterval:   c.SweepInterval,
		Epsilon:         c.MovementEpsilon,
		MapStyle:        c.MapStyle,
		AutoRefresh:     c.AutoRefresh,
		RefreshInterval: c.RefreshInterval,
	}
}

// Feeds is one batch of upstream data. A nil slice leaves the current value untouched; an
// empty, non-nil slice replaces it with nothing.
type Feeds struct {
	Visits    []model.Visit
	Bookings  []model.Booking
	Workers   []model.Worker
	Snapshots []model.TrackingSnapshot
}

// Engine composes the resolver, subscription manager, reconciler, throttle and renderer.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	loop   clock.Clock
	events chan func()
	done   chan struct{}
	ctx    context.Context

	subs      *subscription.Manager
	locations *reconcile.Reconciler
	throttle  *throttle.Dispatcher[string, model.WorkerLocationState]
	renderer  *render.Renderer

	visits    []model.Visit
	bookings  []model.Booking
	workers   map[string]model.Worker
	snapshots []model.TrackingSnapshot

	resolved      resolver.Result
	matched       map[string]model.TrackingSnapshot // active visit id -> snapshot
	byWorker      map[string]model.TrackingSnapshot
	visitByWorker map[string]model.Visit
	bookingByWkr  map[string]model.Booking
	activeSet     map[string]struct{}
	retained      bool
	routed        map[string]struct{}
	tracking      map[string]model.TrackingSnapshot

	// Surface readiness is handed to the loop through these fields rather than posted, since
	// the surface may report it from inside a draw running on the loop.
	surfaceMu      sync.Mutex
	surfaceDirty   bool
	surfaceWant    bool
	surfaceSession uint64
	appliedSession uint64
	surfaceWake    chan struct{}

	sweep   clock.Timer
	sweepID uint64
	started atomic.Bool
	view    atomic.Pointer[View]
}

// New creates an engine that opens live channels from source and draws on surface. Run must
// be called to start processing.
func New(cfg Config, c clock.Clock, source subscription.Source, surface render.Surface) *Engine {
	e := &Engine{
		cfg:           cfg,
		clock:         c,
		events:        make(chan func(), 1024),
		done:          make(chan struct{}),
		surfaceWake:   make(chan struct{}, 1),
		ctx:           context.Background(),
		workers:       map[string]model.Worker{},
		matched:       map[string]model.TrackingSnapshot{},
		byWorker:      map[string]model.TrackingSnapshot{},
		visitByWorker: map[string]model.Visit{},
		bookingByWkr:  map[string]model.Booking{},
		activeSet:     map[string]struct{}{},
		routed:        map[string]struct{}{},
		tracking:      map[string]model.TrackingSnapshot{},
	}
	e.loop = loopClock{e: e}
	e.subs = subscription.NewManager(e.ctx, source, e.deliver)
	e.locations = reconcile.New(reconcile.Config{Epsilon: cfg.Epsilon, FreshnessWindow: cfg.FreshnessWindow}, e.loop)
	e.throttle = throttle.New(e.loop, cfg.ThrottleWindow, e.dispatch)
	e.renderer = render.New(render.Config{Grace: cfg.RemovalGrace}, e.loop, surface)
	e.publish()
	return e
}

// loopClock delivers timer callbacks on the engine's event loop.
type loopClock struct {
	e *Engine
}

func (l loopClock) Now() time.Time {
	return l.e.clock.Now()
}

func (l loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return l.e.clock.AfterFunc(d, func() { l.e.post(f) })
}

// Run processes events until ctx is cancelled, then closes every subscription.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	log.Println("Starting location engine...")
	e.scheduleSweep()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-e.surfaceWake:
			e.applySurface()
		case f := <-e.events:
			e.applySurface()
			e.safely("event", f)
		}
	}
}

func (e *Engine) shutdown() {
	log.Println("Location engine shutting down.")
	e.sweepID++
	if e.sweep != nil {
		e.sweep.Stop()
	}
	closed := e.subs.CloseAll()
	e.throttle.Stop()
	close(e.done)
	metrics.OpenSubscriptions.Set(0)
	log.Printf("Closed %d live location subscriptions", len(closed))
}

// post queues f on the event loop. It reports false once the loop has exited.
func (e *Engine) post(f func()) bool {
	return e.postCtx(context.Background(), f) == nil
}

// postCtx is post giving up when ctx ends while the queue is full.
func (e *Engine) postCtx(ctx context.Context, f func()) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.events <- f:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// safely runs f, recovering a panic so that one failing worker cannot stop the loop.
func (e *Engine) safely(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EngineEvents.WithLabelValues("isolated_failure").Inc()
			log.Printf("Recovered from panic while handling %s: %v\n%s", what, r, debug.Stack())
		}
	}()
	f()
}

// Sync blocks until every event posted before the call has been processed.
func (e *Engine) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := e.postCtx(ctx, func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) scheduleSweep() {
	if e.cfg.SweepInterval <= 0 {
		return
	}
	e.sweepID++
	id := e.sweepID
	e.sweep = e.loop.AfterFunc(e.cfg.SweepInterval, func() {
		if id != e.sweepID {
			return
		}
		e.runSweep()
		e.scheduleSweep()
	})
}

// Settings returns the configuration the engine runs with.
func (e *Engine) Settings() Config {
	return e.cfg
}
