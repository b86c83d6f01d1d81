package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitter-tracking-backend/internal/clock"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/render"
	"sitter-tracking-backend/internal/subscription"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

type fakeSub struct {
	src      *fakeSource
	workerID string
	closes   int
}

func (s *fakeSub) Close() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	s.closes++
	delete(s.src.handlers, s.workerID)
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string]subscription.Handler
	subs     []*fakeSub
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: map[string]subscription.Handler{}}
}

func (f *fakeSource) Subscribe(_ context.Context, workerID string, h subscription.Handler) (subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[workerID] = h
	s := &fakeSub{src: f, workerID: workerID}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSource) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeSource) handler(workerID string) subscription.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[workerID]
}

func (f *fakeSource) push(t *testing.T, workerID string, loc *model.Location) {
	t.Helper()
	h := f.handler(workerID)
	require.NotNil(t, h, "no open subscription for %s", workerID)
	h(loc)
}

type recordingSurface struct {
	mu      sync.Mutex
	draws   []render.Marker
	erased  []string
	routes  []render.Route
	framing []string
	panicOn string
	// onDraw runs on the engine loop before a marker draw is recorded.
	onDraw func(m render.Marker)
}

func (s *recordingSurface) DrawMarker(m render.Marker) error {
	if m.WorkerID == s.panicOn {
		panic("boom")
	}
	if s.onDraw != nil {
		s.onDraw(m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws = append(s.draws, m)
	return nil
}

func (s *recordingSurface) EraseMarker(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.erased = append(s.erased, handle)
	return nil
}

func (s *recordingSurface) DrawRoute(r render.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, r)
	return nil
}

func (s *recordingSurface) EraseRoute(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.erased = append(s.erased, handle)
	return nil
}

func (s *recordingSurface) CenterOn(p render.Point, zoom int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framing = append(s.framing, fmt.Sprintf("center %.4f,%.4f", p.Lat, p.Lng))
	return nil
}

func (s *recordingSurface) FitBounds(b render.Bounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framing = append(s.framing, "fit")
	return nil
}

func (s *recordingSurface) markerDraws(workerID string) []render.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []render.Marker
	for _, m := range s.draws {
		if m.WorkerID == workerID {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	engine  *Engine
	source  *fakeSource
	surface *recordingSurface
	clock   *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		source:  newFakeSource(),
		surface: &recordingSurface{},
		clock:   clock.NewManual(t0),
	}
	h.engine = New(Config{
		FreshnessWindow: 5 * time.Minute,
		ThrottleWindow:  2 * time.Second,
		RemovalGrace:    30 * time.Second,
		SweepInterval:   5 * time.Second,
		Epsilon:         1e-6,
	}, h.clock, h.source, h.surface)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	h.sync()
	return h
}

func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.engine.Sync(context.Background()))
}

// advance moves the clock in small steps so timer callbacks posted to the loop run at the
// time they were due.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	const step = 100 * time.Millisecond
	for d > 0 {
		s := min(step, d)
		h.clock.Advance(s)
		h.sync()
		d -= s
	}
}

func activeVisit(id, workerID string) model.Visit {
	return model.Visit{
		ID: id, WorkerID: workerID, ClientID: "c-" + id, Status: model.VisitStatusActive,
		ScheduledStart: t0.Add(-time.Hour), ScheduledEnd: t0.Add(time.Hour),
	}
}

func fix(lat, lng float64, ts time.Time) *model.Location {
	return &model.Location{Lat: lat, Lng: lng, Timestamp: ts}
}

func TestSubscriptionCountFollowsActiveSet(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 0, h.source.open())

	h.engine.UpdateFeeds(Feeds{Visits: []model.Visit{activeVisit("v1", "A"), activeVisit("v2", "B")}})
	h.sync()
	assert.Equal(t, 2, h.source.open())
	assert.Equal(t, 2, h.engine.View().Subscriptions)
	assert.Equal(t, []string{"A", "B"}, h.engine.View().ActiveWorkers)

	h.engine.UpdateFeeds(Feeds{Visits: []model.Visit{}, Snapshots: []model.TrackingSnapshot{
		{VisitID: "v1", WorkerID: "A", IsActive: false},
		{VisitID: "v2", WorkerID: "B", IsActive: false},
	}})
	h.sync()
	assert.Equal(t, 0, h.source.open())
	assert.Equal(t, 0, h.engine.View().Subscriptions)

	for _, s := range h.source.subs {
		assert.Equal(t, 1, s.closes, "subscription for %s closed exactly once", s.workerID)
	}
}

func TestEmptyVisitListIsRetainedForOneCycle(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A"), activeVisit("v2", "B")})
	h.sync()

	h.engine.UpdateVisits([]model.Visit{})
	h.sync()
	assert.Equal(t, 2, h.source.open(), "transient empty list keeps the last-known set")
	v := h.engine.View()
	assert.True(t, v.Retained)
	assert.Equal(t, []string{"A", "B"}, v.ActiveWorkers)
	assert.Equal(t, v.Subscriptions, len(v.ActiveWorkers))

	h.engine.UpdateBookings([]model.Booking{})
	h.sync()
	assert.Equal(t, 0, h.source.open())
}

func TestEmptyVisitListClearsEverythingInOneCycle(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A"), activeVisit("v2", "B")})
	h.sync()
	h.source.push(t, "A", fix(37, -122, t0))
	h.source.push(t, "B", fix(38, -121, t0))
	h.sync()
	require.Len(t, h.engine.Locations(), 2)

	h.engine.UpdateFeeds(Feeds{Visits: []model.Visit{}, Snapshots: []model.TrackingSnapshot{
		{VisitID: "v1", WorkerID: "A", IsActive: false},
	}})
	h.sync()

	assert.Empty(t, h.engine.Locations())
	assert.Equal(t, 0, h.source.open())
}

func TestLiveUpdatesAreAdmittedAndThrottled(t *testing.T) {
	h := newHarness(t)
	h.engine.SurfaceReady()
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "B")})
	h.sync()

	h.source.push(t, "B", fix(37.0, -122.0, t0))
	h.sync()
	h.advance(200 * time.Millisecond)
	h.source.push(t, "B", fix(37.0001, -122.0, t0.Add(200*time.Millisecond)))
	h.sync()
	h.advance(300 * time.Millisecond)
	h.source.push(t, "B", fix(37.0002, -122.0, t0.Add(500*time.Millisecond)))
	h.sync()

	draws := h.surface.markerDraws("B")
	require.Len(t, draws, 1, "leading edge only")
	assert.Equal(t, 37.0, draws[0].Position.Lat)

	held := h.engine.Locations()["B"]
	assert.Equal(t, 37.0002, held.Location.Lat, "every admitted update reaches the location map")

	h.advance(1500 * time.Millisecond)
	draws = h.surface.markerDraws("B")
	require.Len(t, draws, 2)
	assert.Equal(t, 37.0002, draws[1].Position.Lat, "trailing edge carries the latest value")
	assert.Equal(t, draws[0].Handle, draws[1].Handle)
}

func TestIdenticalEventYieldsOneVisualUpdate(t *testing.T) {
	h := newHarness(t)
	h.engine.SurfaceReady()
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()

	h.source.push(t, "A", fix(37, -122, t0))
	h.source.push(t, "A", fix(37, -122, t0))
	h.sync()
	h.advance(3 * time.Second)

	assert.Len(t, h.surface.markerDraws("A"), 1)
}

func TestPushFromClosedSubscriptionIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()
	old := h.source.handler("A")

	h.engine.ResetSubscriptions()
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()
	require.Equal(t, 1, h.source.open())

	old(fix(37, -122, t0))
	h.sync()
	assert.Empty(t, h.engine.Locations())

	h.source.push(t, "A", fix(37, -122, t0))
	h.sync()
	assert.Len(t, h.engine.Locations(), 1)
}

func TestSnapshotUsedWhileLiveChannelSilent(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateFeeds(Feeds{
		Visits: []model.Visit{activeVisit("v1", "A")},
		Snapshots: []model.TrackingSnapshot{{
			VisitID: "v1", WorkerID: "stale-id", IsActive: true,
			Route: []model.RoutePoint{{Lat: 40, Lng: -70, Timestamp: t0.Add(-time.Minute)}},
		}},
	})
	h.sync()

	s, ok := h.engine.Locations()["A"]
	require.True(t, ok)
	assert.Equal(t, model.SourceSnapshot, s.Source)
	assert.Equal(t, "A", h.engine.Tracking()["v1"].WorkerID, "snapshot identity follows the visit")

	h.engine.UpsertTracking(model.TrackingSnapshot{
		VisitID: "v1", WorkerID: "A", IsActive: true,
		Route: []model.RoutePoint{{Lat: 40, Lng: -70, Timestamp: t0.Add(-time.Minute)}},
		LastLocation: &model.RoutePoint{Lat: 40.01, Lng: -70, Timestamp: t0},
	})
	h.sync()
	assert.Equal(t, 40.01, h.engine.Locations()["A"].Location.Lat)
}

func TestNullLiveEventRemovesWorkerWithoutSnapshot(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()
	h.source.push(t, "A", fix(37, -122, t0))
	h.sync()
	require.Len(t, h.engine.Locations(), 1)

	h.source.push(t, "A", nil)
	h.sync()
	assert.Empty(t, h.engine.Locations())
}

func TestMarkerSurvivesShortAbsence(t *testing.T) {
	h := newHarness(t)
	h.engine.SurfaceReady()
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A"), activeVisit("v2", "B")})
	h.sync()
	h.source.push(t, "A", fix(37, -122, t0))
	h.sync()
	first := h.surface.markerDraws("A")[0].Handle

	h.engine.UpdateVisits([]model.Visit{activeVisit("v2", "B")})
	h.sync()
	assert.Empty(t, h.engine.Locations())
	h.advance(10 * time.Second)

	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A"), activeVisit("v2", "B")})
	h.sync()
	h.source.push(t, "A", fix(37.001, -122, h.clock.Now()))
	h.sync()
	h.advance(40 * time.Second)

	for _, m := range h.surface.markerDraws("A") {
		assert.Equal(t, first, m.Handle)
	}
	assert.NotContains(t, h.surface.erased, first)
}

func TestSingleRoutePointNeverDrawsRoute(t *testing.T) {
	h := newHarness(t)
	h.engine.SurfaceReady()
	h.engine.UpdateFeeds(Feeds{
		Visits: []model.Visit{activeVisit("v1", "A")},
		Snapshots: []model.TrackingSnapshot{{
			VisitID: "v1", WorkerID: "A", IsActive: true,
			Route: []model.RoutePoint{{Lat: 40, Lng: -70, Timestamp: t0}},
		}},
	})
	h.sync()
	assert.Empty(t, h.surface.routes)
	assert.Equal(t, 0, h.engine.View().Routes)
}

func TestMissingIdentityIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", ""), activeVisit("v2", "B")})
	h.sync()
	assert.Equal(t, 1, h.source.open())
	assert.Equal(t, []string{"B"}, h.engine.View().ActiveWorkers)
}

func TestFailingWorkerDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	h.surface.panicOn = "A"
	h.engine.SurfaceReady()
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A"), activeVisit("v2", "B")})
	h.sync()

	h.source.push(t, "A", fix(37, -122, t0))
	h.source.push(t, "B", fix(38, -121, t0))
	h.sync()

	assert.Len(t, h.surface.markerDraws("B"), 1)
	assert.Len(t, h.engine.Locations(), 2)
}

func TestSweepDropsStaleLiveFix(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()
	h.source.push(t, "A", fix(37, -122, t0))
	h.sync()

	h.advance(4 * time.Minute)
	assert.Len(t, h.engine.Locations(), 1)

	h.advance(2 * time.Minute)
	assert.Empty(t, h.engine.Locations())
}

func TestQueuedUntilSurfaceReady(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()
	h.source.push(t, "A", fix(37, -122, t0))
	h.sync()
	assert.Empty(t, h.surface.markerDraws("A"))
	assert.Equal(t, 1, h.engine.View().QueuedDraws)

	h.engine.SurfaceReady()
	h.sync()
	assert.Len(t, h.surface.markerDraws("A"), 1)
	assert.Equal(t, []string{"center 37.0000,-122.0000"}, h.surface.framing)
}

func TestSurfaceLostDuringDrawWithFullQueue(t *testing.T) {
	h := newHarness(t)
	h.engine.SurfaceReady()
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()

	entered := make(chan struct{})
	release := make(chan struct{})
	h.surface.onDraw = func(render.Marker) {
		close(entered)
		<-release
		// The hub reports a lost surface synchronously when its last dashboard drops
		// during a broadcast.
		h.engine.SurfaceLost()
	}
	h.source.push(t, "A", fix(37, -122, t0))
	<-entered

	go func() {
		for i := 0; i < cap(h.engine.events)+16; i++ {
			h.engine.post(func() {})
		}
	}()
	require.Eventually(t, func() bool {
		return len(h.engine.events) == cap(h.engine.events)
	}, 5*time.Second, time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Sync(ctx), "engine loop must keep draining events")
	assert.False(t, h.engine.View().SurfaceReady)
}

func TestSurfaceReadyReframesEachSession(t *testing.T) {
	h := newHarness(t)
	h.engine.UpdateVisits([]model.Visit{activeVisit("v1", "A")})
	h.sync()
	h.source.push(t, "A", fix(37, -122, t0))
	h.sync()

	h.engine.SurfaceReady()
	h.sync()
	h.engine.SurfaceLost()
	h.engine.SurfaceReady()
	h.sync()

	assert.True(t, h.engine.View().SurfaceReady)
	assert.Len(t, h.surface.framing, 2)
}

func TestSyncHonorsContextWhenQueueIsFull(t *testing.T) {
	e := New(Config{}, clock.NewManual(t0), newFakeSource(), &recordingSurface{})
	for i := 0; i < cap(e.events); i++ {
		require.True(t, e.post(func() {}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Sync(ctx), context.DeadlineExceeded)
}
