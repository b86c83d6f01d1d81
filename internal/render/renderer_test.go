package render

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitter-tracking-backend/internal/clock"
	"sitter-tracking-backend/internal/model"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

type mockSurface struct {
	calls []string
	// DrawMarkerFunc overrides DrawMarker when set.
	DrawMarkerFunc func(m Marker) error
}

func (s *mockSurface) DrawMarker(m Marker) error {
	if s.DrawMarkerFunc != nil {
		if err := s.DrawMarkerFunc(m); err != nil {
			return err
		}
	}
	s.calls = append(s.calls, fmt.Sprintf("draw-marker %s %.4f,%.4f leaving=%t", m.WorkerID, m.Position.Lat, m.Position.Lng, m.Leaving))
	return nil
}

func (s *mockSurface) EraseMarker(handle string) error {
	s.calls = append(s.calls, "erase-marker "+handle)
	return nil
}

func (s *mockSurface) DrawRoute(r Route) error {
	s.calls = append(s.calls, fmt.Sprintf("draw-route %s %d", r.VisitID, len(r.Points)))
	return nil
}

func (s *mockSurface) EraseRoute(handle string) error {
	s.calls = append(s.calls, "erase-route "+handle)
	return nil
}

func (s *mockSurface) CenterOn(p Point, zoom int) error {
	s.calls = append(s.calls, fmt.Sprintf("center %.4f,%.4f z%d", p.Lat, p.Lng, zoom))
	return nil
}

func (s *mockSurface) FitBounds(b Bounds) error {
	s.calls = append(s.calls, fmt.Sprintf("fit %.4f,%.4f %.4f,%.4f", b.SouthWest.Lat, b.SouthWest.Lng, b.NorthEast.Lat, b.NorthEast.Lng))
	return nil
}

func newTestRenderer(t *testing.T) (*Renderer, *mockSurface, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(t0)
	s := &mockSurface{}
	r := New(Config{Grace: 30 * time.Second}, c, s)
	n := 0
	r.newHandle = func() string {
		n++
		return fmt.Sprintf("h%d", n)
	}
	return r, s, c
}

func state(workerID string, lat, lng float64, ts time.Time) model.WorkerLocationState {
	return model.WorkerLocationState{
		WorkerID: workerID,
		VisitID:  "v-" + workerID,
		Location: model.Location{Lat: lat, Lng: lng, Timestamp: ts},
		Status:   model.WorkerStatusActive,
		Source:   model.SourceLive,
	}
}

func TestUpdateMarker_IdenticalUpdateIsSkipped(t *testing.T) {
	r, s, _ := newTestRenderer(t)
	r.Ready()

	assert.True(t, r.UpdateMarker(state("X", 37, -122, t0)))
	assert.False(t, r.UpdateMarker(state("X", 37, -122, t0)))

	assert.Equal(t, []string{
		"draw-marker X 37.0000,-122.0000 leaving=false",
		"center 37.0000,-122.0000 z15",
	}, s.calls)
}

func TestUpdateMarker_LateUpdateRejected(t *testing.T) {
	r, s, _ := newTestRenderer(t)
	r.Ready()

	r.UpdateMarker(state("X", 37, -122, t0.Add(time.Second)))
	assert.False(t, r.UpdateMarker(state("X", 38, -122, t0)))
	assert.True(t, r.UpdateMarker(state("X", 38, -122, t0.Add(2*time.Second))))
	assert.Len(t, s.calls, 3)
}

func TestRemoveMarker_ReappearanceKeepsHandle(t *testing.T) {
	r, s, c := newTestRenderer(t)
	r.Ready()

	r.UpdateMarker(state("A", 37, -122, t0))
	handle, _ := r.MarkerHandle("A")

	require.True(t, r.RemoveMarker("A"))
	assert.False(t, r.RemoveMarker("A"), "removal already scheduled")
	assert.True(t, r.Leaving("A"))

	c.Advance(10 * time.Second)
	r.UpdateMarker(state("A", 37, -122, t0.Add(10*time.Second)))

	again, ok := r.MarkerHandle("A")
	require.True(t, ok)
	assert.Equal(t, handle, again)
	assert.False(t, r.Leaving("A"))

	c.Advance(time.Minute)
	_, ok = r.MarkerHandle("A")
	assert.True(t, ok, "cancelled removal must not fire")
	assert.NotContains(t, s.calls, "erase-marker "+handle)
}

func TestRemoveMarker_ErasedAfterGrace(t *testing.T) {
	r, s, c := newTestRenderer(t)
	r.Ready()

	r.UpdateMarker(state("A", 37, -122, t0))
	r.RemoveMarker("A")
	c.Advance(29 * time.Second)
	_, ok := r.MarkerHandle("A")
	assert.True(t, ok)

	c.Advance(time.Second)
	_, ok = r.MarkerHandle("A")
	assert.False(t, ok)
	assert.Equal(t, "erase-marker h1", s.calls[len(s.calls)-1])

	r.UpdateMarker(state("A", 37, -122, t0.Add(time.Minute)))
	handle, _ := r.MarkerHandle("A")
	assert.Equal(t, "h2", handle, "a marker erased after its grace period is recreated")
}

func TestUpdateRoute_RequiresTwoValidPoints(t *testing.T) {
	r, s, _ := newTestRenderer(t)
	r.Ready()

	snap := model.TrackingSnapshot{
		VisitID: "v1", WorkerID: "A", IsActive: true,
		Route: []model.RoutePoint{{Lat: 37, Lng: -122, Timestamp: t0}},
	}
	assert.False(t, r.UpdateRoute(snap))

	snap.Route = append(snap.Route, model.RoutePoint{Lat: 200, Lng: -122, Timestamp: t0.Add(time.Second)})
	assert.False(t, r.UpdateRoute(snap), "out-of-range point is filtered")
	_, ok := r.RouteHandle("v1")
	assert.False(t, ok)
	assert.Empty(t, s.calls)

	snap.Route = append(snap.Route, model.RoutePoint{Lat: 37.001, Lng: -122, Timestamp: t0.Add(2 * time.Second)})
	assert.True(t, r.UpdateRoute(snap))
	assert.False(t, r.UpdateRoute(snap))
	assert.Equal(t, []string{"draw-route v1 2"}, s.calls)
}

func TestRemoveRoute_GraceAndRevival(t *testing.T) {
	r, s, c := newTestRenderer(t)
	r.Ready()
	snap := model.TrackingSnapshot{
		VisitID: "v1", WorkerID: "A", IsActive: true,
		Route: []model.RoutePoint{{Lat: 37, Lng: -122}, {Lat: 37.1, Lng: -122}},
	}
	r.UpdateRoute(snap)
	handle, _ := r.RouteHandle("v1")

	r.RemoveRoute("v1")
	c.Advance(5 * time.Second)
	assert.True(t, r.UpdateRoute(snap), "revival redraws the route")
	again, _ := r.RouteHandle("v1")
	assert.Equal(t, handle, again)

	r.RemoveRoute("v1")
	c.Advance(30 * time.Second)
	_, ok := r.RouteHandle("v1")
	assert.False(t, ok)
	assert.Equal(t, "erase-route "+handle, s.calls[len(s.calls)-1])
}

func TestUpdateRoute_RevivalWithTooFewPointsKeepsRoute(t *testing.T) {
	r, s, c := newTestRenderer(t)
	r.Ready()
	snap := model.TrackingSnapshot{
		VisitID: "v1", WorkerID: "A", IsActive: true,
		Route: []model.RoutePoint{{Lat: 37, Lng: -122}, {Lat: 37.1, Lng: -122}},
	}
	r.UpdateRoute(snap)
	handle, _ := r.RouteHandle("v1")

	r.RemoveRoute("v1")
	c.Advance(5 * time.Second)
	snap.Route = []model.RoutePoint{{Lat: 37.2, Lng: -122}}
	assert.False(t, r.UpdateRoute(snap))

	c.Advance(60 * time.Second)
	again, ok := r.RouteHandle("v1")
	require.True(t, ok, "the rematched route must not expire")
	assert.Equal(t, handle, again)
	assert.NotContains(t, s.calls, "erase-route "+handle)
	assert.Zero(t, c.Pending())
}

func TestReady_FlushesQueueAndFramesOnce(t *testing.T) {
	r, s, _ := newTestRenderer(t)

	r.UpdateMarker(state("A", 37, -122, t0))
	r.UpdateMarker(state("A", 37.5, -122, t0.Add(time.Second)))
	r.UpdateMarker(state("B", 38, -121, t0))
	assert.Empty(t, s.calls)
	assert.Equal(t, 2, r.Queued(), "updates are coalesced per marker")

	r.Ready()
	assert.Equal(t, 0, r.Queued())
	assert.Equal(t, []string{
		"draw-marker A 37.5000,-122.0000 leaving=false",
		"draw-marker B 38.0000,-121.0000 leaving=false",
		"fit 37.5000,-122.0000 38.0000,-121.0000",
	}, s.calls)

	r.UpdateMarker(state("C", 39, -120, t0))
	assert.Len(t, s.calls, 4, "no reframing after the first")

	r.Lost()
	r.UpdateMarker(state("C", 39.5, -120, t0.Add(time.Second)))
	assert.Equal(t, 1, r.Queued())
	r.Ready()
	assert.Contains(t, s.calls[len(s.calls)-1], "fit ")
}

func TestReady_WithNoPositionsFramesOnFirstMarker(t *testing.T) {
	r, s, _ := newTestRenderer(t)
	r.Ready()
	assert.Empty(t, s.calls)

	r.UpdateMarker(state("A", 37, -122, t0))
	r.UpdateMarker(state("B", 38, -121, t0))
	assert.Equal(t, []string{
		"draw-marker A 37.0000,-122.0000 leaving=false",
		"center 37.0000,-122.0000 z15",
		"draw-marker B 38.0000,-121.0000 leaving=false",
	}, s.calls)
}

func TestApply_FailedDrawIsRequeued(t *testing.T) {
	r, s, _ := newTestRenderer(t)
	s.DrawMarkerFunc = func(Marker) error { return ErrSurfaceUnavailable }
	r.Ready()

	r.UpdateMarker(state("A", 37, -122, t0))
	assert.Equal(t, 1, r.Queued())

	s.DrawMarkerFunc = nil
	r.Ready()
	assert.Equal(t, 0, r.Queued())
	assert.Contains(t, s.calls, "draw-marker A 37.0000,-122.0000 leaving=false")
}
