package report

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitter-tracking-backend/internal/engine"
	"sitter-tracking-backend/internal/model"
)

var now = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func testView() *engine.View {
	return &engine.View{
		ActiveVisits:  []model.Visit{{ID: "v1", WorkerID: "w1"}, {ID: "v2", WorkerID: "w2"}},
		ActiveWorkers: []string{"w1", "w2"},
		EffectiveBookings: []model.Booking{
			{ID: "b1", Price: 40},
			{ID: "v2", Price: 0, Synthesized: true},
		},
		Locations: map[string]model.WorkerLocationState{
			"w1": {WorkerID: "w1", Status: model.WorkerStatusActive},
		},
		Tracking: map[string]model.TrackingSnapshot{
			"v1": {
				VisitID: "v1", WorkerID: "w1", ClientID: "c1", IsActive: true,
				Route: []model.RoutePoint{
					{Lat: 0, Lng: 0, Timestamp: now.Add(-time.Minute), Accuracy: 5},
					{Lat: math.Inf(1), Lng: 0},
					{Lat: 1, Lng: 0, Timestamp: now, Speed: 1.5, Altitude: 12},
				},
				LastLocation: &model.RoutePoint{Lat: 1, Lng: 0, Timestamp: now},
			},
			"v2": {VisitID: "v2", WorkerID: "w2", IsActive: true, Route: []model.RoutePoint{{Lat: 1, Lng: 1}}},
		},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(testView(), now)

	assert.Equal(t, 2, s.ActiveVisits)
	assert.Equal(t, 2, s.ActiveWorkers)
	assert.Equal(t, 1, s.LocatedWorkers)
	assert.Equal(t, 1, s.TrackedRoutes, "a single-point route is not tracked yet")
	assert.Equal(t, 40.0, s.Revenue)
	assert.Equal(t, 2, s.Bookings)
	assert.Equal(t, 1, s.SynthesizedBookings)
	assert.Equal(t, 1, s.ByStatus[model.WorkerStatusActive])
}

func TestExportVisit(t *testing.T) {
	doc, err := ExportVisit(testView(), "v1", now)
	require.NoError(t, err)

	assert.Equal(t, "w1", doc.WorkerID)
	assert.Equal(t, "c1", doc.ClientID)
	assert.Equal(t, 2, doc.PointCount)
	require.Len(t, doc.Route, 2)
	assert.Equal(t, 5.0, doc.Route[0].Accuracy)
	assert.Equal(t, 12.0, doc.Route[1].Altitude)
	assert.InDelta(t, 111195, doc.TotalDistance, 50, "distance computed when not stored")
	require.NotNil(t, doc.LastLocation)
	assert.Equal(t, now, doc.ExportedAt)
}

func TestExportVisit_Unknown(t *testing.T) {
	_, err := ExportVisit(testView(), "nope", now)
	assert.ErrorIs(t, err, ErrUnknownVisit)
}
