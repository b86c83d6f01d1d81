// Package metrics declares the Prometheus collectors of the tracking engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LocationCandidates counts candidate locations by reconciliation outcome.
	LocationCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_location_candidates_total",
			Help: "Candidate locations by reconciliation outcome",
		},
		[]string{"source", "outcome"},
	)

	// DroppedPushes counts pushes that arrived from an already closed subscription.
	DroppedPushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_dropped_pushes_total",
			Help: "Live pushes ignored because their subscription was closed",
		},
	)

	// Dispatches counts throttled marker updates that reached the renderer.
	Dispatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_dispatches_total",
			Help: "Marker updates released by the throttle",
		},
	)

	OpenSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_open_subscriptions",
			Help: "Open live location subscriptions",
		},
	)

	TrackedWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_tracked_workers",
			Help: "Workers with a held location",
		},
	)

	SurfaceReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_surface_ready",
			Help: "1 while the rendering surface has a viewer attached",
		},
	)

	// RecomputeDuration observes how long an active-set recomputation takes.
	RecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_recompute_duration_seconds",
			Help:    "Duration of active-set recomputations",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EngineEvents counts notable engine conditions: missing identity, subscription race,
	// isolated worker failures, sweep purges.
	EngineEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_engine_events_total",
			Help: "Notable engine conditions",
		},
		[]string{"event"},
	)

	// FeedFetches counts feed fetches by feed and result.
	FeedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_feed_fetches_total",
			Help: "Upstream feed fetches",
		},
		[]string{"feed", "status"},
	)

	FeedFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_feed_fetch_duration_seconds",
			Help:    "Duration of upstream feed fetches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"feed"},
	)

	// NoticesSent counts operator notices by delivery channel and status.
	NoticesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_notices_total",
			Help: "Operator notices by channel and status",
		},
		[]string{"channel", "status"},
	)

	SurfaceClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_surface_clients",
			Help: "Connected WebSocket viewers",
		},
	)
)

// TrackFeedFetch records one upstream fetch.
func TrackFeedFetch(feed string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FeedFetches.WithLabelValues(feed, status).Inc()
	FeedFetchDuration.WithLabelValues(feed).Observe(duration.Seconds())
}

// BoolGauge converts a flag into a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
