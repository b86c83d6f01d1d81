package engine

import (
	"errors"

	"sitter-tracking-backend/internal/render"
	"sitter-tracking-backend/internal/subscription"
)

// None of these errors stops the engine; they classify what was skipped or degraded.
var (
	// ErrMissingIdentity marks an active visit without a worker id.
	ErrMissingIdentity = errors.New("visit has no worker id")
	// ErrStaleSignal marks a live reading older than the freshness window with no active
	// snapshot to back it up.
	ErrStaleSignal = errors.New("stale location signal")
	// ErrSubscriptionRace marks a recomputation triggered while another was running.
	ErrSubscriptionRace = subscription.ErrRecomputeInProgress
	// ErrSurfaceUnavailable marks a draw attempted while no viewer is attached.
	ErrSurfaceUnavailable = render.ErrSurfaceUnavailable
	// ErrUpstreamFetch marks a failed visit, booking, worker or tracking fetch.
	ErrUpstreamFetch = errors.New("upstream fetch failed")
	// ErrStopped is returned by calls made after the event loop exited.
	ErrStopped = errors.New("engine stopped")
)
