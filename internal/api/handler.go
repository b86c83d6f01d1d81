package api

import (
	"context"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"sitter-tracking-backend/internal/engine"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/notification"
	"sitter-tracking-backend/internal/store"
)

// Tracker exposes the engine outputs and accepts tracking pushes.
type Tracker interface {
	View() *engine.View
	Settings() engine.Config
	UpsertTracking(snap model.TrackingSnapshot)
}

// Refresher queues an explicit feed refresh.
type Refresher interface {
	Trigger() bool
}

// LocationPublisher sends a live fix on a sitter's channel.
type LocationPublisher interface {
	Publish(ctx context.Context, workerID string, loc *model.Location) error
}

// Notices lists and dismisses operator notices.
type Notices interface {
	Active() []notification.Notice
	Dismiss(id string) bool
}

// Deps are the collaborators of the API handlers. Any of them may be nil, in which case the
// routes depending on it answer 503.
type Deps struct {
	Store     store.Store
	WebPush   *webpush.Options
	Tracker   Tracker
	Refresher Refresher
	Publisher LocationPublisher
	Notices   Notices
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	webpush   *webpush.Options
	tracker   Tracker
	refresher Refresher
	publisher LocationPublisher
	notices   Notices
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:     d.Store,
		webpush:   d.WebPush,
		tracker:   d.Tracker,
		refresher: d.Refresher,
		publisher: d.Publisher,
		notices:   d.Notices,
		now:       func() time.Time { return time.Now().UTC() },
	}
}
