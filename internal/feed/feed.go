// Package feed polls the visit, booking, worker and tracking tables and hands each batch to
// the engine.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"sitter-tracking-backend/config"
	"sitter-tracking-backend/internal/engine"
	"sitter-tracking-backend/internal/metrics"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/notification"
	"sitter-tracking-backend/internal/store"
)

// SnapshotHorizon is how far back deactivated tracking snapshots are still loaded.
const SnapshotHorizon = 24 * time.Hour

// FetchError reports a feed that could not be loaded. It matches engine.ErrUpstreamFetch.
type FetchError struct {
	Feed string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: %s: %v", engine.ErrUpstreamFetch, e.Feed, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{engine.ErrUpstreamFetch, e.Err}
}

// Sink receives fetched batches.
type Sink interface {
	UpdateFeeds(f engine.Feeds)
	ResetSubscriptions()
}

// Notifier shows operators a dismissible notice.
type Notifier interface {
	Notify(n notification.Notice)
}

// Service orchestrates the feed refreshes.
type Service struct {
	cfg      config.EngineConfig
	store    store.Store
	sink     Sink
	notifier Notifier
	trigger  chan struct{}
	now      func() time.Time
}

// NewService creates a feed service.
func NewService(cfg config.EngineConfig, st store.Store, sink Sink, notifier Notifier) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sink:     sink,
		notifier: notifier,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Run loads the feeds once and then on every refresh interval (when auto refresh is on) or
// explicit refresh request.
func (s *Service) Run(ctx context.Context) {
	log.Println("Starting feed service...")
	s.RefreshOnce(ctx)

	var tick <-chan time.Time
	if s.cfg.AutoRefresh {
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	} else {
		log.Println("Auto refresh is disabled; feeds reload on explicit refresh only.")
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("Feed service shutting down.")
			return
		case <-tick:
			s.RefreshOnce(ctx)
		case <-s.trigger:
			s.Refresh(ctx)
		}
	}
}

// Trigger requests an explicit refresh without waiting for it. It reports false when a
// request is already pending.
func (s *Service) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Refresh closes every live subscription, reloads the feeds and lets the engine recompute.
func (s *Service) Refresh(ctx context.Context) error {
	log.Println("Explicit refresh: resetting live subscriptions")
	s.sink.ResetSubscriptions()
	return s.RefreshOnce(ctx)
}

// RefreshOnce fetches all feeds and hands them to the engine. A feed that fails to load is
// handed over empty and reported to operators; the returned error joins every failure.
func (s *Service) RefreshOnce(ctx context.Context) error {
	var errs []error
	var batch engine.Feeds

	batch.Visits = fetch(ctx, "visits", s.store.ListVisits, &errs)
	batch.Bookings = fetch(ctx, "bookings", s.store.ListBookings, &errs)
	batch.Workers = fetch(ctx, "workers", s.store.ListWorkers, &errs)
	since := s.now().Add(-SnapshotHorizon)
	batch.Snapshots = fetch(ctx, "tracking", func(ctx context.Context) ([]model.TrackingSnapshot, error) {
		return s.store.ListTrackingSnapshots(ctx, since)
	}, &errs)

	s.sink.UpdateFeeds(batch)

	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	log.Printf("Feed refresh finished with errors: %v", err)
	if s.notifier != nil {
		for _, e := range errs {
			var fe *FetchError
			if errors.As(e, &fe) {
				s.notifier.Notify(notification.NewKeyedNotice("feed:"+fe.Feed, e.Error(), true))
			}
		}
	}
	return err
}

func fetch[T any](ctx context.Context, name string, list func(context.Context) ([]T, error), errs *[]error) []T {
	start := time.Now()
	items, err := list(ctx)
	metrics.TrackFeedFetch(name, err, time.Since(start))
	if err != nil {
		*errs = append(*errs, &FetchError{Feed: name, Err: err})
		return []T{}
	}
	if items == nil {
		return []T{}
	}
	return items
}
