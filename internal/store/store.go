package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"sitter-tracking-backend/internal/model"
)

// ErrNotFound is returned when the requested visit or snapshot does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for all database operations.
type Store interface {
	ListVisits(ctx context.Context) ([]model.Visit, error)
	ListBookings(ctx context.Context) ([]model.Booking, error)
	ListWorkers(ctx context.Context) ([]model.Worker, error)
	ListTrackingSnapshots(ctx context.Context, since time.Time) ([]model.TrackingSnapshot, error)
	GetTrackingSnapshot(ctx context.Context, visitID string) (model.TrackingSnapshot, error)
	AppendRoutePoint(ctx context.Context, visitID string, p model.RoutePoint) (model.TrackingSnapshot, error)
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB returns the underlying connection.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// ListVisits returns the visits that are scheduled or in progress.
func (s *gormStore) ListVisits(ctx context.Context) ([]model.Visit, error) {
	var visits []model.Visit
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.VisitStatus{model.VisitStatusScheduled, model.VisitStatusActive}).
		Order("scheduled_start").
		Find(&visits).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	return visits, nil
}

// ListBookings returns the bookings that are not finished.
func (s *gormStore) ListBookings(ctx context.Context) ([]model.Booking, error) {
	var bookings []model.Booking
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []model.BookingStatus{model.BookingStatusCompleted, model.BookingStatusCancelled}).
		Order("scheduled_date").
		Find(&bookings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

// ListWorkers returns every sitter profile.
func (s *gormStore) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	var workers []model.Worker
	if err := s.db.WithContext(ctx).Order("id").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

// ListTrackingSnapshots returns active snapshots plus any snapshot updated since the given
// time. Recently deactivated snapshots tell the engine that a sitter has stopped.
func (s *gormStore) ListTrackingSnapshots(ctx context.Context, since time.Time) ([]model.TrackingSnapshot, error) {
	var snapshots []model.TrackingSnapshot
	err := s.db.WithContext(ctx).
		Where("is_active = ? OR updated_at > ?", true, since).
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking snapshots: %w", err)
	}
	return snapshots, nil
}

// GetTrackingSnapshot returns one visit's snapshot.
func (s *gormStore) GetTrackingSnapshot(ctx context.Context, visitID string) (model.TrackingSnapshot, error) {
	var snap model.TrackingSnapshot
	err := s.db.WithContext(ctx).First(&snap, "visit_id = ?", visitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("failed to get tracking snapshot %s: %w", visitID, err)
	}
	return snap, nil
}

// AppendRoutePoint adds a point to the visit's route, creating the snapshot from the visit on
// first use. The point becomes the last location and extends the total distance.
func (s *gormStore) AppendRoutePoint(ctx context.Context, visitID string, p model.RoutePoint) (model.TrackingSnapshot, error) {
	var snap model.TrackingSnapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&snap, "visit_id = ?", visitID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			var visit model.Visit
			if err := tx.First(&visit, "id = ?", visitID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("failed to load visit %s: %w", visitID, err)
			}
			snap = model.TrackingSnapshot{
				VisitID:  visit.ID,
				WorkerID: visit.WorkerID,
				ClientID: visit.ClientID,
				IsActive: visit.IsActive(),
			}
			applyPoint(&snap, p)
			if err := tx.Create(&snap).Error; err != nil {
				return fmt.Errorf("failed to create tracking snapshot %s: %w", visitID, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to load tracking snapshot %s: %w", visitID, err)
		}

		applyPoint(&snap, p)
		if err := tx.Save(&snap).Error; err != nil {
			return fmt.Errorf("failed to update tracking snapshot %s: %w", visitID, err)
		}
		return nil
	})
	return snap, err
}

func applyPoint(snap *model.TrackingSnapshot, p model.RoutePoint) {
	valid := snap.ValidRoute()
	if n := len(valid); n > 0 {
		snap.TotalDistance += model.Haversine(valid[n-1], p)
	}
	snap.Route = append(snap.Route, p)
	last := p
	snap.LastLocation = &last
}
