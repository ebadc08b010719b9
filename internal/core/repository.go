// services/tracking/internal/core/repository.go
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DataStore defines the persistence operations the tracking service uses.
type DataStore interface {
	// Roster mirror
	UpsertVehicles(ctx context.Context, vehicles []VehicleRecord) error
	ListVehicles(ctx context.Context) ([]*VehicleRecord, error)

	// Status transition history
	SaveStatusChanges(ctx context.Context, changes []*StatusChange) error
	ListStatusChanges(ctx context.Context, imei string, limit int) ([]*StatusChange, error)
	ListUnpublishedChanges(ctx context.Context, limit int) ([]*StatusChange, error)
	MarkChangePublished(ctx context.Context, id uuid.UUID) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore creates a gorm-backed DataStore.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (s *dataStore) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewDataStore(tx))
	})
}

func (s *dataStore) UpsertVehicles(ctx context.Context, vehicles []VehicleRecord) error {
	if len(vehicles) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "imei"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"vehicle_id", "vehicle_name", "vehicle_number",
			"last_status", "last_seen_at", "updated_at",
		}),
	}).Create(&vehicles).Error
}

func (s *dataStore) ListVehicles(ctx context.Context) ([]*VehicleRecord, error) {
	var vehicles []*VehicleRecord
	err := s.db.WithContext(ctx).Order("vehicle_name").Find(&vehicles).Error
	return vehicles, err
}

func (s *dataStore) SaveStatusChanges(ctx context.Context, changes []*StatusChange) error {
	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
	}
	return s.db.WithContext(ctx).Create(&changes).Error
}

func (s *dataStore) ListStatusChanges(ctx context.Context, imei string, limit int) ([]*StatusChange, error) {
	if limit <= 0 {
		limit = 100
	}
	var changes []*StatusChange
	err := s.db.WithContext(ctx).
		Where("imei = ?", imei).
		Order("changed_at DESC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

func (s *dataStore) ListUnpublishedChanges(ctx context.Context, limit int) ([]*StatusChange, error) {
	if limit <= 0 {
		limit = 1000
	}
	var changes []*StatusChange
	err := s.db.WithContext(ctx).
		Where("published = ?", false).
		Order("changed_at").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

func (s *dataStore) MarkChangePublished(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&StatusChange{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"published": true, "published_at": &now}).Error
}
