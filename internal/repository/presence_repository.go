package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"presence-service/internal/domain"
)

var ErrNotFound = errors.New("presence record not found")

// PresenceRepository is the storage contract of the presence registry.
// All writes are keyed by user ID and idempotent.
type PresenceRepository interface {
	Upsert(ctx context.Context, record *domain.PresenceRecord) error
	UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string, seen time.Time) (*domain.PresenceRecord, error)
	// Touch refreshes last_seen without changing anything else.
	Touch(ctx context.Context, userID uuid.UUID, seen time.Time) error
	Delete(ctx context.Context, userID uuid.UUID) error
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceRecord, error)
	// DeleteStale removes the given users only if their record is still older than cutoff.
	DeleteStale(ctx context.Context, userIDs []uuid.UUID, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormPresenceRepository struct {
	db *gorm.DB
}

func NewPresenceRepository(db *gorm.DB) PresenceRepository {
	return &gormPresenceRepository{db: db}
}

func (r *gormPresenceRepository) Upsert(ctx context.Context, record *domain.PresenceRecord) error {
	if record.Status == "" {
		record.Status = domain.PresenceStatusOnline
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"org_id", "display_name", "email", "avatar_ref", "status", "custom_status", "last_seen",
		}),
	}).Create(record).Error
}

func (r *gormPresenceRepository) UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string, seen time.Time) (*domain.PresenceRecord, error) {
	result := r.db.WithContext(ctx).Model(&domain.PresenceRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"status":        status,
			"custom_status": customStatus,
			"last_seen":     seen,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	var record domain.PresenceRecord
	if err := r.db.WithContext(ctx).First(&record, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *gormPresenceRepository) Touch(ctx context.Context, userID uuid.UUID, seen time.Time) error {
	result := r.db.WithContext(ctx).Model(&domain.PresenceRecord{}).
		Where("user_id = ?", userID).
		Update("last_seen", seen)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPresenceRepository) Delete(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.PresenceRecord{}).Error
}

func (r *gormPresenceRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceRecord, error) {
	var records []domain.PresenceRecord
	err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("last_seen DESC").
		Find(&records).Error
	return records, err
}

func (r *gormPresenceRepository) DeleteStale(ctx context.Context, userIDs []uuid.UUID, cutoff time.Time) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("user_id IN ? AND last_seen < ?", userIDs, cutoff).
		Delete(&domain.PresenceRecord{})
	return result.RowsAffected, result.Error
}

func (r *gormPresenceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("last_seen < ?", cutoff).
		Delete(&domain.PresenceRecord{})
	return result.RowsAffected, result.Error
}
