package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"presence-service/internal/domain"
)

// MockPresenceRepository is a mock implementation of PresenceRepository
type MockPresenceRepository struct {
	UpsertFunc             func(ctx context.Context, record *domain.PresenceRecord) error
	UpdateStatusFunc       func(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string, seen time.Time) (*domain.PresenceRecord, error)
	TouchFunc              func(ctx context.Context, userID uuid.UUID, seen time.Time) error
	DeleteFunc             func(ctx context.Context, userID uuid.UUID) error
	ListByOrganizationFunc func(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceRecord, error)
	DeleteStaleFunc        func(ctx context.Context, userIDs []uuid.UUID, cutoff time.Time) (int64, error)
	DeleteOlderThanFunc    func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *MockPresenceRepository) Upsert(ctx context.Context, record *domain.PresenceRecord) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, record)
	}
	return nil
}

func (m *MockPresenceRepository) UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string, seen time.Time) (*domain.PresenceRecord, error) {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, userID, status, customStatus, seen)
	}
	return nil, nil
}

func (m *MockPresenceRepository) Touch(ctx context.Context, userID uuid.UUID, seen time.Time) error {
	if m.TouchFunc != nil {
		return m.TouchFunc(ctx, userID, seen)
	}
	return nil
}

func (m *MockPresenceRepository) Delete(ctx context.Context, userID uuid.UUID) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID)
	}
	return nil
}

func (m *MockPresenceRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceRecord, error) {
	if m.ListByOrganizationFunc != nil {
		return m.ListByOrganizationFunc(ctx, orgID)
	}
	return nil, nil
}

func (m *MockPresenceRepository) DeleteStale(ctx context.Context, userIDs []uuid.UUID, cutoff time.Time) (int64, error) {
	if m.DeleteStaleFunc != nil {
		return m.DeleteStaleFunc(ctx, userIDs, cutoff)
	}
	return int64(len(userIDs)), nil
}

func (m *MockPresenceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteOlderThanFunc != nil {
		return m.DeleteOlderThanFunc(ctx, cutoff)
	}
	return 0, nil
}
