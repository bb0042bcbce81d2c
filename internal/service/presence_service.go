package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/metrics"
	"presence-service/internal/repository"
)

const (
	DefaultStaleAfter  = 5 * time.Minute
	DefaultSweepMaxAge = 10 * time.Minute
)

// PresenceService is the authoritative presence registry. Presence is
// advisory: store failures are logged and never returned to callers.
type PresenceService struct {
	repo       repository.PresenceRepository
	metrics    *metrics.Metrics
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewPresenceService(
	repo repository.PresenceRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	staleAfter time.Duration,
) *PresenceService {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &PresenceService{
		repo:       repo,
		metrics:    m,
		logger:     logger,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetOnline upserts the user's record and refreshes last_seen.
func (s *PresenceService) SetOnline(ctx context.Context, userID, orgID uuid.UUID, profile domain.Profile) *domain.PresenceRecord {
	record := &domain.PresenceRecord{
		UserID:      userID,
		OrgID:       orgID,
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
		AvatarRef:   profile.AvatarRef,
		Status:      domain.PresenceStatusOnline,
		LastSeen:    s.now(),
	}

	if err := s.repo.Upsert(ctx, record); err != nil {
		s.metrics.RecordStoreError("set_online")
		s.logger.Error("failed to set user online",
			zap.String("userId", userID.String()),
			zap.String("orgId", orgID.String()),
			zap.Error(err))
	}
	return record
}

// UpdateStatus changes the status of an online user. It returns nil when the
// user has no record or the store failed.
func (s *PresenceService) UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string) *domain.PresenceRecord {
	record, err := s.repo.UpdateStatus(ctx, userID, status, customStatus, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Debug("status update for user without presence", zap.String("userId", userID.String()))
		return nil
	}
	if err != nil {
		s.metrics.RecordStoreError("update_status")
		s.logger.Error("failed to update user status",
			zap.String("userId", userID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
		return nil
	}
	return record
}

// Touch refreshes last_seen for a user who is still connected. It reports
// false when the user has no record or the store failed.
func (s *PresenceService) Touch(ctx context.Context, userID uuid.UUID) bool {
	err := s.repo.Touch(ctx, userID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Debug("touch for user without presence", zap.String("userId", userID.String()))
		return false
	}
	if err != nil {
		s.metrics.RecordStoreError("touch")
		s.logger.Error("failed to refresh presence",
			zap.String("userId", userID.String()),
			zap.Error(err))
		return false
	}
	return true
}

// SetOffline removes the user's record; absent users are a no-op.
func (s *PresenceService) SetOffline(ctx context.Context, userID uuid.UUID) {
	if err := s.repo.Delete(ctx, userID); err != nil {
		s.metrics.RecordStoreError("set_offline")
		s.logger.Error("failed to set user offline",
			zap.String("userId", userID.String()),
			zap.Error(err))
	}
}

// ListOnline returns the organization's fresh, visible records. Stale rows
// encountered during the scan are deleted.
func (s *PresenceService) ListOnline(ctx context.Context, orgID uuid.UUID) []domain.PresenceRecord {
	records, err := s.repo.ListByOrganization(ctx, orgID)
	if err != nil {
		s.metrics.RecordStoreError("list_online")
		s.logger.Error("failed to list online users",
			zap.String("orgId", orgID.String()),
			zap.Error(err))
		return []domain.PresenceRecord{}
	}

	cutoff := s.now().Add(-s.staleAfter)
	online := make([]domain.PresenceRecord, 0, len(records))
	var stale []uuid.UUID
	for _, r := range records {
		if r.LastSeen.Before(cutoff) {
			stale = append(stale, r.UserID)
			continue
		}
		if r.Status == domain.PresenceStatusInvisible {
			continue
		}
		online = append(online, r)
	}

	if len(stale) > 0 {
		removed, err := s.repo.DeleteStale(ctx, stale, cutoff)
		if err != nil {
			s.metrics.RecordStoreError("lazy_sweep")
			s.logger.Warn("failed to remove stale presence", zap.Int("count", len(stale)), zap.Error(err))
		} else {
			s.metrics.RecordSwept(removed)
		}
	}

	s.metrics.SetOnlineListed(len(online))
	return online
}

// Sweep deletes every record older than maxAge and returns how many were removed.
func (s *PresenceService) Sweep(ctx context.Context, maxAge time.Duration) int64 {
	if maxAge <= 0 {
		maxAge = DefaultSweepMaxAge
	}
	removed, err := s.repo.DeleteOlderThan(ctx, s.now().Add(-maxAge))
	if err != nil {
		s.metrics.RecordStoreError("sweep")
		s.logger.Error("failed to sweep presence", zap.Duration("maxAge", maxAge), zap.Error(err))
		return 0
	}
	s.metrics.RecordSwept(removed)
	return removed
}
