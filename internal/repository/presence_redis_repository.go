package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"presence-service/internal/domain"
)

const presenceAllKey = "presence:all"

func presenceUserKey(userID string) string { return fmt.Sprintf("presence:user:%s", userID) }
func presenceOrgKey(orgID string) string   { return fmt.Sprintf("presence:org:%s", orgID) }

// redisPresenceRepository keeps one msgpack blob per user plus sorted sets
// (scored by last_seen in milliseconds) per organization and globally.
type redisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) PresenceRepository {
	return &redisPresenceRepository{client: client}
}

func (r *redisPresenceRepository) get(ctx context.Context, userID string) (*storedPresence, error) {
	data, err := r.client.Get(ctx, presenceUserKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s storedPresence
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode presence %s: %w", userID, err)
	}
	return &s, nil
}

func (r *redisPresenceRepository) write(ctx context.Context, prev, next *storedPresence) error {
	data, err := next.MarshalBinary()
	if err != nil {
		return err
	}
	score := float64(time.Unix(0, next.LastSeen).UnixMilli())

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != nil && prev.OrgID != next.OrgID {
			pipe.ZRem(ctx, presenceOrgKey(prev.OrgID), next.UserID)
		}
		pipe.Set(ctx, presenceUserKey(next.UserID), data, 0)
		pipe.ZAdd(ctx, presenceOrgKey(next.OrgID), redis.Z{Score: score, Member: next.UserID})
		pipe.ZAdd(ctx, presenceAllKey, redis.Z{Score: score, Member: next.UserID})
		return nil
	})
	return err
}

func (r *redisPresenceRepository) remove(ctx context.Context, s *storedPresence) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, presenceUserKey(s.UserID))
		pipe.ZRem(ctx, presenceOrgKey(s.OrgID), s.UserID)
		pipe.ZRem(ctx, presenceAllKey, s.UserID)
		return nil
	})
	return err
}

func (r *redisPresenceRepository) Upsert(ctx context.Context, record *domain.PresenceRecord) error {
	prev, err := r.get(ctx, record.UserID.String())
	if err != nil {
		return err
	}
	return r.write(ctx, prev, toStored(record))
}

func (r *redisPresenceRepository) UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string, seen time.Time) (*domain.PresenceRecord, error) {
	prev, err := r.get(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, ErrNotFound
	}

	next := *prev
	next.Status = string(status)
	next.CustomStatus = customStatus
	next.LastSeen = seen.UTC().UnixNano()
	if err := r.write(ctx, prev, &next); err != nil {
		return nil, err
	}

	record, err := next.record()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *redisPresenceRepository) Touch(ctx context.Context, userID uuid.UUID, seen time.Time) error {
	prev, err := r.get(ctx, userID.String())
	if err != nil {
		return err
	}
	if prev == nil {
		return ErrNotFound
	}
	next := *prev
	next.LastSeen = seen.UTC().UnixNano()
	return r.write(ctx, prev, &next)
}

func (r *redisPresenceRepository) Delete(ctx context.Context, userID uuid.UUID) error {
	prev, err := r.get(ctx, userID.String())
	if err != nil || prev == nil {
		return err
	}
	return r.remove(ctx, prev)
}

func (r *redisPresenceRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceRecord, error) {
	ids, err := r.client.ZRevRange(ctx, presenceOrgKey(orgID.String()), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceUserKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]domain.PresenceRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s storedPresence
		if err := s.UnmarshalBinary([]byte(raw)); err != nil {
			return nil, err
		}
		// membership may lag behind a move to another organization
		if s.OrgID != orgID.String() {
			continue
		}
		record, err := s.record()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *redisPresenceRepository) DeleteStale(ctx context.Context, userIDs []uuid.UUID, cutoff time.Time) (int64, error) {
	ids := make([]string, len(userIDs))
	for i, id := range userIDs {
		ids[i] = id.String()
	}
	return r.deleteIfOlder(ctx, ids, cutoff)
}

func (r *redisPresenceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	// scores are truncated to milliseconds; deleteIfOlder re-checks in nanoseconds
	ids, err := r.client.ZRangeByScore(ctx, presenceAllKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli()+1, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	return r.deleteIfOlder(ctx, ids, cutoff)
}

func (r *redisPresenceRepository) deleteIfOlder(ctx context.Context, ids []string, cutoff time.Time) (int64, error) {
	var removed int64
	limit := cutoff.UTC().UnixNano()
	for _, id := range ids {
		s, err := r.get(ctx, id)
		if err != nil {
			return removed, err
		}
		if s == nil {
			if err := r.client.ZRem(ctx, presenceAllKey, id).Err(); err != nil {
				return removed, err
			}
			continue
		}
		if s.LastSeen >= limit {
			continue
		}
		if err := r.remove(ctx, s); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
