package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"presence-service/internal/domain"
)

var bucketPresence = []byte("presence")

// BoltPresenceRepository stores presence in an embedded bbolt file. It is
// meant for single-node deployments without postgres or redis.
type BoltPresenceRepository struct {
	db *bbolt.DB
}

func NewBoltPresenceRepository(path string) (*BoltPresenceRepository, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPresence)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltPresenceRepository{db: db}, nil
}

func (r *BoltPresenceRepository) Close() error {
	return r.db.Close()
}

func (r *BoltPresenceRepository) Upsert(_ context.Context, record *domain.PresenceRecord) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return putPresence(tx.Bucket(bucketPresence), toStored(record))
	})
}

func (r *BoltPresenceRepository) UpdateStatus(_ context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string, seen time.Time) (*domain.PresenceRecord, error) {
	var updated domain.PresenceRecord
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		data := b.Get([]byte(userID.String()))
		if data == nil {
			return ErrNotFound
		}
		var s storedPresence
		if err := s.UnmarshalBinary(data); err != nil {
			return err
		}
		s.Status = string(status)
		s.CustomStatus = customStatus
		s.LastSeen = seen.UTC().UnixNano()
		if err := putPresence(b, &s); err != nil {
			return err
		}
		var err error
		updated, err = s.record()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *BoltPresenceRepository) Touch(_ context.Context, userID uuid.UUID, seen time.Time) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		data := b.Get([]byte(userID.String()))
		if data == nil {
			return ErrNotFound
		}
		var s storedPresence
		if err := s.UnmarshalBinary(data); err != nil {
			return err
		}
		s.LastSeen = seen.UTC().UnixNano()
		return putPresence(b, &s)
	})
}

func (r *BoltPresenceRepository) Delete(_ context.Context, userID uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).Delete([]byte(userID.String()))
	})
}

func (r *BoltPresenceRepository) ListByOrganization(_ context.Context, orgID uuid.UUID) ([]domain.PresenceRecord, error) {
	var records []domain.PresenceRecord
	org := orgID.String()
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).ForEach(func(k, v []byte) error {
			var s storedPresence
			if err := s.UnmarshalBinary(v); err != nil {
				return err
			}
			if s.OrgID != org {
				return nil
			}
			record, err := s.record()
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastSeen.After(records[j].LastSeen)
	})
	return records, nil
}

func (r *BoltPresenceRepository) DeleteStale(_ context.Context, userIDs []uuid.UUID, cutoff time.Time) (int64, error) {
	var removed int64
	limit := cutoff.UTC().UnixNano()
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		for _, id := range userIDs {
			key := []byte(id.String())
			data := b.Get(key)
			if data == nil {
				continue
			}
			var s storedPresence
			if err := s.UnmarshalBinary(data); err != nil {
				return err
			}
			if s.LastSeen >= limit {
				continue
			}
			if err := b.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (r *BoltPresenceRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	limit := cutoff.UTC().UnixNano()
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var s storedPresence
			if err := s.UnmarshalBinary(v); err != nil {
				return err
			}
			if s.LastSeen < limit {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func putPresence(b *bbolt.Bucket, s *storedPresence) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put([]byte(s.UserID), data)
}
