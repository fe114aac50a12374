package idempotency

import (
	"context"
	"errors"
	"time"

	"bountypay/pkg/db"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store persists idempotency records. Reserve is the compare-and-set: exactly
// one concurrent caller gets owned == true for an absent, expired or stale key.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, lockTTL, ttl time.Duration) (rec *Record, owned bool, err error)
	Complete(ctx context.Context, rec *Record, result []byte, ttl time.Duration) error
	Release(ctx context.Context, rec *Record) error
	Purge(ctx context.Context) (int64, error)
}

var errLostReservation = errors.New("idempotency reservation lost")

type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *GormStore) Reserve(ctx context.Context, key, fingerprint string, lockTTL, ttl time.Duration) (*Record, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := s.now()
		rec := &Record{
			Key:         key,
			Status:      StatusInProgress,
			Fingerprint: fingerprint,
			Version:     1,
			LockedUntil: now.Add(lockTTL),
			ExpiresAt:   now.Add(ttl),
		}

		err := s.db.WithContext(ctx).Create(rec).Error
		if err == nil {
			return rec, true, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, false, err
		}

		var existing Record
		err = s.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}

		if !existing.expired(now) && !existing.stale(now) {
			return &existing, false, nil
		}

		res := s.db.WithContext(ctx).Model(&Record{}).
			Where("idempotency_key = ? AND version = ?", key, existing.Version).
			Updates(map[string]any{
				"status":       StatusInProgress,
				"fingerprint":  fingerprint,
				"result":       nil,
				"version":      existing.Version + 1,
				"locked_until": rec.LockedUntil,
				"expires_at":   rec.ExpiresAt,
			})
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 1 {
			rec.Version = existing.Version + 1
			return rec, true, nil
		}
	}

	// Lost every race; report the key as busy.
	return &Record{Key: key, Status: StatusInProgress}, false, nil
}

func (s *GormStore) Complete(ctx context.Context, rec *Record, result []byte, ttl time.Duration) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("idempotency_key = ? AND version = ?", rec.Key, rec.Version).
		Updates(map[string]any{
			"status":     StatusCompleted,
			"result":     datatypes.JSON(result),
			"version":    rec.Version + 1,
			"expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errLostReservation
	}
	return nil
}

func (s *GormStore) Release(ctx context.Context, rec *Record) error {
	return s.db.WithContext(ctx).
		Where("idempotency_key = ? AND version = ? AND status = ?", rec.Key, rec.Version, StatusInProgress).
		Delete(&Record{}).Error
}

// Purge removes expired records.
func (s *GormStore) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&Record{})
	return res.RowsAffected, res.Error
}
