package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bountypay/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON values under idempotency:{key}; the value
// TTL follows the record expiry.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, lockTTL, ttl time.Duration) (*Record, bool, error) {
	now := s.now()
	rec := &Record{
		Key:         key,
		Status:      StatusInProgress,
		Fingerprint: fingerprint,
		Version:     1,
		LockedUntil: now.Add(lockTTL),
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	redisKey := rediskey.BuildIdempotencyKey(key)
	ok, err := s.rdb.SetNX(ctx, redisKey, raw, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return rec, true, nil
	}

	var existing *Record
	owned := false
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		if current != nil && !current.stale(now) {
			existing = current
			return nil
		}

		if current != nil {
			rec.Version = current.Version + 1
			raw, err = json.Marshal(rec)
			if err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, raw, ttl)
			return nil
		})
		if err == nil {
			owned = true
		}
		return err
	}, redisKey)
	if errors.Is(err, redis.TxFailedErr) {
		return &Record{Key: key, Status: StatusInProgress}, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if owned {
		return rec, true, nil
	}
	return existing, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, rec *Record, result []byte, ttl time.Duration) error {
	redisKey := rediskey.BuildIdempotencyKey(rec.Key)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		if current == nil || current.Version != rec.Version {
			return errLostReservation
		}

		now := s.now()
		done := *current
		done.Status = StatusCompleted
		done.Result = result
		done.Version++
		done.ExpiresAt = now.Add(ttl)
		done.UpdatedAt = now
		raw, err := json.Marshal(&done)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, raw, ttl)
			return nil
		})
		return err
	}, redisKey)
}

func (s *RedisStore) Release(ctx context.Context, rec *Record) error {
	redisKey := rediskey.BuildIdempotencyKey(rec.Key)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		if current == nil || current.Version != rec.Version || current.Status != StatusInProgress {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			return nil
		})
		return err
	}, redisKey)
}

// Purge is a no-op: redis expires keys itself.
func (s *RedisStore) Purge(context.Context) (int64, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, redisKey string) (*Record, error) {
	raw, err := tx.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
