package idempotency

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

func TestRedisStoreRunsOnce(t *testing.T) {
	store := newRedisStore(t)
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	g := NewGuard(store, Options{TTL: time.Minute})

	var calls atomic.Int64
	fn := func(ctx context.Context) (int64, error) { return calls.Add(1), nil }

	first, err := WithIdempotency(context.Background(), g, key, fn)
	require.NoError(t, err)
	second, err := WithIdempotency(context.Background(), g, key, fn)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int64(1), calls.Load())
}

func TestRedisStoreReleaseAllowsRetry(t *testing.T) {
	store := newRedisStore(t)
	key := "test:release:" + time.Now().Format(time.RFC3339Nano)

	rec, owned, err := store.Reserve(context.Background(), key, "", time.Minute, time.Minute)
	require.NoError(t, err)
	require.True(t, owned)

	_, owned, err = store.Reserve(context.Background(), key, "", time.Minute, time.Minute)
	require.NoError(t, err)
	require.False(t, owned)

	require.NoError(t, store.Release(context.Background(), rec))

	_, owned, err = store.Reserve(context.Background(), key, "", time.Minute, time.Minute)
	require.NoError(t, err)
	require.True(t, owned)
}
