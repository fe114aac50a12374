package sequence

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNextBountyCode(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	fixed := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	g := &RedisGenerator{rdb: rdb, now: func() time.Time { return fixed }}
	require.NoError(t, rdb.Del(context.Background(), "seq:BNT:260102").Err())

	first, err := g.NextBountyCode(context.Background())
	require.NoError(t, err)
	second, err := g.NextBountyCode(context.Background())
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^BNT-260102-[0-9A-Z]{3}[A-Z2-9]{2}$`)
	require.Regexp(t, pattern, first)
	require.Regexp(t, pattern, second)
	require.Equal(t, "BNT-260102-001", first[:14])
	require.Equal(t, "BNT-260102-002", second[:14])
}
