package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bountypay/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type result struct {
	Reference string `json:"reference"`
	Attempt   int64  `json:"attempt"`
}

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	return NewGormStore(testutil.NewTestDB(t, &Record{}))
}

func TestWithIdempotencyRunsOnce(t *testing.T) {
	g := NewGuard(newGormStore(t), Options{})
	var calls atomic.Int64

	fn := func(ctx context.Context) (result, error) {
		n := calls.Add(1)
		return result{Reference: "hold_1", Attempt: n}, nil
	}

	first, err := WithIdempotency(context.Background(), g, "escrow:b1:p1", fn)
	require.NoError(t, err)
	second, err := WithIdempotency(context.Background(), g, "escrow:b1:p1", fn)
	require.NoError(t, err)

	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, first, second)
	require.Equal(t, result{Reference: "hold_1", Attempt: 1}, second)
}

func TestWithIdempotencyDoesNotStoreFailures(t *testing.T) {
	g := NewGuard(newGormStore(t), Options{})
	boom := errors.New("gateway unavailable")
	var calls atomic.Int64

	fn := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	}

	_, err := WithIdempotency(context.Background(), g, "k", fn)
	require.ErrorIs(t, err, boom)

	out, err := WithIdempotency(context.Background(), g, "k", fn)
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, int64(2), calls.Load())
}

func TestWithIdempotencyConcurrentCallers(t *testing.T) {
	g := NewGuard(newGormStore(t), Options{PollInterval: 5 * time.Millisecond, WaitTimeout: 5 * time.Second})
	var calls atomic.Int64

	fn := func(ctx context.Context) (int64, error) {
		time.Sleep(20 * time.Millisecond)
		return calls.Add(1), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]int64, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = WithIdempotency(context.Background(), g, "release:b1:h1", fn)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, int64(1), results[i])
	}
}

func TestWithIdempotencyLoserWaitsForOwner(t *testing.T) {
	store := newGormStore(t)
	owner := NewGuard(store, Options{})
	waiter := NewGuard(store, Options{PollInterval: 5 * time.Millisecond, WaitTimeout: 5 * time.Second})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64

	fn := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return "hold_owner", nil
	}

	type outcome struct {
		out string
		err error
	}

	ownerDone := make(chan outcome, 1)
	go func() {
		out, err := WithIdempotency(context.Background(), owner, "escrow:b2:p2", fn)
		ownerDone <- outcome{out, err}
	}()
	<-started

	waiterDone := make(chan outcome, 1)
	go func() {
		out, err := WithIdempotency(context.Background(), waiter, "escrow:b2:p2", fn)
		waiterDone <- outcome{out, err}
	}()

	time.Sleep(30 * time.Millisecond)
	close(release)

	for _, ch := range []chan outcome{ownerDone, waiterDone} {
		o := <-ch
		require.NoError(t, o.err)
		require.Equal(t, "hold_owner", o.out)
	}
	require.Equal(t, int64(1), calls.Load())
}

func TestWithIdempotencyInProgressTimeout(t *testing.T) {
	store := newGormStore(t)
	_, owned, err := store.Reserve(context.Background(), "busy", "", time.Minute, time.Hour)
	require.NoError(t, err)
	require.True(t, owned)

	g := NewGuard(store, Options{PollInterval: 5 * time.Millisecond, WaitTimeout: 30 * time.Millisecond})
	_, err = WithIdempotency(context.Background(), g, "busy", func(ctx context.Context) (string, error) {
		t.Fatal("must not run while another owner holds the key")
		return "", nil
	})
	require.ErrorIs(t, err, ErrInProgress)
}

func TestWithIdempotencyTakesOverStaleReservation(t *testing.T) {
	store := newGormStore(t)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	_, owned, err := store.Reserve(context.Background(), "stale", "", time.Second, time.Hour)
	require.NoError(t, err)
	require.True(t, owned)

	now = now.Add(2 * time.Second)
	g := NewGuard(store, Options{})
	out, err := WithIdempotency(context.Background(), g, "stale", func(ctx context.Context) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", out)
}

func TestWithIdempotencyExpiredRecordRunsAgain(t *testing.T) {
	store := newGormStore(t)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	g := NewGuard(store, Options{TTL: time.Hour})
	var calls atomic.Int64
	fn := func(ctx context.Context) (int64, error) { return calls.Add(1), nil }

	_, err := WithIdempotency(context.Background(), g, "ttl", fn)
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	out, err := WithIdempotency(context.Background(), g, "ttl", fn)
	require.NoError(t, err)
	require.Equal(t, int64(1), out)

	now = now.Add(time.Hour)
	out, err = WithIdempotency(context.Background(), g, "ttl", fn)
	require.NoError(t, err)
	require.Equal(t, int64(2), out)
}

func TestWithIdempotencyFingerprintMismatch(t *testing.T) {
	g := NewGuard(newGormStore(t), Options{})
	fn := func(ctx context.Context) (string, error) { return "ok", nil }

	_, err := WithIdempotency(context.Background(), g, "withdrawal:u1:10.00:4242", fn, WithFingerprint(Fingerprint("1000")))
	require.NoError(t, err)

	_, err = WithIdempotency(context.Background(), g, "withdrawal:u1:10.00:4242", fn, WithFingerprint(Fingerprint("2000")))
	require.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestWithIdempotencyConcurrentFingerprintMismatch(t *testing.T) {
	g := NewGuard(newGormStore(t), Options{})
	key := "http:post_bounty:client-1"
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64

	fn := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return "bounty_1", nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := WithIdempotency(context.Background(), g, key, fn, WithFingerprint(Fingerprint("poster", "100")))
		done <- err
	}()
	<-started

	out, err := WithIdempotency(context.Background(), g, key, fn, WithFingerprint(Fingerprint("poster", "300")))
	require.ErrorIs(t, err, ErrFingerprintMismatch)
	require.Empty(t, out)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int64(1), calls.Load())
}

func TestPurgeRemovesExpired(t *testing.T) {
	store := newGormStore(t)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	g := NewGuard(store, Options{TTL: time.Minute})
	_, err := WithIdempotency(context.Background(), g, "old", func(ctx context.Context) (string, error) { return "x", nil })
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	n, err := g.Purge(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
