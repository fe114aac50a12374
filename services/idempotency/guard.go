package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bountypay/pkg/errutil"
	"bountypay/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInProgress          = errors.New("operation with this idempotency key is still in progress")
	ErrFingerprintMismatch = errors.New("idempotency key reused for a different request")
)

var guardOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "idempotency_guard_total",
	Help: "Guarded operations by outcome.",
}, []string{"outcome"})

type Options struct {
	TTL          time.Duration
	LockTTL      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

// Guard suppresses duplicate side effects for operations sharing a key.
type Guard struct {
	store Store
	opts  Options
	group singleflight.Group
}

func NewGuard(store Store, opts Options) *Guard {
	return &Guard{store: store, opts: opts.withDefaults()}
}

type callOptions struct {
	fingerprint string
}

type CallOption func(*callOptions)

// WithFingerprint rejects a replay whose fingerprint differs from the one
// stored with the key.
func WithFingerprint(fp string) CallOption {
	return func(o *callOptions) { o.fingerprint = fp }
}

// WithIdempotency runs fn at most once per key while the key's record is
// alive and returns the stored result to every later caller. Concurrent
// callers in this process share one execution; callers in other processes
// wait for the owner's result. Failed executions are not stored.
func WithIdempotency[T any](ctx context.Context, g *Guard, key string, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var zero T

	co := callOptions{}
	for _, opt := range opts {
		opt(&co)
	}

	// Callers with a different fingerprint must not share the flight; they
	// reach the store and get ErrFingerprintMismatch.
	flight := key
	if co.fingerprint != "" {
		flight = key + "\x00" + co.fingerprint
	}

	v, err, _ := g.group.Do(flight, func() (any, error) {
		return g.execute(ctx, key, co.fingerprint, func(ctx context.Context) ([]byte, error) {
			out, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		})
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(v.([]byte), &out); err != nil {
		return zero, err
	}
	return out, nil
}

func (g *Guard) execute(ctx context.Context, key, fingerprint string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	log := logger.FromContext(ctx).With(zap.String("idempotency_key", key))
	deadline := time.Now().Add(g.opts.WaitTimeout)
	waited := false

	for {
		rec, owned, err := g.store.Reserve(ctx, key, fingerprint, g.opts.LockTTL, g.opts.TTL)
		if err != nil {
			return nil, err
		}

		if owned {
			result, err := fn(ctx)
			if err != nil {
				guardOutcomes.WithLabelValues("failed").Inc()
				if rerr := g.store.Release(context.WithoutCancel(ctx), rec); rerr != nil {
					log.Warn("failed to release idempotency key", zap.Error(rerr))
				}
				return nil, err
			}

			if cerr := g.store.Complete(context.WithoutCancel(ctx), rec, result, g.opts.TTL); cerr != nil {
				// The side effect happened; later replays fall back to the
				// gateway key and the ledger constraints.
				log.Error("failed to store idempotent result", zap.Error(cerr))
			}
			guardOutcomes.WithLabelValues("executed").Inc()
			return result, nil
		}

		if fingerprint != "" && rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
			guardOutcomes.WithLabelValues("mismatch").Inc()
			return nil, errutil.UnprocessableEntity("idempotency key was used with a different request", ErrFingerprintMismatch)
		}

		if rec.Status == StatusCompleted {
			if waited {
				guardOutcomes.WithLabelValues("waited").Inc()
			} else {
				guardOutcomes.WithLabelValues("replayed").Inc()
			}
			log.Debug("idempotent replay")
			return rec.Result, nil
		}

		if !time.Now().Before(deadline) {
			guardOutcomes.WithLabelValues("busy").Inc()
			return nil, errutil.Conflict("a request with this idempotency key is in progress", ErrInProgress)
		}

		waited = true
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.opts.PollInterval):
		}
	}
}

// Purge removes expired records from the store.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	return g.store.Purge(ctx)
}
