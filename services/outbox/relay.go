package outbox

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"bountypay/pkg/db/option"
	"bountypay/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("bountypay/services/outbox")

type Options struct {
	PollInterval  time.Duration
	BatchSize     int
	Workers       int
	MaxRetries    int
	LockTimeout   time.Duration
	PurgeInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Minute
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	return o
}

// Purger drops expired idempotency records between polls.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Relay claims pending events and runs their handlers on a bounded pool.
type Relay struct {
	db      *gorm.DB
	handler Handler
	alerter Alerter
	purger  Purger
	opts    Options
	id      string
	now     func() time.Time
	sem     *semaphore.Weighted

	inflight sync.WaitGroup
	wake     chan struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewRelay(db *gorm.DB, handler Handler, alerter Alerter, purger Purger, opts Options) *Relay {
	opts = opts.withDefaults()
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &Relay{
		db:      db,
		handler: handler,
		alerter: alerter,
		purger:  purger,
		opts:    opts,
		id:      uuid.NewString(),
		now:     func() time.Time { return time.Now().UTC() },
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// WithClock replaces the relay clock; used to step through retry delays.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

func (r *Relay) ID() string {
	return r.id
}

// Backoff returns the delay before the attempt that follows the n-th failure.
func Backoff(n int) time.Duration {
	return time.Duration(math.Pow(2, float64(n))) * time.Second
}

func (r *Relay) clock() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

// ProcessOnce is one synchronous poll: it reclaims stale events, claims up to
// the free worker slots and waits for the handlers it started. It returns the
// number of events claimed.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	n, err := r.poll(ctx, &wg)
	wg.Wait()
	return n, err
}

// poll claims at most min(BatchSize, free workers) events and hands each to
// its own goroutine without waiting for it; wg, when set, tracks them. Slots
// are reserved before the claim, so a claimed event never waits for a worker.
func (r *Relay) poll(ctx context.Context, wg *sync.WaitGroup) (int, error) {
	if err := r.reclaimStale(ctx); err != nil {
		return 0, err
	}

	free := 0
	for free < r.opts.BatchSize && r.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return 0, nil
	}

	events, err := r.claim(ctx, free)
	if err != nil {
		r.sem.Release(int64(free))
		return 0, err
	}
	if unused := free - len(events); unused > 0 {
		r.sem.Release(int64(unused))
	}

	workCtx := context.WithoutCancel(ctx)
	for _, ev := range events {
		r.inflight.Add(1)
		if wg != nil {
			wg.Add(1)
		}
		go func() {
			defer r.inflight.Done()
			if wg != nil {
				defer wg.Done()
			}
			_ = r.process(workCtx, ev)
			r.sem.Release(1)
			r.signal()
		}()
	}
	return len(events), nil
}

// signal wakes the poll loop when a worker frees up.
func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) reclaimStale(ctx context.Context) error {
	cutoff := r.clock().Add(-r.opts.LockTimeout)
	res := r.db.WithContext(ctx).Model(&Event{}).
		Where("status = ? AND locked_at < ?", StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":     StatusPending,
			"locked_by":  nil,
			"locked_at":  nil,
			"updated_at": r.clock(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		eventsReclaimed.Add(float64(res.RowsAffected))
		logger.FromContext(ctx).Warn("reclaimed stale outbox events",
			zap.Int64("count", res.RowsAffected),
			zap.String("dispatcher", r.id),
		)
	}
	return nil
}

// claim selects eligible events with SKIP LOCKED and flips each to
// processing with a conditional update; RowsAffected decides ownership.
func (r *Relay) claim(ctx context.Context, limit int) ([]*Event, error) {
	now := r.clock()
	var claimed []*Event

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*Event
		err := option.SkipLocked(tx).
			Where("status = ? AND next_eligible_at <= ?", StatusPending, now).
			Order("next_eligible_at ASC").Order("id ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for _, ev := range candidates {
			res := tx.Model(&Event{}).
				Where("id = ? AND status = ?", ev.ID, StatusPending).
				Updates(map[string]any{
					"status":     StatusProcessing,
					"locked_by":  r.id,
					"locked_at":  now,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				ev.Status = StatusProcessing
				ev.LockedBy = &r.id
				ev.LockedAt = &now
				claimed = append(claimed, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	eventsClaimed.Add(float64(len(claimed)))
	return claimed, nil
}

func (r *Relay) process(ctx context.Context, ev *Event) error {
	ctx, span := tracer.Start(ctx, "outbox.dispatch", trace.WithAttributes(
		attribute.String("outbox.event_id", ev.ID),
		attribute.String("outbox.event_type", string(ev.Type)),
		attribute.Int("outbox.retry_count", ev.RetryCount),
	))
	defer span.End()

	ctx = logger.WithFields(ctx,
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("dispatcher", r.id),
	)
	log := logger.FromContext(ctx)
	log.Info("dispatching outbox event", zap.Int("retry_count", ev.RetryCount))

	start := time.Now()
	herr := Dispatch(ctx, r.handler, ev)
	dispatchDuration.WithLabelValues(string(ev.Type)).Observe(time.Since(start).Seconds())
	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
	}

	now := r.clock()
	meta := ev.RetryMetadata.Data()
	meta.LastAttemptAt = &now

	values := map[string]any{"updated_at": now}
	var (
		next  Status
		alert bool
	)

	switch kind := classify(herr); {
	case herr == nil:
		next = StatusCompleted
		meta.LastError = ""
		meta.NextEligibleAt = nil
		values["processed_at"] = now
	case kind == kindCompensated:
		next = StatusFailed
		meta.LastError = herr.Error()
		meta.NextEligibleAt = nil
		values["processed_at"] = now
	case kind == kindFailed:
		next = StatusFailed
		alert = true
		meta.LastError = herr.Error()
		meta.NextEligibleAt = nil
		values["processed_at"] = now
	default:
		retries := ev.RetryCount + 1
		values["retry_count"] = retries
		meta.LastError = herr.Error()
		if retries > r.opts.MaxRetries {
			next = StatusFailed
			alert = true
			meta.NextEligibleAt = nil
			values["processed_at"] = now
		} else {
			next = StatusPending
			eligible := now.Add(Backoff(retries))
			meta.NextEligibleAt = &eligible
			values["next_eligible_at"] = eligible
		}
		ev.RetryCount = retries
	}

	values["status"] = next
	values["retry_metadata"] = datatypes.NewJSONType(meta)
	values["locked_by"] = nil
	values["locked_at"] = nil

	res := r.db.WithContext(context.WithoutCancel(ctx)).Model(&Event{}).
		Where("id = ? AND status = ? AND locked_by = ?", ev.ID, StatusProcessing, r.id).
		Updates(values)
	if res.Error != nil {
		log.Error("failed to record outbox outcome", zap.Error(res.Error))
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Warn("outbox event claim lost before completion")
		return nil
	}

	ev.Status = next
	eventsProcessed.WithLabelValues(string(ev.Type), string(next)).Inc()

	fields := []zap.Field{zap.String("status", string(next)), zap.Int("retry_count", ev.RetryCount)}
	switch {
	case herr == nil:
		log.Info("outbox event completed", fields...)
	case next == StatusPending:
		log.Warn("outbox event will be retried", append(fields, zap.Error(herr), zap.Timep("next_eligible_at", meta.NextEligibleAt))...)
	default:
		log.Error("outbox event failed", append(fields, zap.Error(herr))...)
	}

	if alert {
		if err := r.alerter.EventFailed(context.WithoutCancel(ctx), ev, herr); err != nil {
			log.Error("failed to raise outbox alert", zap.Error(err))
		}
	}
	return nil
}

// Start runs the poll loop in the background until Stop.
func (r *Relay) Start(ctx context.Context) {
	go r.run(context.WithoutCancel(ctx))
}

func (r *Relay) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	log := logger.FromContext(ctx).With(zap.String("dispatcher", r.id))
	log.Info("outbox relay started",
		zap.Duration("poll_interval", r.opts.PollInterval),
		zap.Int("workers", r.opts.Workers),
		zap.Int("max_retries", r.opts.MaxRetries),
	)

	poll := time.NewTicker(r.opts.PollInterval)
	defer poll.Stop()
	purge := time.NewTicker(r.opts.PurgeInterval)
	defer purge.Stop()

	for {
		n, err := r.poll(ctx, nil)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("outbox poll failed", zap.Error(err))
		}

		// A full batch means more work is likely waiting.
		if n == r.opts.BatchSize && err == nil {
			select {
			case <-ctx.Done():
				r.drain(log)
				return
			default:
				continue
			}
		}

		select {
		case <-ctx.Done():
			r.drain(log)
			return
		case <-purge.C:
			r.purge(ctx)
		case <-r.wake:
		case <-poll.C:
		}
	}
}

// drain waits for handlers already running; their outcome is still recorded.
func (r *Relay) drain(log *zap.Logger) {
	log.Info("outbox relay stopping, waiting for in-flight events")
	r.inflight.Wait()
	log.Info("outbox relay stopped")
}

func (r *Relay) purge(ctx context.Context) {
	if r.purger == nil {
		return
	}
	n, err := r.purger.Purge(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to purge idempotency records", zap.Error(err))
		return
	}
	if n > 0 {
		logger.FromContext(ctx).Info("purged idempotency records", zap.Int64("count", n))
	}
}
