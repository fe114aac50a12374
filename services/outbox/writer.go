package outbox

import (
	"context"
	"encoding/json"
	"time"

	"bountypay/pkg/db"
	"bountypay/pkg/logger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Writer struct {
	node *snowflake.Node
	now  func() time.Time
}

func NewWriter(node *snowflake.Node) *Writer {
	return &Writer{node: node, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock that stamps next_eligible_at.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Enqueue inserts p into tx as a pending event. An intent already enqueued
// under the same dedupe key returns the existing event and leaves tx usable.
func (w *Writer) Enqueue(ctx context.Context, tx *gorm.DB, p Payload) (*Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	now := w.now().Truncate(time.Millisecond)
	ev := &Event{
		ID:             w.node.Generate().String(),
		Type:           p.EventType(),
		AggregateID:    p.AggregateID(),
		DedupeKey:      p.DedupeKey(),
		Payload:        datatypes.JSON(raw),
		Status:         StatusPending,
		RetryMetadata:  datatypes.NewJSONType(RetryMetadata{}),
		NextEligibleAt: now,
	}

	log := logger.FromContext(ctx).With(
		zap.String("event_type", string(ev.Type)),
		zap.String("dedupe_key", ev.DedupeKey),
	)

	err = tx.Transaction(func(sp *gorm.DB) error {
		return sp.WithContext(ctx).Create(ev).Error
	})
	if db.IsUniqueViolation(err) {
		var existing Event
		if ferr := tx.WithContext(ctx).Where("dedupe_key = ?", ev.DedupeKey).Take(&existing).Error; ferr != nil {
			return nil, ferr
		}
		log.Info("outbox event already enqueued", zap.String("event_id", existing.ID))
		return &existing, nil
	}
	if err != nil {
		log.Error("failed to enqueue outbox event", zap.Error(err))
		return nil, err
	}

	log.Info("outbox event enqueued", zap.String("event_id", ev.ID), zap.String("status", string(ev.Status)))
	return ev, nil
}
