package outbox

import (
	"context"
	"fmt"
	"time"

	"bountypay/pkg/config"

	"gorm.io/gorm"
)

// LagChecker fails readiness when pending events have been eligible for
// longer than the threshold, which means no relay is draining the table.
type LagChecker struct {
	db        *gorm.DB
	threshold time.Duration
	now       func() time.Time
}

func NewLagChecker(cfg *config.Config, db *gorm.DB) *LagChecker {
	return &LagChecker{
		db:        db,
		threshold: cfg.Relay.LagThreshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *LagChecker) Name() string { return "outbox" }

func (c *LagChecker) Check(ctx context.Context) error {
	if c.threshold <= 0 {
		return nil
	}

	var overdue int64
	err := c.db.WithContext(ctx).Model(&Event{}).
		Where("status = ? AND next_eligible_at < ?", StatusPending, c.now().Add(-c.threshold)).
		Count(&overdue).Error
	if err != nil {
		return err
	}
	if overdue > 0 {
		return fmt.Errorf("%d pending events overdue by more than %s", overdue, c.threshold)
	}
	return nil
}
