package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bountypay/pkg/logger"
	"bountypay/pkg/task"
	"bountypay/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Alerter raises an operator alert for an event that ended failed.
type Alerter interface {
	EventFailed(ctx context.Context, ev *Event, cause error) error
}

type FailedEventAlert struct {
	EventID     string    `json:"event_id"`
	Type        EventType `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	RetryCount  int       `json:"retry_count"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

func newFailedEventAlert(ev *Event, cause error) FailedEventAlert {
	a := FailedEventAlert{
		EventID:     ev.ID,
		Type:        ev.Type,
		AggregateID: ev.AggregateID,
		RetryCount:  ev.RetryCount,
		FailedAt:    time.Now().UTC(),
	}
	if cause != nil {
		a.Error = cause.Error()
	}
	return a
}

// TaskAlerter publishes alerts as asynq tasks on the critical queue.
type TaskAlerter struct {
	enq task.Enqueuer
}

func NewTaskAlerter(enq task.Enqueuer) *TaskAlerter {
	return &TaskAlerter{enq: enq}
}

func (a *TaskAlerter) EventFailed(ctx context.Context, ev *Event, cause error) error {
	payload, err := json.Marshal(newFailedEventAlert(ev, cause))
	if err != nil {
		return err
	}

	t := asynq.NewTask(taskname.OutboxEventFailed, payload)
	info, err := a.enq.Enqueue(ctx, t,
		asynq.Queue(taskname.QueueCritical),
		asynq.TaskID(fmt.Sprintf("%s:%s:%d", taskname.OutboxEventFailed, ev.ID, ev.RetryCount)),
		asynq.MaxRetry(10),
		asynq.Retention(7*24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Info("outbox alert enqueued",
		zap.String("event_id", ev.ID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// LogAlerter only logs; used where no task queue is wired.
type LogAlerter struct{}

func (LogAlerter) EventFailed(ctx context.Context, ev *Event, cause error) error {
	logger.FromContext(ctx).Error("outbox event needs manual resolution",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("aggregate_id", ev.AggregateID),
		zap.Error(cause),
	)
	return nil
}

// AlertHandler consumes failed event alerts from the task queue.
type AlertHandler struct{}

func (AlertHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var a FailedEventAlert
	if err := json.Unmarshal(t.Payload(), &a); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	alertsReceived.WithLabelValues(string(a.Type)).Inc()
	logger.FromContext(ctx).Error("outbox event failed, manual resolution required",
		zap.String("event_id", a.EventID),
		zap.String("event_type", string(a.Type)),
		zap.String("bounty_id", a.AggregateID),
		zap.Int("retry_count", a.RetryCount),
		zap.String("error", a.Error),
		zap.Time("failed_at", a.FailedAt),
	)
	return nil
}
