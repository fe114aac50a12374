package task

import (
	"context"
	"fmt"

	"bountypay/pkg/logger"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tasks_enqueued_total",
	Help: "Background tasks handed to asynq, by type and result.",
}, []string{"type", "result"})

// Enqueuer hands tasks to asynq. Errors wrap the asynq error, so callers can
// match asynq.ErrTaskIDConflict for deduplicated tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type asynqEnqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &asynqEnqueuer{client: client}
}

func (e *asynqEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, t, opts...)
	if err != nil {
		enqueued.WithLabelValues(t.Type(), "error").Inc()
		return nil, fmt.Errorf("enqueue %s: %w", t.Type(), err)
	}

	enqueued.WithLabelValues(t.Type(), "ok").Inc()
	logger.FromContext(ctx).Debug("task enqueued",
		zap.String("task_type", t.Type()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return info, nil
}
