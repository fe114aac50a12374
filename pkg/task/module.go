package task

import (
	"context"

	"bountypay/pkg/config"
	"bountypay/pkg/logger"
	"bountypay/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Client provides the asynq client and the Enqueuer used by the relay to
// hand off failed-event alerts.
var Client = fx.Module("asynq.client",
	fx.Provide(newClient, NewEnqueuer),
)

// Server consumes the alert queue. Handlers register on the provided mux.
var Server = fx.Module("asynq.server",
	fx.Provide(asynq.NewServeMux),
	fx.Invoke(runServer),
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func newClient(lc fx.Lifecycle, cfg *config.Config) (*asynq.Client, error) {
	client := asynq.NewClient(redisOpt(cfg))
	if err := client.Ping(); err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	return client, nil
}

func runServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	log := zap.L().Named("asynq")

	srv := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			taskname.QueueCritical: 6,
			taskname.QueueDefault:  1,
		},
		Logger:   log.Sugar(),
		LogLevel: asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.FromContext(ctx).Error("task failed",
				zap.String("task_type", t.Type()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err))
		}),
	})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := srv.Start(mux); err != nil {
				return err
			}
			log.Info("task server started", zap.String("redis", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(context.Context) error {
			srv.Shutdown()
			return nil
		},
	})
}
