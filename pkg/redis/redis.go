package redis

import (
	"context"
	"time"

	"bountypay/pkg/config"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New, NewLocker),
)

const (
	pingAttempts = 5
	pingTimeout  = 2 * time.Second
	pingBackoff  = 3 * time.Second
)

// New returns the shared client. Redis being down at boot is not fatal: bounty
// locks fall back to row locks and bounty codes to snowflake ids.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	log := zap.L().Named("redis").With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ping(ctx, rdb, log); err != nil {
				log.Warn("redis unavailable, bounty locks and codes degrade", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}

func ping(ctx context.Context, rdb *redis.Client, log *zap.Logger) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err == nil {
			log.Info("redis connected", zap.Int("attempt", attempt))
			return nil
		}
		if attempt == pingAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pingBackoff):
		}
	}
	return err
}

func NewLocker(rdb *redis.Client) *redislock.Client {
	return redislock.New(rdb)
}
