package idempotency

import (
	"fmt"

	"bountypay/pkg/config"
	"bountypay/pkg/db"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("idempotency",
	fx.Provide(NewStore, NewGuardFromConfig),
	fx.Invoke(migrate),
)

type StoreParams struct {
	fx.In
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client `optional:"true"`
}

// NewStore selects the record store named by IDEMPOTENCY.STORE.
func NewStore(p StoreParams) (Store, error) {
	switch p.Config.Idempotency.Store {
	case "", "gorm":
		return NewGormStore(p.DB), nil
	case "redis":
		if p.Redis == nil {
			return nil, fmt.Errorf("idempotency store redis requires a redis client")
		}
		return NewRedisStore(p.Redis), nil
	default:
		return nil, fmt.Errorf("unknown idempotency store %q", p.Config.Idempotency.Store)
	}
}

func NewGuardFromConfig(cfg *config.Config, store Store) *Guard {
	zap.L().Info("[Idempotency] guard configured",
		zap.String("store", cfg.Idempotency.Store),
		zap.Duration("ttl", cfg.Idempotency.TTL),
	)
	return NewGuard(store, Options{
		TTL:          cfg.Idempotency.TTL,
		LockTTL:      cfg.Idempotency.LockTTL,
		WaitTimeout:  cfg.Idempotency.WaitTimeout,
		PollInterval: cfg.Idempotency.PollInterval,
	})
}

func migrate(cfg *config.Config, gdb *gorm.DB) error {
	return db.AutoMigrate(cfg, gdb, &Record{})
}
