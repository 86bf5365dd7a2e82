package cache

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/speechgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
	fx.Provide(NewStore),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Redis     *redis.Client `optional:"true"`
}

// NewStore selects the backing store from CACHE_STORE.
func NewStore(p Params) (Store, error) {
	log := p.Log.Named("cache")
	switch p.Config.Cache.Store {
	case config.CacheStoreMemory:
		log.Info("using in-memory entitlement cache store")
		return NewMemoryStore(), nil
	case config.CacheStoreRedis:
		store, err := NewRedisStore(p.Redis)
		if err != nil {
			return nil, fmt.Errorf("cache store %q: %w", p.Config.Cache.Store, err)
		}
		log.Info("using redis entitlement cache store", zap.String("addr", p.Config.Cache.RedisAddr))
		return store, nil
	default:
		store, err := OpenSQLStore(p.Config.Cache.SQLitePath, p.Log)
		if err != nil {
			return nil, err
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return store.Close()
			},
		})
		return store, nil
	}
}
