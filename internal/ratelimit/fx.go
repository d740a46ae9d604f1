package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/vilokanam/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		NewRedisClient,
		NewLocker,
		provideLimiter,
	),
)

// NewRedisClient returns nil when REDIS_ADDR is unset; callers treat a nil
// client as single-replica mode.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideLimiter(client *redis.Client, policy *config.PolicyHolder, log *zap.Logger) Limiter {
	p := policy.Get().Settlement
	if client == nil {
		return NewLocalLimiter(p.RatePerSecond, p.Burst)
	}
	return NewRedisLimiter(NewTokenBucket(client), p.RatePerSecond, p.Burst, log)
}
