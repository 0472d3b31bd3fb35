package redis

import (
	"context"
	"fmt"
	"time"

	"licensing-controlplane/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	pingAttempts = 5
	pingWait     = 3 * time.Second
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

// New connects to redis and waits for it to answer. The client backs the
// sweep and free-trial locks and the asynq queues.
func New(lc fx.Lifecycle, c *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	log := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
	)
	if err := WaitReady(context.Background(), rdb, pingAttempts, pingWait); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.Info("[Redis] Connected to Redis")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb, nil
}

// WaitReady pings until redis answers, attempts run out, or ctx ends.
func WaitReady(ctx context.Context, rdb redis.UniversalClient, attempts int, wait time.Duration) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		zap.L().Warn("[Redis] Redis not ready, retrying", zap.Int("retry", i), zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis ping: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("redis ping after %d attempts: %w", attempts, err)
}
