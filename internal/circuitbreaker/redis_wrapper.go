package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. Only the
// commands the session manager and the lifecycle TTL index use are exposed.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with default breaker settings.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New("redis", DefaultConfig(), logger),
		logger: logger,
	}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	return rw.cb.Execute(ctx, func() error {
		err := fn()
		// Redis Nil is a miss, not a dependency failure.
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	}); err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	}); err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Set(ctx, key, value, ttl)
		return result.Err()
	}); err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	}); err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Keys(ctx, pattern)
		return result.Err()
	}); err != nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.ZAdd(ctx, key, members...)
		return result.Err()
	}); err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.ZRangeByScore(ctx, key, opt)
		return result.Err()
	}); err != nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.ZRem(ctx, key, members...)
		return result.Err()
	}); err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// State returns the breaker state for health reporting.
func (rw *RedisWrapper) State() State { return rw.cb.State() }

// GetClient exposes the raw client for health checks.
func (rw *RedisWrapper) GetClient() *redis.Client { return rw.client }

func (rw *RedisWrapper) Close() error { return rw.client.Close() }
