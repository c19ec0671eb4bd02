package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. redis.Nil is a
// miss, not a failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
}

// NewRedisWrapper creates a Redis wrapper with a circuit breaker.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New("redis", DefaultConfig(), logger),
	}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, func() error {
		if err := fn(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return nil
	})
	recordRequest("redis", err)
	return err
}

// Ping wraps Redis Ping.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// MGet wraps Redis MGet.
func (rw *RedisWrapper) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	var result *redis.SliceCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.MGet(ctx, keys...)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewSliceCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Scan wraps Redis Scan.
func (rw *RedisWrapper) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	var result *redis.ScanCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Scan(ctx, cursor, match, count)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewScanCmd(ctx, nil)
		result.SetErr(err)
	}
	return result
}

// Incr wraps Redis Incr.
func (rw *RedisWrapper) Incr(ctx context.Context, key string) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Incr(ctx, key)
		return result.Err()
	}); err != nil && result == nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Pipeline returns the underlying client's pipeline for batch writes.
func (rw *RedisWrapper) Pipeline() redis.Pipeliner {
	return rw.client.Pipeline()
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// IsOpen reports whether the breaker is currently open.
func (rw *RedisWrapper) IsOpen() bool { return rw.cb.State() == StateOpen }
