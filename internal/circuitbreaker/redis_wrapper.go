package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps Redis operations with a circuit breaker. Only the
// operations the embedding cache needs are exposed.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "embedding-cache", cb)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

func (rw *RedisWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("redis", "embedding-cache", rw.cb.State(), success)
}

// Ping wraps Redis ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	cbErr := rw.cb.Execute(ctx, func() error {
		cmd = rw.client.Ping(ctx)
		return cmd.Err()
	})
	rw.record(cbErr == nil)
	if cbErr != nil && cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(cbErr)
	}
	return cmd
}

// Get wraps Redis GET with circuit breaker. A cache miss (redis.Nil) counts
// as success.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	cbErr := rw.cb.Execute(ctx, func() error {
		cmd = rw.client.Get(ctx, key)
		if err := cmd.Err(); err != nil && err != redis.Nil {
			return err
		}
		return nil
	})
	rw.record(cbErr == nil)
	if cbErr != nil && cmd == nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(cbErr)
	}
	return cmd
}

// Set wraps Redis SET with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	cbErr := rw.cb.Execute(ctx, func() error {
		cmd = rw.client.Set(ctx, key, value, expiration)
		return cmd.Err()
	})
	rw.record(cbErr == nil)
	if cbErr != nil && cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(cbErr)
	}
	return cmd
}

// Del wraps Redis DEL with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	cbErr := rw.cb.Execute(ctx, func() error {
		cmd = rw.client.Del(ctx, keys...)
		return cmd.Err()
	})
	rw.record(cbErr == nil)
	if cbErr != nil && cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(cbErr)
	}
	return cmd
}

// Close closes the Redis connection
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
