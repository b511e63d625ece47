package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/metrics"
)

// RateLimiter applies a fixed per-minute window per client IP, counted in
// Redis so the limit holds across replicas. Redis being unreachable fails
// open: answering questions matters more than enforcing the limit.
type RateLimiter struct {
	client    *redis.Client
	perMinute int
	logger    *zap.Logger
}

func NewRateLimiter(client *redis.Client, perMinute int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{client: client, perMinute: perMinute, logger: logger}
}

// Allow reports whether the client may proceed in the current window.
func (l *RateLimiter) Allow(ctx context.Context, ip string) bool {
	if l == nil || l.client == nil || l.perMinute <= 0 {
		return true
	}
	window := time.Now().Unix() / 60
	key := fmt.Sprintf("ragloop:ratelimit:%s:%d", ip, window)

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return true
	}
	if n == 1 {
		// Two windows so the key outlives clock skew between replicas.
		l.client.Expire(ctx, key, 2*time.Minute)
	}
	return n <= int64(l.perMinute)
}

// Ping reports whether the backing Redis is reachable.
func (l *RateLimiter) Ping(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Ping(ctx).Err()
}

// Middleware rejects requests over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.Context(), clientIP(r)) {
			metrics.RateLimitRejections.Inc()
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
