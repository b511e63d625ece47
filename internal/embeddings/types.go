package embeddings

import (
	"errors"
	"time"
)

// Config controls the embedding client behavior
type Config struct {
	// BaseURL points to the embedding sidecar providing /embeddings
	BaseURL string
	// DefaultModel is the sentence-transformer model served by the sidecar
	DefaultModel string
	// Dimensions is the expected vector width; responses with any other
	// width are rejected
	Dimensions int
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// EnableRedis enables the Redis-backed cache tier
	EnableRedis bool
	// RedisURL in redis://host:port/db form when EnableRedis is true
	RedisURL string
	// CacheTTL sets TTL for Redis cache entries
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
	// BatchSize caps texts per sidecar request
	BatchSize int
}

// ErrDimensionMismatch is returned when the sidecar produces vectors of a
// width other than Config.Dimensions.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")
