package embeddings

import (
	"errors"
	"time"
)

// Errors surfaced by the embedding client.
var (
	// ErrUnavailable marks a transient failure of the embedding sidecar.
	ErrUnavailable = errors.New("embedding service unavailable")
	// ErrModelMismatch marks a fatal startup mismatch between the configured
	// dimension and what the model actually produces.
	ErrModelMismatch = errors.New("embedding model dimension mismatch")
)

// Config holds embedding client settings.
type Config struct {
	BaseURL   string
	Model     string
	Dimension int
	BatchSize int
	Normalize bool
	CacheTTL  time.Duration
	Timeout   time.Duration
	MaxLRU    int
}

// CacheStats reports embedding cache effectiveness.
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
