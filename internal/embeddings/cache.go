package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/metrics"
)

// keyVersion tags cache keys so a change to the value encoding can roll
// over without clearing Redis.
const keyVersion = "emb:v1:"

// MakeKey derives the cache key for a text under a model. The model name
// is part of the hash so a model swap never reads stale vectors.
func MakeKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return keyVersion + hex.EncodeToString(h[:])
}

// Cache is the embedding cache contract. Values are opaque to callers;
// the byte layout is internal to the implementation.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
	BatchGet(ctx context.Context, keys []string) [][]float32
	BatchSet(ctx context.Context, keys []string, vecs [][]float32, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
	Stats() CacheStats
}

// LocalLRU is a small in-process LRU with TTL sitting in front of Redis.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.vec, true
		}
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

func (l *LocalLRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		l.list.Remove(el)
		delete(l.m, key)
	}
}

// RedisCache is the persistent L4 embedding cache. Vectors are stored as
// raw little-endian float32 arrays under version-tagged keys. All writes
// are best-effort: a Redis failure never fails the caller.
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper

	hits      atomic.Int64
	misses    atomic.Int64
	latencyNs atomic.Int64
	calls     atomic.Int64
}

// NewRedisCache wraps a circuit-breaker-guarded Redis client.
func NewRedisCache(cli *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{cli: cli}
}

func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

func (r *RedisCache) observe(start time.Time) {
	r.latencyNs.Add(time.Since(start).Nanoseconds())
	r.calls.Add(1)
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	start := time.Now()
	defer r.observe(start)

	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		r.misses.Add(1)
		metrics.EmbeddingCacheMisses.Inc()
		return nil, false
	}
	v, ok := decodeVector(b)
	if !ok {
		r.misses.Add(1)
		metrics.EmbeddingCacheMisses.Inc()
		return nil, false
	}
	r.hits.Add(1)
	metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
	return v, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	start := time.Now()
	defer r.observe(start)
	_ = r.cli.Set(ctx, key, encodeVector(v), ttl).Err()
}

// BatchGet returns a vector per key, nil where missing. A Redis failure
// degrades to all-miss.
func (r *RedisCache) BatchGet(ctx context.Context, keys []string) [][]float32 {
	out := make([][]float32, len(keys))
	if len(keys) == 0 {
		return out
	}
	start := time.Now()
	defer r.observe(start)

	vals, err := r.cli.MGet(ctx, keys...).Result()
	if err != nil || len(vals) != len(keys) {
		r.misses.Add(int64(len(keys)))
		return out
	}
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			r.misses.Add(1)
			metrics.EmbeddingCacheMisses.Inc()
			continue
		}
		if v, ok := decodeVector([]byte(s)); ok {
			out[i] = v
			r.hits.Add(1)
			metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
		} else {
			r.misses.Add(1)
			metrics.EmbeddingCacheMisses.Inc()
		}
	}
	return out
}

// BatchSet writes all pairs in one pipeline, best-effort.
func (r *RedisCache) BatchSet(ctx context.Context, keys []string, vecs [][]float32, ttl time.Duration) {
	if len(keys) == 0 || len(keys) != len(vecs) {
		return
	}
	start := time.Now()
	defer r.observe(start)

	pipe := r.cli.Pipeline()
	for i, key := range keys {
		if vecs[i] == nil {
			continue
		}
		pipe.Set(ctx, key, encodeVector(vecs[i]), ttl)
	}
	_, _ = pipe.Exec(ctx)
}

func (r *RedisCache) Invalidate(ctx context.Context, key string) {
	_ = r.cli.Del(ctx, key).Err()
}

// Stats reports hit/miss counters and average call latency.
func (r *RedisCache) Stats() CacheStats {
	hits := r.hits.Load()
	misses := r.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if calls := r.calls.Load(); calls > 0 {
		stats.AvgLatencyMs = float64(r.latencyNs.Load()) / float64(calls) / 1e6
	}
	return stats
}
