package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
)

// fakeSidecar returns deterministic vectors: each text maps to a vector
// whose first component is float32(len(text)).
func fakeSidecar(t *testing.T, dim int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{Dimensions: dim, ModelUsed: req.Model}
		for _, text := range req.Texts {
			vec := make([]float32, dim)
			vec[0] = float32(len(text))
			resp.Embeddings = append(resp.Embeddings, vec)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestService(t *testing.T, dim int, calls *atomic.Int64) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(cli, zap.NewNop()))

	srv := fakeSidecar(t, dim, calls)
	t.Cleanup(srv.Close)

	svc := NewService(Config{
		BaseURL:   srv.URL,
		Model:     "test-model",
		Dimension: dim,
		BatchSize: 2,
	}, cache, zap.NewNop())
	return svc, mr
}

func TestEmbedOneCachesResult(t *testing.T) {
	var calls atomic.Int64
	svc, _ := newTestService(t, 8, &calls)

	v1, err := svc.EmbedOne(context.Background(), "beard policy")
	require.NoError(t, err)
	assert.Len(t, v1, 8)
	assert.EqualValues(t, 1, calls.Load())

	// second call served from cache, no sidecar hit
	v2, err := svc.EmbedOne(context.Background(), "beard policy")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.EqualValues(t, 1, calls.Load())
}

func TestEmbedOneRedisSurvivesProcessLocalEviction(t *testing.T) {
	var calls atomic.Int64
	svc, _ := newTestService(t, 4, &calls)

	_, err := svc.EmbedOne(context.Background(), "fitness test")
	require.NoError(t, err)

	// wipe the LRU: Redis still has it
	svc.lru = NewLocalLRU(16)
	_, err = svc.EmbedOne(context.Background(), "fitness test")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestEmbedManyMatchesEmbedOne(t *testing.T) {
	var calls atomic.Int64
	svc, _ := newTestService(t, 4, &calls)

	texts := []string{"one", "twotwo", "threethree", "four4"}
	batch, err := svc.EmbedMany(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))

	for i, text := range texts {
		single, err := svc.EmbedOne(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i], "index %d", i)
	}
}

func TestEmbedManyOnlyFetchesMisses(t *testing.T) {
	var calls atomic.Int64
	svc, _ := newTestService(t, 4, &calls)

	_, err := svc.EmbedOne(context.Background(), "cached")
	require.NoError(t, err)
	callsAfterWarm := calls.Load()

	out, err := svc.EmbedMany(context.Background(), []string{"cached", "fresh"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotNil(t, out[0])
	assert.NotNil(t, out[1])
	// one more sidecar call for the single miss
	assert.EqualValues(t, callsAfterWarm+1, calls.Load())
}

func TestEmbedManyEmpty(t *testing.T) {
	var calls atomic.Int64
	svc, _ := newTestService(t, 4, &calls)
	out, err := svc.EmbedMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.EqualValues(t, 0, calls.Load())
}

func TestEmbedOneUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(cli, zap.NewNop()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	svc := NewService(Config{BaseURL: srv.URL, Model: "m", Dimension: 4}, cache, zap.NewNop())
	_, err := svc.EmbedOne(context.Background(), "query")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVerifyDimensionMismatch(t *testing.T) {
	var calls atomic.Int64
	svc, _ := newTestService(t, 4, &calls)
	svc.cfg.Dimension = 1024
	err := svc.VerifyDimension(context.Background())
	assert.ErrorIs(t, err, ErrModelMismatch)
}

func TestCacheWriteFailureDoesNotFailCaller(t *testing.T) {
	var calls atomic.Int64
	svc, mr := newTestService(t, 4, &calls)

	mr.Close() // Redis gone; client must keep working
	v, err := svc.EmbedOne(context.Background(), "still works")
	require.NoError(t, err)
	assert.Len(t, v, 4)
}

func TestRedisCacheRoundtripAndStats(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(cli, zap.NewNop()))

	key := MakeKey("m", "text")
	vec := []float32{0.25, -1.5, 3.75}
	cache.Set(context.Background(), key, vec, time.Minute)

	got, ok := cache.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok = cache.Get(context.Background(), MakeKey("m", "other"))
	assert.False(t, ok)

	stats := cache.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestRedisCacheBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(cli, zap.NewNop()))

	keys := []string{MakeKey("m", "a"), MakeKey("m", "b"), MakeKey("m", "c")}
	vecs := [][]float32{{1}, {2}, {3}}
	cache.BatchSet(context.Background(), keys, vecs, time.Minute)

	cache.Invalidate(context.Background(), keys[1])

	got := cache.BatchGet(context.Background(), keys)
	require.Len(t, got, 3)
	assert.Equal(t, []float32{1}, got[0])
	assert.Nil(t, got[1])
	assert.Equal(t, []float32{3}, got[2])
}

func TestCacheTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(cli, zap.NewNop()))

	key := MakeKey("m", "ephemeral")
	cache.Set(context.Background(), key, []float32{1}, time.Second)
	mr.FastForward(2 * time.Second)

	_, ok := cache.Get(context.Background(), key)
	assert.False(t, ok)
}
