package cache

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/models"
)

// Key layout. The version tag lets a deploy with a changed entry format
// start cold instead of reading stale shapes.
const (
	exactPrefix    = "res:v1:exact:"
	normPrefix     = "res:v1:norm:"
	semanticPrefix = "res:v1:sem:"
)

// Layer names reported on hits.
const (
	LayerExact      = "l1_exact"
	LayerNormalized = "l2_normalized"
	LayerSemantic   = "l3_semantic"
)

// Config holds result cache settings.
type Config struct {
	TTLExact    time.Duration
	TTLSemantic time.Duration
	// SemanticThreshold is the minimum cosine similarity for an L3
	// candidate. Kept strict: below ~0.95 the layer serves wrong answers.
	SemanticThreshold float64
	// OverlapThreshold is the minimum Jaccard overlap between the
	// current retrieval's doc ids and a candidate's stored ids.
	OverlapThreshold float64
	// SemanticCandidatesMax bounds how many L3 entries one lookup scans.
	SemanticCandidatesMax int
}

// entry is the stored representation shared by all three layers.
type entry struct {
	Query     string        `json:"query"`
	Answer    models.Answer `json:"answer"`
	Embedding []float32     `json:"embedding,omitempty"`
	DocIDs    []string      `json:"doc_ids,omitempty"`
	Hits      int64         `json:"hits"`
	CreatedAt time.Time     `json:"created_at"`
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      map[string]int64 `json:"hits"`
	Misses    int64            `json:"misses"`
	HitRate   float64          `json:"hit_rate"`
	Entries   int64            `json:"entries"`
	SemanticN int64            `json:"semantic_entries"`
}

// ResultCache layers three lookups over Redis: exact hash, normalized
// hash, and validated semantic match. All failures degrade to a miss.
type ResultCache struct {
	cfg    Config
	redis  *circuitbreaker.RedisWrapper
	log    *zap.Logger
	hitsL1 atomic.Int64
	hitsL2 atomic.Int64
	hitsL3 atomic.Int64
	misses atomic.Int64
}

// NewResultCache creates the cache.
func NewResultCache(cfg Config, rw *circuitbreaker.RedisWrapper, logger *zap.Logger) *ResultCache {
	if cfg.TTLExact == 0 {
		cfg.TTLExact = time.Hour
	}
	if cfg.TTLSemantic == 0 {
		cfg.TTLSemantic = time.Hour
	}
	if cfg.SemanticThreshold == 0 {
		cfg.SemanticThreshold = 0.98
	}
	if cfg.OverlapThreshold == 0 {
		cfg.OverlapThreshold = 0.80
	}
	if cfg.SemanticCandidatesMax <= 0 {
		cfg.SemanticCandidatesMax = 64
	}
	return &ResultCache{cfg: cfg, redis: rw, log: logger}
}

// GetExact tries L1 then L2. Both are correct by construction, so no
// validation is needed. Returns the answer and the layer that served it.
func (c *ResultCache) GetExact(ctx context.Context, query string) (*models.Answer, string, bool) {
	if e := c.load(ctx, exactPrefix+models.ExactHash(query)); e != nil {
		c.hitsL1.Add(1)
		metrics.ResultCacheHits.WithLabelValues(LayerExact).Inc()
		c.bumpHits(ctx, exactPrefix+models.ExactHash(query), e, c.cfg.TTLExact)
		return &e.Answer, LayerExact, true
	}
	if e := c.load(ctx, normPrefix+models.NormalizedHash(query)); e != nil {
		c.hitsL2.Add(1)
		metrics.ResultCacheHits.WithLabelValues(LayerNormalized).Inc()
		c.bumpHits(ctx, normPrefix+models.NormalizedHash(query), e, c.cfg.TTLExact)
		return &e.Answer, LayerNormalized, true
	}
	return nil, "", false
}

// GetSemantic tries L3. It runs after retrieval because validation needs
// the current doc ids: a candidate must be both very close in embedding
// space and grounded in (mostly) the same documents. Either check failing
// rejects the candidate.
func (c *ResultCache) GetSemantic(ctx context.Context, embedding []float32, currentDocIDs []string) (*models.Answer, bool) {
	if len(embedding) == 0 || len(currentDocIDs) == 0 {
		return nil, false
	}
	keys := c.semanticKeys(ctx)
	for _, key := range keys {
		e := c.load(ctx, key)
		if e == nil {
			continue
		}
		sim := cosine(embedding, e.Embedding)
		if sim < c.cfg.SemanticThreshold {
			metrics.SemanticCandidatesRejected.WithLabelValues("similarity").Inc()
			continue
		}
		if jaccard(currentDocIDs, e.DocIDs) < c.cfg.OverlapThreshold {
			metrics.SemanticCandidatesRejected.WithLabelValues("overlap").Inc()
			continue
		}
		c.hitsL3.Add(1)
		metrics.ResultCacheHits.WithLabelValues(LayerSemantic).Inc()
		c.bumpHits(ctx, key, e, c.cfg.TTLSemantic)
		return &e.Answer, true
	}
	return nil, false
}

// Miss records a full cache miss; called once per query that fell
// through every layer.
func (c *ResultCache) Miss() {
	c.misses.Add(1)
	metrics.ResultCacheMisses.Inc()
}

// Put stores an answer in all layers it qualifies for. L3 needs an
// embedding and the retrieval doc ids. Write failures are logged, never
// surfaced.
func (c *ResultCache) Put(ctx context.Context, query string, ans *models.Answer, embedding []float32, docIDs []string) {
	base := entry{Query: query, Answer: *ans, CreatedAt: time.Now().UTC()}
	c.store(ctx, exactPrefix+models.ExactHash(query), &base, c.cfg.TTLExact)
	c.store(ctx, normPrefix+models.NormalizedHash(query), &base, c.cfg.TTLExact)

	if len(embedding) > 0 && len(docIDs) > 0 {
		sem := base
		sem.Embedding = embedding
		sem.DocIDs = docIDs
		c.store(ctx, semanticPrefix+models.ExactHash(query), &sem, c.cfg.TTLSemantic)
	}
}

// Invalidate removes the entries for one query across all layers.
func (c *ResultCache) Invalidate(ctx context.Context, query string) {
	c.redis.Del(ctx,
		exactPrefix+models.ExactHash(query),
		normPrefix+models.NormalizedHash(query),
		semanticPrefix+models.ExactHash(query),
	)
}

// ClearAll drops every cached result. Destructive and global.
func (c *ResultCache) ClearAll(ctx context.Context) error {
	for _, prefix := range []string{exactPrefix, normPrefix, semanticPrefix} {
		keys := c.scan(ctx, prefix+"*", 0)
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports hit/miss counters and entry counts.
func (c *ResultCache) Stats(ctx context.Context) Stats {
	hits := map[string]int64{
		LayerExact:      c.hitsL1.Load(),
		LayerNormalized: c.hitsL2.Load(),
		LayerSemantic:   c.hitsL3.Load(),
	}
	var total int64
	for _, h := range hits {
		total += h
	}
	misses := c.misses.Load()
	rate := 0.0
	if total+misses > 0 {
		rate = float64(total) / float64(total+misses)
	}
	exact := int64(len(c.scan(ctx, exactPrefix+"*", 0)))
	sem := int64(len(c.scan(ctx, semanticPrefix+"*", 0)))
	return Stats{Hits: hits, Misses: misses, HitRate: rate, Entries: exact, SemanticN: sem}
}

func (c *ResultCache) load(ctx context.Context, key string) *entry {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("result cache read failed", zap.Error(err))
		}
		return nil
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil
	}
	return &e
}

func (c *ResultCache) store(ctx context.Context, key string, e *entry, ttl time.Duration) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.Debug("result cache write failed", zap.Error(err))
	}
}

// bumpHits rewrites the entry with an incremented hit counter. Best
// effort; a lost bump is harmless.
func (c *ResultCache) bumpHits(ctx context.Context, key string, e *entry, ttl time.Duration) {
	e.Hits++
	c.store(ctx, key, e, ttl)
}

func (c *ResultCache) semanticKeys(ctx context.Context) []string {
	return c.scan(ctx, semanticPrefix+"*", int64(c.cfg.SemanticCandidatesMax))
}

func (c *ResultCache) scan(ctx context.Context, match string, limit int64) []string {
	var out []string
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return out
		}
		out = append(out, keys...)
		if limit > 0 && int64(len(out)) >= limit {
			return out[:limit]
		}
		if next == 0 {
			return out
		}
		cursor = next
	}
}

// cosine similarity over float32 vectors; 0 for mismatched or zero
// inputs.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// jaccard overlap between two id sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, id := range b {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := set[id]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
