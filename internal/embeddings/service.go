package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/tracing"
)

// Service turns text into fixed-dimension vectors via the embedding
// sidecar, with a local LRU and the Redis L4 cache in front. Cache writes
// are best-effort; a cache failure is indistinguishable from a miss.
type Service struct {
	cfg    Config
	http   *http.Client
	httpw  *circuitbreaker.HTTPWrapper
	cache  Cache
	lru    *LocalLRU
	logger *zap.Logger
}

// lruTTL bounds how long vectors stay in process memory; Redis holds the
// long-lived copy.
const lruTTL = 30 * time.Minute

// NewService creates the embedding client. cache may be nil (Redis down at
// startup); the client then works uncached.
func NewService(cfg Config, cache Cache, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Service{
		cfg:    cfg,
		http:   httpClient,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "embedding", logger),
		cache:  cache,
		lru:    NewLocalLRU(cfg.MaxLRU),
		logger: logger,
	}
}

// Dimension returns the configured output dimension.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// Cache exposes the L4 cache for stats and invalidation endpoints.
func (s *Service) Cache() Cache { return s.cache }

type embedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	Normalize bool     `json:"normalize"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// VerifyDimension embeds a probe text and checks the model output against
// the configured dimension. Called once at startup; a mismatch is fatal.
func (s *Service) VerifyDimension(ctx context.Context) error {
	vec, err := s.EmbedOne(ctx, "dimension probe")
	if err != nil {
		return err
	}
	if len(vec) != s.cfg.Dimension {
		return fmt.Errorf("%w: configured %d, model produced %d",
			ErrModelMismatch, s.cfg.Dimension, len(vec))
	}
	return nil
}

// EmbedOne returns the vector for a single non-empty text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	key := MakeKey(s.cfg.Model, text)

	if v, ok := s.lru.Get(key); ok {
		metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(key, v, lruTTL)
			return v, nil
		}
	}

	vecs, err := s.callService(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	v := vecs[0]
	s.lru.Set(key, v, lruTTL)
	if s.cache != nil {
		s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
	}
	return v, nil
}

// EmbedMany returns one vector per input, in input order. Cached texts are
// served from L4; only the misses go to the sidecar, batched.
func (s *Service) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int

	for i, text := range texts {
		keys[i] = MakeKey(s.cfg.Model, text)
		if v, ok := s.lru.Get(keys[i]); ok {
			results[i] = v
			metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		}
	}

	// One MGet for everything the LRU did not cover.
	if s.cache != nil {
		var missKeys []string
		var missIdx []int
		for i := range texts {
			if results[i] == nil {
				missKeys = append(missKeys, keys[i])
				missIdx = append(missIdx, i)
			}
		}
		if len(missKeys) > 0 {
			cached := s.cache.BatchGet(ctx, missKeys)
			for j, v := range cached {
				if v != nil {
					i := missIdx[j]
					results[i] = v
					s.lru.Set(keys[i], v, lruTTL)
				}
			}
		}
	}

	for i, text := range texts {
		if results[i] == nil {
			uncachedTexts = append(uncachedTexts, text)
			uncachedIndices = append(uncachedIndices, i)
		}
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	// Batch the misses through the sidecar in BatchSize chunks.
	var newKeys []string
	var newVecs [][]float32
	for off := 0; off < len(uncachedTexts); off += s.cfg.BatchSize {
		end := off + s.cfg.BatchSize
		if end > len(uncachedTexts) {
			end = len(uncachedTexts)
		}
		vecs, err := s.callService(ctx, uncachedTexts[off:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			i := uncachedIndices[off+j]
			results[i] = v
			s.lru.Set(keys[i], v, lruTTL)
			newKeys = append(newKeys, keys[i])
			newVecs = append(newVecs, v)
		}
	}
	if s.cache != nil {
		s.cache.BatchSet(ctx, newKeys, newVecs, s.cfg.CacheTTL)
	}
	return results, nil
}

func (s *Service) callService(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/embeddings", s.cfg.BaseURL)

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	payload := embedRequest{Texts: texts, Model: s.cfg.Model, Normalize: s.cfg.Normalize}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.httpw.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if len(er.Embeddings) != len(texts) {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %d embeddings for %d texts", ErrUnavailable, len(er.Embeddings), len(texts))
	}
	metrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())
	return er.Embeddings, nil
}
