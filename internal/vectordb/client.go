package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/models"
	"github.com/doctrine-ai/doctrine/internal/tracing"
)

// Client is a minimal Qdrant HTTP client over the Query API. It consumes a
// pre-built collection with a named dense vector and a named sparse vector
// per point; payloads carry the passage text plus metadata.
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient creates the vector store client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DenseVectorName == "" {
		cfg.DenseVectorName = "dense"
	}
	if cfg.SparseVectorName == "" {
		cfg.SparseVectorName = "sparse"
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", logger),
		log:   logger,
	}
}

// HybridSupported reports whether hybrid search is enabled for this store.
func (c *Client) HybridSupported() bool { return c.cfg.HybridEnabled }

type queryRequest struct {
	Query       interface{}     `json:"query"`
	Using       string          `json:"using,omitempty"`
	Prefetch    []prefetchEntry `json:"prefetch,omitempty"`
	Limit       int             `json:"limit"`
	WithPayload bool            `json:"with_payload"`
	Filter      Filter          `json:"filter,omitempty"`
}

type prefetchEntry struct {
	Query  interface{} `json:"query"`
	Using  string      `json:"using"`
	Limit  int         `json:"limit"`
	Filter Filter      `json:"filter,omitempty"`
}

type fusionQuery struct {
	Fusion string `json:"fusion"`
}

type point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type queryResponse struct {
	Result struct {
		Points []point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// SearchDense runs approximate nearest neighbor search over the dense
// vector. Results are ordered by descending similarity.
func (c *Client) SearchDense(ctx context.Context, vec []float32, k int, filter Filter) ([]ScoredDocument, error) {
	req := queryRequest{
		Query:       vec,
		Using:       c.cfg.DenseVectorName,
		Limit:       k,
		WithPayload: true,
		Filter:      filter,
	}
	return c.query(ctx, "dense", req)
}

// SearchSparse runs inverted-index search over the sparse vector.
func (c *Client) SearchSparse(ctx context.Context, sparse SparseVector, k int, filter Filter) ([]ScoredDocument, error) {
	req := queryRequest{
		Query:       sparse,
		Using:       c.cfg.SparseVectorName,
		Limit:       k,
		WithPayload: true,
		Filter:      filter,
	}
	return c.query(ctx, "sparse", req)
}

// HybridSearch prefetches dense and sparse candidate sets and fuses them
// server-side. The sparse query is derived from queryText with the same
// term hashing the indexer used; the configured leg weights decide how
// the candidate budget splits between the two prefetches.
func (c *Client) HybridSearch(ctx context.Context, vec []float32, queryText string, k int, filter Filter, fusion Fusion) ([]ScoredDocument, error) {
	if fusion == "" {
		fusion = FusionRRF
	}
	denseLimit, sparseLimit := c.prefetchLimits(k)
	req := queryRequest{
		Prefetch: []prefetchEntry{
			{Query: vec, Using: c.cfg.DenseVectorName, Limit: denseLimit, Filter: filter},
			{Query: EncodeSparse(queryText), Using: c.cfg.SparseVectorName, Limit: sparseLimit, Filter: filter},
		},
		Query:       fusionQuery{Fusion: string(fusion)},
		Limit:       k,
		WithPayload: true,
	}
	return c.query(ctx, "hybrid", req)
}

// prefetchLimits splits the 4k hybrid candidate budget across the dense
// and sparse legs by their configured weights. Either leg still fetches
// at least k so fusion can fill the requested page on its own.
func (c *Client) prefetchLimits(k int) (dense, sparse int) {
	dw, sw := c.cfg.DenseWeight, c.cfg.SparseWeight
	if dw <= 0 && sw <= 0 {
		dw, sw = 1, 1
	}
	budget := 4 * k
	dense = int(math.Round(float64(budget) * dw / (dw + sw)))
	if dense < k {
		dense = k
	}
	sparse = budget - dense
	if sparse < k {
		sparse = k
	}
	return dense, sparse
}

func (c *Client) query(ctx context.Context, kind string, req queryRequest) ([]ScoredDocument, error) {
	if req.Filter != nil {
		if err := req.Filter.Validate(); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection)

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, _ := json.Marshal(req)

	resp, err := c.do(ctx, url, buf)
	if err != nil {
		// transient failures get a single retry with jitter
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(50+rand.Intn(100)) * time.Millisecond):
		}
		resp, err = c.do(ctx, url, buf)
		if err != nil {
			metrics.RecordVectorSearchMetrics(kind, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest && req.Filter != nil:
		// the backend refused the filter; surface it rather than retrying
		// without one
		metrics.RecordVectorSearchMetrics(kind, "filter_invalid", time.Since(start).Seconds())
		return nil, ErrFilterInvalid
	default:
		metrics.RecordVectorSearchMetrics(kind, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordVectorSearchMetrics(kind, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	metrics.RecordVectorSearchMetrics(kind, "ok", time.Since(start).Seconds())

	out := make([]ScoredDocument, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		out = append(out, ScoredDocument{Document: toDocument(p), Score: p.Score})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	// the breaker hands 5xx back as a response; treat it as retriable here
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	return resp, nil
}

// toDocument maps a Qdrant point onto a corpus document. The passage text
// lives under payload["text"]; everything else is metadata.
func toDocument(p point) models.Document {
	doc := models.Document{ID: fmt.Sprintf("%v", p.ID)}
	if p.Payload == nil {
		return doc
	}
	meta := make(map[string]interface{}, len(p.Payload))
	for k, v := range p.Payload {
		if k == "text" {
			if s, ok := v.(string); ok {
				doc.Text = s
				continue
			}
		}
		meta[k] = v
	}
	if len(meta) > 0 {
		doc.Metadata = meta
	}
	return doc
}

// Healthy probes the collection; used by the health manager.
func (c *Client) Healthy(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
