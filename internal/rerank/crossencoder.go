package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/tracing"
)

// ErrUnavailable marks a cross-encoder sidecar failure.
var ErrUnavailable = errors.New("cross-encoder unavailable")

// CrossEncoder scores (query, passage) pairs against a pairwise model
// served by a sidecar. Deterministic given inputs; batch-friendly.
type CrossEncoder struct {
	baseURL string
	httpw   *circuitbreaker.HTTPWrapper
	log     *zap.Logger
}

// NewCrossEncoder creates the sidecar client.
func NewCrossEncoder(baseURL string, timeout time.Duration, logger *zap.Logger) *CrossEncoder {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &CrossEncoder{
		baseURL: baseURL,
		httpw:   circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "cross_encoder", logger),
		log:     logger,
	}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one score per passage, in input order.
func (ce *CrossEncoder) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	url := ce.baseURL + "/rerank"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, _ := json.Marshal(rerankRequest{Query: query, Passages: passages})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := ce.httpw.Do(req)
	if err != nil {
		metrics.RerankRequests.WithLabelValues("cross_encoder", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RerankRequests.WithLabelValues("cross_encoder", "error").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		metrics.RerankRequests.WithLabelValues("cross_encoder", "error").Inc()
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if len(rr.Scores) != len(passages) {
		metrics.RerankRequests.WithLabelValues("cross_encoder", "error").Inc()
		return nil, fmt.Errorf("%w: got %d scores for %d passages", ErrUnavailable, len(rr.Scores), len(passages))
	}
	metrics.RerankRequests.WithLabelValues("cross_encoder", "ok").Inc()
	return rr.Scores, nil
}

// Healthy probes the sidecar.
func (ce *CrossEncoder) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ce.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := ce.httpw.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
