package rerank

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/models"
)

// Generator is the completion surface the judge needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenOptions) (string, error)
}

// GenOptions mirrors the sampling knobs the generator accepts.
type GenOptions struct {
	Temperature float64
	MaxTokens   int
}

const judgeCacheTTL = 24 * time.Hour

// Judge scores documents with the LLM when no dedicated reranker model is
// available. Scores are cached per (query, passage) content hash so
// repeated queries skip the engine.
type Judge struct {
	llm   Generator
	redis *circuitbreaker.RedisWrapper
	log   *zap.Logger
}

// NewJudge creates the judge; redis may be nil to disable score caching.
func NewJudge(llm Generator, redis *circuitbreaker.RedisWrapper, logger *zap.Logger) *Judge {
	return &Judge{llm: llm, redis: redis, log: logger}
}

func judgeKey(query, passage string) string {
	return "judge:v1:" + models.ContentHash(query+"\x00"+passage)
}

const singlePrompt = `Rate how relevant the passage is to the question on a scale of 0 to 10. Reply with only the number.

Question: %s

Passage: %s

Score:`

const batchPrompt = `Rate how relevant each passage is to the question on a scale of 0 to 10. Reply with one line per passage in the form "N: score".

Question: %s

%s
Scores:`

// Score returns one 0-10 score per passage, in input order. A failed
// judge call yields zeros for the affected passages; the caller treats
// those as "no fine signal", never as grounds to drop documents.
func (j *Judge) Score(ctx context.Context, query string, passages []string) []float64 {
	scores := make([]float64, len(passages))
	if len(passages) == 0 {
		return scores
	}

	missing := make([]int, 0, len(passages))
	if j.redis != nil {
		keys := make([]string, len(passages))
		for i, p := range passages {
			keys[i] = judgeKey(query, p)
		}
		vals, err := j.redis.MGet(ctx, keys...).Result()
		if err == nil && len(vals) == len(passages) {
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					missing = append(missing, i)
					continue
				}
				f, perr := strconv.ParseFloat(s, 64)
				if perr != nil {
					missing = append(missing, i)
					continue
				}
				scores[i] = f
			}
		} else {
			for i := range passages {
				missing = append(missing, i)
			}
		}
	} else {
		for i := range passages {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		metrics.RerankRequests.WithLabelValues("fine", "cached").Inc()
		return scores
	}

	// a single batched call beats parallel per-document calls when the
	// engine serializes requests anyway
	var err error
	if n := len(missing); n >= 2 && n <= 5 {
		err = j.scoreBatch(ctx, query, passages, missing, scores)
	} else {
		err = j.scoreSingles(ctx, query, passages, missing, scores)
	}
	if err != nil {
		j.log.Warn("llm judge unavailable, fine scores default to zero", zap.Error(err))
		metrics.RerankRequests.WithLabelValues("fine", "error").Inc()
		return scores
	}
	metrics.RerankRequests.WithLabelValues("fine", "ok").Inc()

	if j.redis != nil {
		for _, i := range missing {
			key := judgeKey(query, passages[i])
			val := strconv.FormatFloat(scores[i], 'f', -1, 64)
			if err := j.redis.Set(ctx, key, val, judgeCacheTTL).Err(); err != nil {
				j.log.Debug("judge score cache write failed", zap.Error(err))
				break
			}
		}
	}
	return scores
}

func (j *Judge) scoreSingles(ctx context.Context, query string, passages []string, missing []int, scores []float64) error {
	for _, i := range missing {
		reply, err := j.llm.Generate(ctx, fmt.Sprintf(singlePrompt, query, truncate(passages[i], 1500)),
			GenOptions{Temperature: 0, MaxTokens: 8})
		if err != nil {
			return err
		}
		scores[i] = ParseScore(reply)
	}
	return nil
}

func (j *Judge) scoreBatch(ctx context.Context, query string, passages []string, missing []int, scores []float64) error {
	var b strings.Builder
	for n, i := range missing {
		fmt.Fprintf(&b, "Passage %d: %s\n\n", n+1, truncate(passages[i], 1000))
	}
	reply, err := j.llm.Generate(ctx, fmt.Sprintf(batchPrompt, query, b.String()),
		GenOptions{Temperature: 0, MaxTokens: 64})
	if err != nil {
		return err
	}

	parsed := parseBatchScores(reply, len(missing))
	for n, i := range missing {
		scores[i] = parsed[n]
	}
	return nil
}

// parseBatchScores reads "N: score" lines; positions the reply does not
// cover get the neutral default.
func parseBatchScores(reply string, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = neutralScore
	}
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		idx, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		pos, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(strings.ToLower(idx), "passage")))
		if err != nil || pos < 1 || pos > n {
			continue
		}
		out[pos-1] = ParseScore(rest)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
