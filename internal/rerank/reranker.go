package rerank

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/models"
)

// Config holds reranker settings.
type Config struct {
	// Alpha weighs the cross-encoder against the fine pass in the final
	// score: alpha*norm(cross) + (1-alpha)*norm(fine).
	Alpha float64
	// FineTopDefault is how many stage-1 leaders get the fine pass when
	// the classification gives no better signal.
	FineTopDefault int
}

// fineTopByClass widens the fine pass for query types that need more
// candidates judged carefully.
var fineTopByClass = map[models.Classification]int{
	models.ClassProcedure: 4,
	models.ClassComplex:   5,
	models.ClassFactual:   3,
}

// Reranker orders retrieval candidates: a deterministic cross-encoder
// pass over everything, then an LLM fine pass over the leaders, fused.
// It never drops documents; output is always a permutation of the input.
type Reranker struct {
	cfg   Config
	cross *CrossEncoder
	judge *Judge
	log   *zap.Logger
}

// Ranked pairs a document with its fused score in [0,1].
type Ranked struct {
	Document models.Document
	Score    float64
}

// NewReranker creates the reranker. cross may be nil (judge-only mode)
// but not both cross and judge.
func NewReranker(cfg Config, cross *CrossEncoder, judge *Judge, logger *zap.Logger) *Reranker {
	if cfg.Alpha == 0 {
		cfg.Alpha = 0.7
	}
	if cfg.FineTopDefault <= 0 {
		cfg.FineTopDefault = 3
	}
	return &Reranker{cfg: cfg, cross: cross, judge: judge, log: logger}
}

// FineTop returns how many stage-1 leaders receive the fine pass for the
// given classification.
func (r *Reranker) FineTop(class models.Classification) int {
	if n, ok := fineTopByClass[class]; ok {
		return n
	}
	return r.cfg.FineTopDefault
}

// Rerank orders docs by relevance to query. The returned slice has
// exactly the input documents with fused scores; any stage failure
// degrades to the surviving stage's order instead of erroring.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []models.Document, class models.Classification) []Ranked {
	if len(docs) == 0 {
		return nil
	}
	passages := make([]string, len(docs))
	for i, d := range docs {
		passages[i] = d.Text
	}

	crossScores := r.crossPass(ctx, query, passages)

	// stage-1 order, stable on ties
	order := make([]int, len(docs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return crossScores[order[a]] > crossScores[order[b]]
	})

	fineScores := make([]float64, len(docs))
	if r.judge != nil {
		top := r.FineTop(class)
		if top > len(order) {
			top = len(order)
		}
		leaders := order[:top]
		leaderTexts := make([]string, top)
		for i, idx := range leaders {
			leaderTexts[i] = passages[idx]
		}
		judged := r.judge.Score(ctx, query, leaderTexts)
		for i, idx := range leaders {
			fineScores[idx] = judged[i]
		}
	}

	normCross := minMaxNormalize(crossScores)
	normFine := minMaxNormalize(fineScores)

	out := make([]Ranked, len(docs))
	for i, d := range docs {
		out[i] = Ranked{
			Document: d,
			Score:    r.cfg.Alpha*normCross[i] + (1-r.cfg.Alpha)*normFine[i],
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}

// crossPass scores all passages; when the sidecar is down every document
// gets the same score so the incoming order survives.
func (r *Reranker) crossPass(ctx context.Context, query string, passages []string) []float64 {
	if r.cross == nil {
		return make([]float64, len(passages))
	}
	scores, err := r.cross.Score(ctx, query, passages)
	if err != nil {
		r.log.Warn("cross-encoder unavailable, keeping retrieval order", zap.Error(err))
		return make([]float64, len(passages))
	}
	return scores
}
