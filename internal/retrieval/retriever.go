package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/models"
	"github.com/doctrine-ai/doctrine/internal/rerank"
	"github.com/doctrine-ai/doctrine/internal/transform"
	"github.com/doctrine-ai/doctrine/internal/vectordb"
)

// Embedder supplies query embeddings, cache-first.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the vector store surface the retriever uses.
type Searcher interface {
	SearchDense(ctx context.Context, vec []float32, k int, filter vectordb.Filter) ([]vectordb.ScoredDocument, error)
	HybridSearch(ctx context.Context, vec []float32, queryText string, k int, filter vectordb.Filter, fusion vectordb.Fusion) ([]vectordb.ScoredDocument, error)
	HybridSupported() bool
}

// Transformer expands a query into retrieval variants.
type Transformer interface {
	Transform(ctx context.Context, query string) transform.Expansion
}

// Ranker orders candidates; output is a permutation of the input.
type Ranker interface {
	Rerank(ctx context.Context, query string, docs []models.Document, class models.Classification) []rerank.Ranked
}

// Config holds retriever settings, captured per request.
type Config struct {
	InitialK      int
	RerankK       int
	FinalK        int
	RRFK          int
	UseMultiQuery bool
	UseReranking  bool
	EnableHyDE    bool
	Fusion        vectordb.Fusion
}

// Retriever runs the retrieval half of a query: variant expansion,
// embedding, vector search, cross-variant fusion, reranking.
type Retriever struct {
	cfg      Config
	embedder Embedder
	store    Searcher
	tf       Transformer
	ranker   Ranker
	log      *zap.Logger
}

// NewRetriever creates a retriever. tf and ranker may be nil, which
// pins the strategy to single and skips reranking.
func NewRetriever(cfg Config, embedder Embedder, store Searcher, tf Transformer, ranker Ranker, logger *zap.Logger) *Retriever {
	if cfg.InitialK <= 0 {
		cfg.InitialK = 100
	}
	if cfg.RerankK <= 0 {
		cfg.RerankK = 30
	}
	if cfg.FinalK <= 0 {
		cfg.FinalK = 8
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	return &Retriever{cfg: cfg, embedder: embedder, store: store, tf: tf, ranker: ranker, log: logger}
}

// Retrieve returns the final document set for a query. retrievalQuery is
// what gets embedded and searched (possibly context-augmented);
// userQuery is what the reranker judges against.
func (r *Retriever) Retrieve(ctx context.Context, userQuery, retrievalQuery string) (*models.RetrievalResult, error) {
	timings := map[string]interface{}{}
	stage := func(name string, start time.Time) {
		ms := float64(time.Since(start).Microseconds()) / 1000
		timings[name+"_ms"] = ms
		metrics.RecordStageDuration(name, time.Since(start).Seconds())
	}

	// variant expansion + classification
	tStart := time.Now()
	exp := transform.Expansion{Variants: []string{retrievalQuery}, Classification: models.ClassFactual}
	if r.tf != nil {
		exp = r.tf.Transform(ctx, retrievalQuery)
	}
	class := exp.Classification
	strategy := r.pickStrategy(class, len(exp.Variants))
	stage("transform", tStart)

	queries := r.queriesFor(strategy, retrievalQuery, exp)

	// per-variant search, concurrent, positional order preserved
	sStart := time.Now()
	lists := make([][]vectordb.ScoredDocument, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			docs, err := r.searchOne(gctx, q)
			if err != nil {
				return err
			}
			lists[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	stage("search", sStart)

	var candidates []vectordb.ScoredDocument
	if len(lists) == 1 {
		candidates = lists[0]
	} else {
		candidates = fuseRRF(lists, r.cfg.RRFK)
	}
	if len(candidates) > r.cfg.RerankK {
		candidates = candidates[:r.cfg.RerankK]
	}
	if len(candidates) == 0 {
		return &models.RetrievalResult{
			Strategy:  strategy,
			QueryType: class,
			Metadata:  timings,
		}, nil
	}

	// rerank down to final_k; scores come back normalized to [0,1]
	rStart := time.Now()
	docs, scores := r.rankFinal(ctx, userQuery, candidates, class)
	stage("rerank", rStart)

	return &models.RetrievalResult{
		Documents: docs,
		Scores:    scores,
		Strategy:  strategy,
		QueryType: class,
		Metadata:  timings,
	}, nil
}

func (r *Retriever) pickStrategy(class models.Classification, variantCount int) models.RetrievalStrategy {
	if r.cfg.UseMultiQuery && variantCount > 1 {
		switch class {
		case models.ClassComplex, models.ClassComparison, models.ClassElaboration:
			return models.StrategyMultiQuery
		}
	}
	if r.cfg.EnableHyDE && r.tf != nil {
		switch class {
		case models.ClassDefinition, models.ClassProcedure:
			return models.StrategyHyDE
		}
	}
	return models.StrategySingle
}

// queriesFor resolves the strategy to the concrete retrieval queries.
// hyde_single swaps the retrieval query for the hypothetical passage the
// transform stage already generated; the user query survives only for
// reranking and the answer prompt.
func (r *Retriever) queriesFor(strategy models.RetrievalStrategy, original string, exp transform.Expansion) []string {
	switch strategy {
	case models.StrategyMultiQuery:
		return exp.Variants
	case models.StrategyHyDE:
		if exp.Hypothetical == "" {
			r.log.Debug("hypothetical document unavailable, falling back to single")
			return []string{original}
		}
		return []string{exp.Hypothetical}
	default:
		return []string{original}
	}
}

func (r *Retriever) searchOne(ctx context.Context, query string) ([]vectordb.ScoredDocument, error) {
	vec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.store.HybridSupported() {
		return r.store.HybridSearch(ctx, vec, query, r.cfg.InitialK, nil, r.cfg.Fusion)
	}
	return r.store.SearchDense(ctx, vec, r.cfg.InitialK, nil)
}

func (r *Retriever) rankFinal(ctx context.Context, userQuery string, candidates []vectordb.ScoredDocument, class models.Classification) ([]models.Document, []float64) {
	if r.ranker == nil || !r.cfg.UseReranking {
		n := len(candidates)
		if n > r.cfg.FinalK {
			n = r.cfg.FinalK
		}
		docs := make([]models.Document, n)
		raw := make([]float64, n)
		for i := 0; i < n; i++ {
			docs[i] = candidates[i].Document
			raw[i] = candidates[i].Score
		}
		return docs, normalizeScores(raw)
	}

	docsIn := make([]models.Document, len(candidates))
	for i, c := range candidates {
		docsIn[i] = c.Document
	}
	ranked := r.ranker.Rerank(ctx, userQuery, docsIn, class)
	if len(ranked) > r.cfg.FinalK {
		ranked = ranked[:r.cfg.FinalK]
	}
	docs := make([]models.Document, len(ranked))
	scores := make([]float64, len(ranked))
	for i, rk := range ranked {
		docs[i] = rk.Document
		scores[i] = rk.Score
	}
	return docs, scores
}

// normalizeScores maps raw similarity scores onto [0,1], preserving order.
func normalizeScores(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if hi == lo {
		out := make([]float64, len(scores))
		for i := range out {
			out[i] = 1
		}
		return out
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}
