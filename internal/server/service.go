package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/answer"
	"github.com/doctrine-ai/doctrine/internal/cache"
	"github.com/doctrine-ai/doctrine/internal/config"
	"github.com/doctrine-ai/doctrine/internal/conversation"
	"github.com/doctrine-ai/doctrine/internal/embeddings"
	"github.com/doctrine-ai/doctrine/internal/llm"
	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/models"
	"github.com/doctrine-ai/doctrine/internal/prefetch"
	"github.com/doctrine-ai/doctrine/internal/rerank"
	"github.com/doctrine-ai/doctrine/internal/retrieval"
	"github.com/doctrine-ai/doctrine/internal/streaming"
	"github.com/doctrine-ai/doctrine/internal/transform"
	"github.com/doctrine-ai/doctrine/internal/vectordb"
)

// Error kinds reported in Answer.Metadata.ErrorKind; the HTTP layer maps
// them onto status codes.
const (
	ErrKindBusy      = "llm_busy"
	ErrKindTimeout   = "llm_timeout"
	ErrKindRetrieval = "retrieval_unavailable"
	ErrKindCancelled = "cancelled"
	ErrKindInternal  = "internal"
)

// LLM is the completion engine surface the pipeline uses.
type LLM interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
	Stream(ctx context.Context, prompt string, opts llm.Options) (<-chan llm.Token, error)
}

// Embedder supplies embeddings, cache-first.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// QueryRequest is one question with its options.
type QueryRequest struct {
	Question       string
	Mode           models.QueryMode
	UseContext     bool
	ConversationID string
}

// Service orchestrates the full query pipeline: result cache, context
// enrichment, transform, retrieve, rerank, generate, cache write,
// prefetch. Per-request behavior is driven by an immutable config
// snapshot taken at entry.
type Service struct {
	cfg      *config.Manager
	log      *zap.Logger
	embed    Embedder
	store    retrieval.Searcher
	llm      LLM
	cross    *rerank.CrossEncoder
	judge    *rerank.Judge
	results  *cache.ResultCache
	memory   *conversation.Memory
	prefetch *prefetch.Prefetcher
	streams  *streaming.Manager
}

// Deps carries the shared component handles the service orchestrates.
type Deps struct {
	Config      *config.Manager
	Embedder    Embedder
	Store       retrieval.Searcher
	LLM         LLM
	Cross       *rerank.CrossEncoder
	Judge       *rerank.Judge
	ResultCache *cache.ResultCache
	Memory      *conversation.Memory
	Prefetcher  *prefetch.Prefetcher
	Streams     *streaming.Manager
	Logger      *zap.Logger
}

// NewService wires the pipeline.
func NewService(d Deps) *Service {
	return &Service{
		cfg:      d.Config,
		log:      d.Logger,
		embed:    d.Embedder,
		store:    d.Store,
		llm:      d.LLM,
		cross:    d.Cross,
		judge:    d.Judge,
		results:  d.ResultCache,
		memory:   d.Memory,
		prefetch: d.Prefetcher,
		streams:  d.Streams,
	}
}

// Streams exposes the event manager for the transport layer.
func (s *Service) Streams() *streaming.Manager { return s.streams }

// Memory exposes conversation memory for the transport layer.
func (s *Service) Memory() *conversation.Memory { return s.memory }

// ResultCache exposes the result cache for the admin endpoints.
func (s *Service) ResultCache() *cache.ResultCache { return s.results }

// Prefetcher exposes the prefetcher for stats endpoints.
func (s *Service) Prefetcher() *prefetch.Prefetcher { return s.prefetch }

// llmGen adapts the engine to the per-package generator interfaces with
// one defaulted option set each.
type llmGen struct {
	llm  LLM
	snap config.Config
}

func (g llmGen) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	return g.llm.Generate(ctx, prompt, llm.Options{
		Temperature: temperature,
		TopP:        g.snap.LLM.TopP,
		TopK:        g.snap.LLM.TopK,
		MaxTokens:   maxTokens,
	})
}

type transformGen struct{ llmGen }

func (g transformGen) Generate(ctx context.Context, prompt string, opts transform.GenOptions) (string, error) {
	return g.llmGen.Generate(ctx, prompt, opts.Temperature, opts.MaxTokens)
}

type rerankGen struct{ llmGen }

func (g rerankGen) Generate(ctx context.Context, prompt string, opts rerank.GenOptions) (string, error) {
	return g.llmGen.Generate(ctx, prompt, opts.Temperature, opts.MaxTokens)
}

type answerGen struct{ llmGen }

func (g answerGen) Generate(ctx context.Context, prompt string, opts answer.GenOptions) (string, error) {
	return g.llmGen.Generate(ctx, prompt, opts.Temperature, opts.MaxTokens)
}

// buildPipeline constructs the per-request stages from a config
// snapshot. Construction is cheap: the stages share the long-lived
// clients and only bind knobs.
func (s *Service) buildPipeline(snap config.Config, mode models.QueryMode) (*retrieval.Retriever, *answer.Service) {
	gen := llmGen{llm: s.llm, snap: snap}

	tfCfg := transform.Config{
		EnableClassification: snap.Transform.EnableClassification,
		EnableHyDE:           snap.Transform.EnableHyDE,
		EnableRewrites:       snap.Transform.EnableMultiQueryRewrite,
		MaxVariants:          snap.Retrieval.MultiQueryVariants + 1,
		HyDETemperature:      snap.Transform.ExpansionTemperature,
	}
	useMulti := snap.Retrieval.UseMultiQuery
	if mode == models.ModeSimple {
		// the simple mode pins the cheap path: no generative expansion,
		// no multi-query fan-out
		tfCfg.EnableHyDE = false
		useMulti = false
	}
	tf := transform.NewTransformer(tfCfg, transformGen{gen}, s.log)

	var ranker *rerank.Reranker
	if snap.Retrieval.UseReranking {
		var cross *rerank.CrossEncoder
		if snap.Rerank.EnableNeuralReranker {
			cross = s.cross
		}
		var judge *rerank.Judge
		if snap.Rerank.EnableLLMReranking {
			judge = s.judge
		}
		// with both stages switched off there is nothing to rank with;
		// retrieval order stands
		if cross != nil || judge != nil {
			ranker = rerank.NewReranker(rerank.Config{
				Alpha:          snap.Rerank.HybridAlpha,
				FineTopDefault: snap.Rerank.LLMRerankTopN,
			}, cross, judge, s.log)
		}
	}

	retr := retrieval.NewRetriever(retrieval.Config{
		InitialK:      snap.Retrieval.InitialK,
		RerankK:       snap.Retrieval.RerankK,
		FinalK:        snap.Retrieval.FinalK,
		RRFK:          snap.Retrieval.RRFK,
		UseMultiQuery: useMulti,
		UseReranking:  snap.Retrieval.UseReranking,
		EnableHyDE:    tfCfg.EnableHyDE,
		Fusion:        vectordb.Fusion(snap.Retrieval.Fusion),
	}, s.embed, s.store, tf, rankerOrNil(ranker), s.log)

	ans := answer.NewService(answer.Config{
		Temperature: snap.LLM.Temperature,
		TopP:        snap.LLM.TopP,
		MaxTokens:   snap.LLM.MaxTokens,
	}, answerGen{gen}, s.log)

	return retr, ans
}

func rankerOrNil(r *rerank.Reranker) retrieval.Ranker {
	if r == nil {
		return nil
	}
	return r
}

// Query answers one question synchronously.
func (s *Service) Query(ctx context.Context, req QueryRequest) *models.Answer {
	start := time.Now()
	mode := string(req.Mode)
	if mode == "" {
		mode = string(models.ModeAdaptive)
	}
	defer func() {
		metrics.QueryDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	prep := s.prepare(ctx, req)
	if prep.cached != nil {
		metrics.QueriesTotal.WithLabelValues(mode, "cached").Inc()
		return prep.cached
	}
	if prep.errAnswer != nil {
		metrics.QueriesTotal.WithLabelValues(mode, "error").Inc()
		return prep.errAnswer
	}
	if prep.result.Empty() {
		metrics.QueriesTotal.WithLabelValues(mode, "no_documents").Inc()
		return s.finish(ctx, req, answer.NoDocumentsAnswer(prep.result), prep, start)
	}

	genStart := time.Now()
	ans, err := prep.answerer.Generate(ctx, req.Question, prep.result)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(mode, "error").Inc()
		return errorAnswer(err)
	}
	prep.timings["generate_ms"] = msSince(genStart)
	metrics.QueriesTotal.WithLabelValues(mode, "ok").Inc()
	return s.finish(ctx, req, ans, prep, start)
}

// prepared carries pipeline state between the shared prelude and the
// generation step.
type prepared struct {
	cached    *models.Answer
	errAnswer *models.Answer
	snap      config.Config
	result    *models.RetrievalResult
	embedding []float32
	answerer  *answer.Service
	timings   map[string]float64
}

// prepare runs everything before generation: exact cache, context
// enrichment, retrieval and the validated semantic cache.
func (s *Service) prepare(ctx context.Context, req QueryRequest) prepared {
	p := prepared{snap: s.cfg.Snapshot(), timings: map[string]float64{}}

	// L1/L2 are correct by construction, so they run before any
	// retrieval work
	if ans, layer, ok := s.results.GetExact(ctx, req.Question); ok {
		ans.Metadata.CacheHit = true
		ans.Metadata.CacheLayer = layer
		s.observe(req, ans, nil)
		p.cached = ans
		return p
	}

	retrievalQuery := req.Question
	if req.UseContext && req.ConversationID != "" {
		retrievalQuery, _ = s.memory.ContextFor(req.ConversationID, req.Question, p.snap.Memory.ContextEntries)
	}

	retr, ansSvc := s.buildPipeline(p.snap, req.Mode)
	p.answerer = ansSvc

	rStart := time.Now()
	res, err := retr.Retrieve(ctx, req.Question, retrievalQuery)
	if err != nil {
		s.log.Error("retrieval failed", zap.Error(err), zap.String("question", req.Question))
		p.errAnswer = errorAnswer(err)
		return p
	}
	p.result = res
	p.timings["retrieve_ms"] = msSince(rStart)
	for k, v := range res.Metadata {
		if ms, ok := v.(float64); ok {
			p.timings[k] = ms
		}
	}

	// L3 runs after retrieval: a semantic candidate must be validated
	// against the documents this query actually retrieves
	if !res.Empty() {
		if emb, err := s.embed.EmbedOne(ctx, req.Question); err == nil {
			p.embedding = emb
			if ans, ok := s.results.GetSemantic(ctx, emb, res.DocumentIDs()); ok {
				ans.Metadata.CacheHit = true
				ans.Metadata.CacheLayer = cache.LayerSemantic
				s.observe(req, ans, res)
				p.cached = ans
				return p
			}
		}
	}
	s.results.Miss()
	return p
}

// finish attaches metadata and runs the best-effort tail: cache write,
// conversation memory, prefetch observation. A cancelled request skips
// the cache write.
func (s *Service) finish(ctx context.Context, req QueryRequest, ans *models.Answer, p prepared, start time.Time) *models.Answer {
	p.timings["total_ms"] = msSince(start)
	ans.Metadata.TimingsMs = p.timings
	ans.Metadata.CacheHit = false
	if p.result != nil {
		ans.Metadata.Strategy = p.result.Strategy
	}

	if ctx.Err() == nil && !ans.Error && !p.result.Empty() {
		s.results.Put(ctx, req.Question, ans, p.embedding, p.result.DocumentIDs())
	}
	s.observe(req, ans, p.result)
	return ans
}

// observe feeds conversation memory and the prefetcher. Both are off the
// critical path and must never fail the request.
func (s *Service) observe(req QueryRequest, ans *models.Answer, res *models.RetrievalResult) {
	if req.ConversationID != "" && !ans.Error {
		e := conversation.Entry{Query: req.Question, Answer: ans.Text}
		if res != nil {
			e.RetrievedDocIDs = res.DocumentIDs()
			e.Classification = res.QueryType
			e.Strategy = res.Strategy
		}
		s.memory.Add(context.Background(), req.ConversationID, e)
	}
	if s.prefetch != nil {
		s.prefetch.Observe(req.Question)
	}
}

// errorAnswer maps a pipeline error onto the user-visible error answer.
func errorAnswer(err error) *models.Answer {
	kind := ErrKindInternal
	text := "The service hit an internal error answering this question. Please try again."
	switch {
	case errors.Is(err, llm.ErrBusy):
		kind = ErrKindBusy
		text = "The service is handling too many requests right now. Please retry shortly."
	case errors.Is(err, llm.ErrTimeout):
		kind = ErrKindTimeout
		text = "Generating the answer took too long and was cancelled. Please retry."
	case errors.Is(err, embeddings.ErrUnavailable), errors.Is(err, vectordb.ErrUnavailable):
		kind = ErrKindRetrieval
		text = "Document retrieval is temporarily unavailable. Please retry shortly."
	}
	return &models.Answer{
		Text:      text,
		Citations: []models.Citation{},
		Error:     true,
		Metadata:  models.AnswerMetadata{ErrorKind: kind},
		CreatedAt: time.Now().UTC(),
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
