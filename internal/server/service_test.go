package server

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

	"github.com/doctrine-ai/doctrine/internal/cache"
	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/config"
	"github.com/doctrine-ai/doctrine/internal/conversation"
	"github.com/doctrine-ai/doctrine/internal/embeddings"
	"github.com/doctrine-ai/doctrine/internal/llm"
	"github.com/doctrine-ai/doctrine/internal/models"
	"github.com/doctrine-ai/doctrine/internal/rerank"
	"github.com/doctrine-ai/doctrine/internal/streaming"
	"github.com/doctrine-ai/doctrine/internal/vectordb"
)

type stubEmbedder struct{ err error }

func (s *stubEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.6, 0.8}, nil
}

type stubStore struct {
	docs []vectordb.ScoredDocument
	err  error
}

func (s *stubStore) SearchDense(ctx context.Context, vec []float32, k int, filter vectordb.Filter) ([]vectordb.ScoredDocument, error) {
	return s.docs, s.err
}

func (s *stubStore) HybridSearch(ctx context.Context, vec []float32, queryText string, k int, filter vectordb.Filter, fusion vectordb.Fusion) ([]vectordb.ScoredDocument, error) {
	return s.docs, s.err
}

func (s *stubStore) HybridSupported() bool { return false }

type stubLLM struct {
	text      string
	tokens    []string
	err       error
	generated atomic.Int32
}

func (s *stubLLM) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.generated.Add(1)
	return s.text, nil
}

func (s *stubLLM) Stream(ctx context.Context, prompt string, opts llm.Options) (<-chan llm.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.generated.Add(1)
	ch := make(chan llm.Token, len(s.tokens))
	for _, t := range s.tokens {
		ch <- llm.Token{Text: t}
	}
	close(ch)
	return ch, nil
}

func passages() []vectordb.ScoredDocument {
	return []vectordb.ScoredDocument{
		{Document: models.Document{ID: "d1", Text: "Facial hair must not exceed 1/4 inch without a shaving waiver.", Metadata: map[string]interface{}{"source": "dafi36-2903.pdf"}}, Score: 0.92},
		{Document: models.Document{ID: "d2", Text: "Medical waivers are renewed annually by the treating provider.", Metadata: map[string]interface{}{"source": "dafi36-2903.pdf"}}, Score: 0.85},
	}
}

func newTestService(t *testing.T, store *stubStore, engine *stubLLM) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())

	cfg := config.Defaults()
	cfg.Retrieval.UseReranking = false
	cfg.Retrieval.UseMultiQuery = false
	cfg.Transform.EnableHyDE = false
	cfg.Transform.EnableMultiQueryRewrite = false
	cfg.Transform.EnableClassification = false

	return NewService(Deps{
		Config:      config.NewManager(&cfg, zap.NewNop()),
		Embedder:    &stubEmbedder{},
		Store:       store,
		LLM:         engine,
		ResultCache: cache.NewResultCache(cache.Config{}, rw, zap.NewNop()),
		Memory:      conversation.NewMemory(conversation.Config{}, nil, zap.NewNop()),
		Streams:     streaming.NewManager(16),
		Logger:      zap.NewNop(),
	})
}

func TestQueryFullPipeline(t *testing.T) {
	engine := &stubLLM{text: "Shaving waivers allow up to 1/4 inch [1]."}
	svc := newTestService(t, &stubStore{docs: passages()}, engine)

	ans := svc.Query(context.Background(), QueryRequest{Question: "Can I grow a beard?"})

	require.False(t, ans.Error)
	assert.Equal(t, "Shaving waivers allow up to 1/4 inch [1].", ans.Text)
	require.Len(t, ans.Citations, 1)
	assert.Equal(t, "d1", ans.Citations[0].DocumentID)
	assert.False(t, ans.Metadata.CacheHit)
	assert.Contains(t, ans.Metadata.TimingsMs, "total_ms")
	assert.Contains(t, ans.Metadata.TimingsMs, "generate_ms")
}

func TestQuerySecondCallServedFromCache(t *testing.T) {
	engine := &stubLLM{text: "Yes, with a waiver [1]."}
	svc := newTestService(t, &stubStore{docs: passages()}, engine)
	ctx := context.Background()

	first := svc.Query(ctx, QueryRequest{Question: "Can I grow a beard?"})
	require.False(t, first.Error)

	second := svc.Query(ctx, QueryRequest{Question: "Can I grow a beard?"})
	require.False(t, second.Error)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, cache.LayerExact, second.Metadata.CacheLayer)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, int32(1), engine.generated.Load(), "cached answer must not re-invoke the engine")
}

func TestQueryNoDocuments(t *testing.T) {
	engine := &stubLLM{text: "unused"}
	svc := newTestService(t, &stubStore{}, engine)

	ans := svc.Query(context.Background(), QueryRequest{Question: "What about submarines?"})

	require.False(t, ans.Error)
	assert.Contains(t, ans.Text, "No relevant documents")
	assert.Empty(t, ans.Citations)
	assert.Equal(t, int32(0), engine.generated.Load())

	// empty retrievals are not cached
	again := svc.Query(context.Background(), QueryRequest{Question: "What about submarines?"})
	assert.False(t, again.Metadata.CacheHit)
}

func TestQueryEngineBusyMapsToBusyKind(t *testing.T) {
	svc := newTestService(t, &stubStore{docs: passages()}, &stubLLM{err: llm.ErrBusy})

	ans := svc.Query(context.Background(), QueryRequest{Question: "Can I grow a beard?"})

	require.True(t, ans.Error)
	assert.Equal(t, ErrKindBusy, ans.Metadata.ErrorKind)
}

func TestQueryRetrievalDownMapsToRetrievalKind(t *testing.T) {
	svc := newTestService(t, &stubStore{err: vectordb.ErrUnavailable}, &stubLLM{text: "unused"})

	ans := svc.Query(context.Background(), QueryRequest{Question: "Can I grow a beard?"})

	require.True(t, ans.Error)
	assert.Equal(t, ErrKindRetrieval, ans.Metadata.ErrorKind)
}

func TestQueryEmbeddingDownMapsToRetrievalKind(t *testing.T) {
	svc := newTestService(t, &stubStore{docs: passages()}, &stubLLM{text: "unused"})
	svc.embed = &stubEmbedder{err: embeddings.ErrUnavailable}

	ans := svc.Query(context.Background(), QueryRequest{Question: "Can I grow a beard?"})

	require.True(t, ans.Error)
	assert.Equal(t, ErrKindRetrieval, ans.Metadata.ErrorKind)
}

func TestQueryNeuralRerankerToggleGatesCrossEncoder(t *testing.T) {
	var calls atomic.Int32
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Passages []string `json:"passages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string][]float64{"scores": make([]float64, len(body.Passages))})
	}))
	defer sidecar.Close()

	mr := miniredis.RunT(t)
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())

	cfg := config.Defaults()
	cfg.Retrieval.UseMultiQuery = false
	cfg.Transform.EnableHyDE = false
	cfg.Transform.EnableMultiQueryRewrite = false
	cfg.Transform.EnableClassification = false
	cfg.Rerank.EnableLLMReranking = false
	cfg.Rerank.EnableNeuralReranker = false

	svc := NewService(Deps{
		Config:      config.NewManager(&cfg, zap.NewNop()),
		Embedder:    &stubEmbedder{},
		Store:       &stubStore{docs: passages()},
		LLM:         &stubLLM{text: "Yes [1]."},
		Cross:       rerank.NewCrossEncoder(sidecar.URL, time.Second, zap.NewNop()),
		ResultCache: cache.NewResultCache(cache.Config{}, rw, zap.NewNop()),
		Memory:      conversation.NewMemory(conversation.Config{}, nil, zap.NewNop()),
		Streams:     streaming.NewManager(16),
		Logger:      zap.NewNop(),
	})

	ans := svc.Query(context.Background(), QueryRequest{Question: "Can I grow a beard?"})
	require.False(t, ans.Error)
	assert.EqualValues(t, 0, calls.Load(), "disabled neural stage must not reach the sidecar")

	require.NoError(t, svc.cfg.Update(map[string]interface{}{"rerank.enable_neural_reranker": true}))
	ans = svc.Query(context.Background(), QueryRequest{Question: "What about mustaches?"})
	require.False(t, ans.Error)
	assert.EqualValues(t, 1, calls.Load())
}

func TestQueryConversationMemoryRecordsExchange(t *testing.T) {
	svc := newTestService(t, &stubStore{docs: passages()}, &stubLLM{text: "Yes [1]."})

	svc.Query(context.Background(), QueryRequest{Question: "Can I grow a beard?", ConversationID: "conv-1"})

	h := svc.Memory().History("conv-1")
	require.Len(t, h, 1)
	assert.Equal(t, "Can I grow a beard?", h[0].Query)
	assert.Equal(t, []string{"d1", "d2"}, h[0].RetrievedDocIDs)
}

func collect(ch chan streaming.Event, want int, timeout time.Duration) []streaming.Event {
	var out []streaming.Event
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestStreamQueryEventOrder(t *testing.T) {
	engine := &stubLLM{tokens: []string{"Yes, ", "with a ", "waiver ", "[1]."}}
	svc := newTestService(t, &stubStore{docs: passages()}, engine)

	ch := svc.Streams().Subscribe("req-1", 32)
	defer svc.Streams().Unsubscribe("req-1", ch)

	svc.StreamQuery(context.Background(), "req-1", QueryRequest{Question: "Can I grow a beard?"})

	// sources + 4 tokens + metadata + done
	events := collect(ch, 7, time.Second)
	require.Len(t, events, 7)
	assert.Equal(t, streaming.EventSources, events[0].Type)

	var text string
	for _, e := range events[1:5] {
		require.Equal(t, streaming.EventToken, e.Type)
		text += e.Data.(string)
	}
	assert.Equal(t, "Yes, with a waiver [1].", text)
	assert.Equal(t, streaming.EventMetadata, events[5].Type)
	assert.Equal(t, streaming.EventDone, events[6].Type)
}

func TestStreamQueryBusyPublishesError(t *testing.T) {
	svc := newTestService(t, &stubStore{docs: passages()}, &stubLLM{err: llm.ErrBusy})

	ch := svc.Streams().Subscribe("req-2", 32)
	defer svc.Streams().Unsubscribe("req-2", ch)

	svc.StreamQuery(context.Background(), "req-2", QueryRequest{Question: "Can I grow a beard?"})

	events := collect(ch, 2, time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, streaming.EventError, last.Type)
	assert.Equal(t, ErrKindBusy, last.Data.(ErrorEvent).Kind)
}

func TestStreamQueryCacheHitReplaysAnswer(t *testing.T) {
	engine := &stubLLM{text: "Yes [1].", tokens: []string{"unused"}}
	svc := newTestService(t, &stubStore{docs: passages()}, engine)
	ctx := context.Background()

	require.False(t, svc.Query(ctx, QueryRequest{Question: "Can I grow a beard?"}).Error)

	ch := svc.Streams().Subscribe("req-3", 32)
	defer svc.Streams().Unsubscribe("req-3", ch)
	svc.StreamQuery(ctx, "req-3", QueryRequest{Question: "Can I grow a beard?"})

	events := collect(ch, 4, time.Second)
	require.Len(t, events, 4)
	assert.Equal(t, streaming.EventSources, events[0].Type)
	assert.Equal(t, streaming.EventToken, events[1].Type)
	assert.Equal(t, "Yes [1].", events[1].Data.(string))
	assert.Equal(t, streaming.EventDone, events[3].Type)
	assert.Equal(t, int32(1), engine.generated.Load())
}
