package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query pipeline metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_queries_total",
			Help: "Total number of queries handled",
		},
		[]string{"mode", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doctrine_query_duration_seconds",
			Help:    "End-to-end query latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doctrine_stage_duration_seconds",
			Help:    "Per-stage pipeline latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Result cache metrics (L1 exact / L2 normalized / L3 semantic)
	ResultCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_result_cache_hits_total",
			Help: "Result cache hits by layer",
		},
		[]string{"layer"},
	)

	ResultCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "doctrine_result_cache_misses_total",
			Help: "Result cache misses across all layers",
		},
	)

	SemanticCandidatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_semantic_candidates_rejected_total",
			Help: "L3 semantic candidates rejected during validation",
		},
		[]string{"reason"}, // similarity | overlap
	)

	// Embedding metrics (client + L4 cache)
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doctrine_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_embedding_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"}, // lru | redis
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "doctrine_embedding_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"kind", "status"}, // dense | sparse | hybrid
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doctrine_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_llm_requests_total",
			Help: "Total number of LLM invocations",
		},
		[]string{"kind", "status"}, // generate | stream
	)

	LLMQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "doctrine_llm_queue_depth",
			Help: "Requests waiting for the LLM worker",
		},
	)

	LLMBusyRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "doctrine_llm_busy_rejections_total",
			Help: "Requests fast-failed because the LLM queue was full",
		},
	)

	LLMGenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "doctrine_llm_generation_duration_seconds",
			Help:    "LLM generation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// Rerank metrics
	RerankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_rerank_requests_total",
			Help: "Reranker invocations by stage",
		},
		[]string{"stage", "status"}, // cross_encoder | fine
	)

	RerankScoreParseFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "doctrine_rerank_score_parse_fallbacks_total",
			Help: "LLM judge scores that fell back to the neutral default",
		},
	)

	// Prefetch metrics
	PrefetchEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_prefetch_enqueued_total",
			Help: "Prefetch tasks enqueued by priority",
		},
		[]string{"priority"},
	)

	PrefetchDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_prefetch_dropped_total",
			Help: "Prefetch tasks dropped on overflow or gating",
		},
		[]string{"priority"},
	)

	PrefetchExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_prefetch_executed_total",
			Help: "Prefetch tasks executed by status",
		},
		[]string{"status"},
	)

	PrefetchHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "doctrine_prefetch_hits_total",
			Help: "Real queries that matched a still-valid prefetch entry",
		},
	)

	// Conversation metrics
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "doctrine_conversations_active",
			Help: "Number of conversations with live history",
		},
	)

	ConversationSummarizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_conversation_summarizations_total",
			Help: "History summarization attempts by status",
		},
		[]string{"status"},
	)
)

// RecordEmbeddingMetrics records one embedding client call.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records one vector store call.
func RecordVectorSearchMetrics(kind, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(kind, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(kind).Observe(durationSeconds)
	}
}

// RecordStageDuration records one pipeline stage duration.
func RecordStageDuration(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}
