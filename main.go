package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/cache"
	"github.com/doctrine-ai/doctrine/internal/circuitbreaker"
	"github.com/doctrine-ai/doctrine/internal/config"
	"github.com/doctrine-ai/doctrine/internal/conversation"
	"github.com/doctrine-ai/doctrine/internal/embeddings"
	"github.com/doctrine-ai/doctrine/internal/health"
	"github.com/doctrine-ai/doctrine/internal/httpapi"
	"github.com/doctrine-ai/doctrine/internal/llm"
	_ "github.com/doctrine-ai/doctrine/internal/metrics" // register collectors
	"github.com/doctrine-ai/doctrine/internal/prefetch"
	"github.com/doctrine-ai/doctrine/internal/rerank"
	"github.com/doctrine-ai/doctrine/internal/server"
	"github.com/doctrine-ai/doctrine/internal/streaming"
	"github.com/doctrine-ai/doctrine/internal/tracing"
	"github.com/doctrine-ai/doctrine/internal/vectordb"
)

// memorySweepInterval paces the idle-conversation reaper.
const memorySweepInterval = 10 * time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	tracing.Initialize("doctrine", logger)

	cfgMgr := config.NewManager(cfg, logger)
	if path := configPath(); path != "" {
		if err := cfgMgr.Watch(path); err != nil {
			logger.Warn("Config hot-reload disabled", zap.String("path", path), zap.Error(err))
		}
	}

	// shared Redis connection behind one circuit breaker; every cache
	// layer degrades to a miss when it opens
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rw := circuitbreaker.NewRedisWrapper(rdb, logger)
	defer rw.Close()

	embedder := embeddings.NewService(embeddings.Config{
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.ModelName,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Normalize: cfg.Embedding.Normalize,
		CacheTTL:  cfg.Embedding.CacheTTL,
		Timeout:   cfg.Embedding.Timeout,
	}, embeddings.NewRedisCache(rw), logger)

	store := vectordb.NewClient(vectordb.Config{
		Host:             cfg.VectorStore.Host,
		Port:             cfg.VectorStore.Port,
		Collection:       cfg.VectorStore.Collection,
		DenseVectorName:  cfg.VectorStore.DenseVectorName,
		SparseVectorName: cfg.VectorStore.SparseVectorName,
		HybridEnabled:    cfg.VectorStore.HybridEnabled,
		DenseWeight:      cfg.Retrieval.DenseWeight,
		SparseWeight:     cfg.Retrieval.SparseWeight,
		Timeout:          cfg.VectorStore.Timeout,
	}, logger)

	// engine init is fatal: without generation the service answers nothing
	engine, err := llm.NewClient(ctx, llm.Config{
		BaseURL:         cfg.LLM.BaseURL,
		QueueDepth:      cfg.LLM.QueueDepth,
		Timeout:         cfg.LLM.Timeout,
		PreserveKVCache: cfg.LLM.PreserveKVCache,
	}, logger)
	if err != nil {
		logger.Fatal("LLM engine init failed", zap.Error(err))
	}
	defer engine.Close()

	cross := rerank.NewCrossEncoder(cfg.Rerank.CrossEncoderURL, cfg.VectorStore.Timeout, logger)
	judge := rerank.NewJudge(judgeGen{engine}, rw, logger)

	results := cache.NewResultCache(cache.Config{
		TTLExact:              cfg.Cache.TTLExact,
		TTLSemantic:           cfg.Cache.TTLSemantic,
		SemanticThreshold:     cfg.Cache.SemanticThreshold,
		OverlapThreshold:      cfg.Cache.OverlapThreshold,
		SemanticCandidatesMax: cfg.Cache.SemanticCandidatesMax,
	}, rw, logger)

	memory := conversation.NewMemory(conversation.Config{
		MaxEntries:     cfg.Memory.MaxEntries,
		SummarizeAfter: cfg.Memory.SummarizeThreshold,
	}, summaryGen{engine}, logger)

	// prefetch warms the embedding cache for predicted follow-ups, so a
	// real follow-up skips the sidecar round trip
	prefetcher := prefetch.NewPrefetcher(prefetch.Config{
		Enabled:       cfg.Prefetch.Enabled,
		MaxConcurrent: cfg.Prefetch.MaxConcurrent,
		WindowSize:    cfg.Prefetch.WindowSize,
		QueueCapacity: cfg.Prefetch.QueueCapacity,
		WarmTTL:       cfg.Cache.TTLPrefetched,
	}, prefetch.WarmerFunc(func(ctx context.Context, query string) error {
		_, err := embedder.EmbedOne(ctx, query)
		return err
	}), logger)
	prefetcher.Start()
	defer prefetcher.Stop()

	svc := server.NewService(server.Deps{
		Config:      cfgMgr,
		Embedder:    embedder,
		Store:       store,
		LLM:         engine,
		Cross:       cross,
		Judge:       judge,
		ResultCache: results,
		Memory:      memory,
		Prefetcher:  prefetcher,
		Streams:     streaming.NewManager(256),
		Logger:      logger,
	})

	hm := health.NewManager(0, 0, logger)
	hm.Register(health.NewChecker("vector_store", true, store.Healthy))
	hm.Register(health.NewChecker("llm", true, engine.Healthy))
	hm.Register(health.NewChecker("embedding", true, embedder.VerifyDimension))
	hm.Register(health.NewChecker("redis", false, func(ctx context.Context) error {
		return rw.Ping(ctx).Err()
	}))
	hm.Register(health.NewChecker("cross_encoder", false, cross.Healthy))
	hm.Start(ctx)
	defer hm.Stop()

	go sweepMemory(ctx, memory, logger)

	mux := http.NewServeMux()
	httpapi.NewServer(svc, cfgMgr, hm, logger).RegisterRoutes(mux)
	api := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
}

// judgeGen adapts the engine to the reranker's generator interface.
type judgeGen struct{ c *llm.Client }

func (g judgeGen) Generate(ctx context.Context, prompt string, opts rerank.GenOptions) (string, error) {
	return g.c.Generate(ctx, prompt, llm.Options{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens})
}

// summaryGen adapts the engine to the conversation summarizer.
type summaryGen struct{ c *llm.Client }

func (g summaryGen) Generate(ctx context.Context, prompt string, opts conversation.SummarizeOptions) (string, error) {
	return g.c.Generate(ctx, prompt, llm.Options{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens})
}

func sweepMemory(ctx context.Context, m *conversation.Memory, logger *zap.Logger) {
	t := time.NewTicker(memorySweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				logger.Info("Swept idle conversations", zap.Int("dropped", n))
			}
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("config/doctrine.yaml"); err == nil {
		return "config/doctrine.yaml"
	}
	return ""
}
