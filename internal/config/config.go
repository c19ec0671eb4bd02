package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full typed configuration for the service. A value copy of
// Config is the per-request snapshot: requests never observe a mid-flight
// settings change.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Rerank      RerankConfig      `mapstructure:"rerank"`
	Transform   TransformConfig   `mapstructure:"transform"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Prefetch    PrefetchConfig    `mapstructure:"prefetch"`
	Memory      MemoryConfig      `mapstructure:"memory"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type VectorStoreConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Collection       string        `mapstructure:"collection"`
	DenseVectorName  string        `mapstructure:"dense_vector_name"`
	SparseVectorName string        `mapstructure:"sparse_vector_name"`
	HybridEnabled    bool          `mapstructure:"hybrid_enabled"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type EmbeddingConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	ModelName string        `mapstructure:"model_name"`
	Dimension int           `mapstructure:"dimension"`
	BatchSize int           `mapstructure:"batch_size"`
	Normalize bool          `mapstructure:"normalize"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Temperature    float64       `mapstructure:"temperature"`
	TopP           float64       `mapstructure:"top_p"`
	TopK           int           `mapstructure:"top_k"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	ContextSize    int           `mapstructure:"context_size"`
	NGPULayers     int           `mapstructure:"n_gpu_layers"`
	DraftModelPath string        `mapstructure:"draft_model_path"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// PreserveKVCache keeps the engine prompt cache warm across requests.
	// Clearing it avoids any context bleed at the cost of a cold prompt
	// evaluation per request; preserved is the default.
	PreserveKVCache bool `mapstructure:"preserve_kv_cache"`
}

type RetrievalConfig struct {
	InitialK           int     `mapstructure:"initial_k"`
	RerankK            int     `mapstructure:"rerank_k"`
	FinalK             int     `mapstructure:"final_k"`
	UseMultiQuery      bool    `mapstructure:"use_multi_query"`
	MultiQueryVariants int     `mapstructure:"multi_query_variants"`
	UseReranking       bool    `mapstructure:"use_reranking"`
	DenseWeight        float64 `mapstructure:"dense_weight"`
	SparseWeight       float64 `mapstructure:"sparse_weight"`
	RRFK               int     `mapstructure:"rrf_k"`
	Fusion             string  `mapstructure:"fusion"` // rrf | dbsf
}

type RerankConfig struct {
	CrossEncoderURL      string  `mapstructure:"cross_encoder_url"`
	CrossEncoderModel    string  `mapstructure:"cross_encoder_model"`
	EnableLLMReranking   bool    `mapstructure:"enable_llm_reranking"`
	EnableNeuralReranker bool    `mapstructure:"enable_neural_reranker"`
	LLMRerankTopN        int     `mapstructure:"llm_rerank_top_n"`
	Preset               string  `mapstructure:"preset"` // quick | quality | deep
	HybridAlpha          float64 `mapstructure:"hybrid_alpha"`
}

type TransformConfig struct {
	EnableHyDE              bool    `mapstructure:"enable_hyde"`
	EnableMultiQueryRewrite bool    `mapstructure:"enable_multiquery_rewrite"`
	EnableClassification    bool    `mapstructure:"enable_classification"`
	ExpansionTemperature    float64 `mapstructure:"expansion_temperature"`
}

type CacheConfig struct {
	TTLExact              time.Duration `mapstructure:"ttl_exact"`
	TTLSemantic           time.Duration `mapstructure:"ttl_semantic"`
	TTLPrefetched         time.Duration `mapstructure:"ttl_prefetched"`
	SemanticThreshold     float64       `mapstructure:"semantic_threshold"`
	OverlapThreshold      float64       `mapstructure:"overlap_threshold"`
	SemanticCandidatesMax int           `mapstructure:"semantic_candidates_max"`
}

type PrefetchConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxConcurrent int  `mapstructure:"max_concurrent"`
	WindowSize    int  `mapstructure:"window_size"`
	QueueCapacity int  `mapstructure:"queue_capacity"`
}

type MemoryConfig struct {
	MaxEntries         int `mapstructure:"max_entries"`
	ContextEntries     int `mapstructure:"context_entries"`
	SummarizeThreshold int `mapstructure:"summarize_threshold"`
}

// Defaults returns the configuration used when no file or override is
// present. Every knob has a working default so the service starts against
// local sidecars with an empty config file.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			MetricsPort: 2112,
			LogLevel:    "info",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		VectorStore: VectorStoreConfig{
			Host:             "localhost",
			Port:             6333,
			Collection:       "policy_chunks",
			DenseVectorName:  "dense",
			SparseVectorName: "sparse",
			HybridEnabled:    true,
			Timeout:          5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:8081",
			ModelName: "bge-large-en-v1.5",
			Dimension: 1024,
			BatchSize: 16,
			Normalize: true,
			CacheTTL:  7 * 24 * time.Hour,
			Timeout:   10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:         "http://localhost:8082",
			Temperature:     0.2,
			TopP:            0.9,
			TopK:            40,
			MaxTokens:       1024,
			ContextSize:     8192,
			QueueDepth:      8,
			Timeout:         120 * time.Second,
			PreserveKVCache: true,
		},
		Retrieval: RetrievalConfig{
			InitialK:           100,
			RerankK:            30,
			FinalK:             8,
			UseMultiQuery:      true,
			MultiQueryVariants: 3,
			UseReranking:       true,
			DenseWeight:        0.7,
			SparseWeight:       0.3,
			RRFK:               60,
			Fusion:             "rrf",
		},
		Rerank: RerankConfig{
			CrossEncoderURL:      "http://localhost:8083",
			CrossEncoderModel:    "cross-encoder/ms-marco-MiniLM-L-6-v2",
			EnableLLMReranking:   true,
			EnableNeuralReranker: true,
			LLMRerankTopN:        3,
			Preset:               "quality",
			HybridAlpha:          0.7,
		},
		Transform: TransformConfig{
			EnableHyDE:              true,
			EnableMultiQueryRewrite: true,
			EnableClassification:    true,
			ExpansionTemperature:    0.3,
		},
		Cache: CacheConfig{
			TTLExact:              time.Hour,
			TTLSemantic:           time.Hour,
			TTLPrefetched:         15 * time.Minute,
			SemanticThreshold:     0.98,
			OverlapThreshold:      0.80,
			SemanticCandidatesMax: 32,
		},
		Prefetch: PrefetchConfig{
			Enabled:       true,
			MaxConcurrent: 3,
			WindowSize:    5,
			QueueCapacity: 64,
		},
		Memory: MemoryConfig{
			MaxEntries:         10,
			ContextEntries:     3,
			SummarizeThreshold: 8,
		},
	}
}

// rerankPresets override llm_rerank_top_n per preset name.
var rerankPresets = map[string]int{
	"quick":   2,
	"quality": 3,
	"deep":    5,
}

// ApplyPreset resolves the rerank preset into its concrete knobs. Unknown
// presets leave the explicit llm_rerank_top_n in place.
func (c *Config) ApplyPreset() {
	if n, ok := rerankPresets[c.Rerank.Preset]; ok {
		c.Rerank.LLMRerankTopN = n
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Retrieval.FinalK <= 0 || c.Retrieval.RerankK < c.Retrieval.FinalK || c.Retrieval.InitialK < c.Retrieval.RerankK {
		return fmt.Errorf("retrieval k values must satisfy initial_k >= rerank_k >= final_k > 0 (got %d/%d/%d)",
			c.Retrieval.InitialK, c.Retrieval.RerankK, c.Retrieval.FinalK)
	}
	if c.Cache.SemanticThreshold < 0.95 {
		return fmt.Errorf("cache.semantic_threshold must be >= 0.95, got %v", c.Cache.SemanticThreshold)
	}
	if c.Cache.OverlapThreshold <= 0 || c.Cache.OverlapThreshold > 1.0 {
		return fmt.Errorf("cache.overlap_threshold must be in (0,1], got %v", c.Cache.OverlapThreshold)
	}
	if a := c.Rerank.HybridAlpha; a < 0 || a > 1 {
		return fmt.Errorf("rerank.hybrid_alpha must be in [0,1], got %v", a)
	}
	if dw, sw := c.Retrieval.DenseWeight, c.Retrieval.SparseWeight; dw < 0 || sw < 0 || dw+sw <= 0 {
		return fmt.Errorf("retrieval dense/sparse weights must be non-negative with a positive sum, got %v/%v", dw, sw)
	}
	switch c.Retrieval.Fusion {
	case "rrf", "dbsf":
	default:
		return fmt.Errorf("retrieval.fusion must be rrf or dbsf, got %q", c.Retrieval.Fusion)
	}
	return nil
}

// Load reads configuration from CONFIG_PATH (default config/doctrine.yaml)
// merged over Defaults, with DOCTRINE_* environment overrides
// (DOCTRINE_REDIS_ADDR, DOCTRINE_LLM_BASE_URL, ...). A missing file is not
// an error; the defaults stand.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/doctrine.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("DOCTRINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyPreset()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
