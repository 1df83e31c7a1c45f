// Package config provides configuration management for riahunter.
//
// Settings are resolved in the order: environment variables with the
// RIAHUNTER_ prefix, then an optional YAML config file, then defaults. Nested
// keys map to environment names by replacing "." with "_", so
// embedding.openai.api_key is read from RIAHUNTER_EMBEDDING_OPENAI_API_KEY.
//
// Load uses its own viper instance; nothing here touches process-wide state.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "RIAHUNTER"

// Config holds all configuration settings for riahunter.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Index     IndexConfig     `mapstructure:"index" yaml:"index"`
	Query     QueryConfig     `mapstructure:"query" yaml:"query"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// StorageConfig contains corpus store configuration.
type StorageConfig struct {
	Engine string `mapstructure:"engine" yaml:"engine"` // sqlite or postgres (default: sqlite)
	DSN    string `mapstructure:"dsn" yaml:"dsn"`       // postgres DSN or sqlite file path (default: ./data/riahunter.db)
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`   // openai, ollama, vertex, langchain, hashing (default: hashing)
	Model     string `mapstructure:"model" yaml:"model"`         // provider model; empty uses the provider default
	Dimension int    `mapstructure:"dimension" yaml:"dimension"` // stored vector width (default: 384)
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`

	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"` // per provider call
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`

	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // provider calls per second, 0 disables
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`

	BreakerMaxFailures int           `mapstructure:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`

	OpenAI    OpenAIConfig    `mapstructure:"openai" yaml:"openai"`
	Ollama    OllamaConfig    `mapstructure:"ollama" yaml:"ollama"`
	Vertex    VertexConfig    `mapstructure:"vertex" yaml:"vertex"`
	LangChain LangChainConfig `mapstructure:"langchain" yaml:"langchain"`
	Hashing   HashingConfig   `mapstructure:"hashing" yaml:"hashing"`
}

// OpenAIConfig holds OpenAI credentials.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// OllamaConfig holds the Ollama endpoint.
type OllamaConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// VertexConfig holds Vertex AI project settings.
type VertexConfig struct {
	Project     string `mapstructure:"project" yaml:"project"`
	Location    string `mapstructure:"location" yaml:"location"`
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
}

// LangChainConfig points the langchaingo embedder at an OpenAI-compatible API.
type LangChainConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Token   string `mapstructure:"token" yaml:"token"`
}

// HashingConfig configures the local feature-hashing embedder.
type HashingConfig struct {
	NativeDimension int `mapstructure:"native_dimension" yaml:"native_dimension"` // 0 means same as Dimension
}

// IndexConfig contains vector index settings.
type IndexConfig struct {
	Backend        string `mapstructure:"backend" yaml:"backend"` // memory or native (default: memory)
	M              int    `mapstructure:"m" yaml:"m"`
	EfConstruction int    `mapstructure:"ef_construction" yaml:"ef_construction"`
	EfSearch       int    `mapstructure:"ef_search" yaml:"ef_search"`
	SnapshotPath   string `mapstructure:"snapshot_path" yaml:"snapshot_path"`
}

// QueryConfig contains hybrid query tuning.
type QueryConfig struct {
	VectorThreshold  float64       `mapstructure:"vector_threshold" yaml:"vector_threshold"`
	LexicalThreshold float64       `mapstructure:"lexical_threshold" yaml:"lexical_threshold"`
	LexicalWeight    float64       `mapstructure:"lexical_weight" yaml:"lexical_weight"`
	EfSearch         int           `mapstructure:"ef_search" yaml:"ef_search"`
	CandidatePool    int           `mapstructure:"candidate_pool" yaml:"candidate_pool"` // vector candidates fetched before filtering
	MaxCandidatePool int           `mapstructure:"max_candidate_pool" yaml:"max_candidate_pool"` // widening cap for filtered queries
	DefaultLimit     int           `mapstructure:"default_limit" yaml:"default_limit"`
	MaxLimit         int           `mapstructure:"max_limit" yaml:"max_limit"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheSize        int           `mapstructure:"cache_size" yaml:"cache_size"`
	ExcerptLength    int           `mapstructure:"excerpt_length" yaml:"excerpt_length"`
}

// WorkerConfig contains embedding worker settings.
type WorkerConfig struct {
	Replicas            int           `mapstructure:"replicas" yaml:"replicas"`
	Partitions          int           `mapstructure:"partitions" yaml:"partitions"`
	PoolSize            int           `mapstructure:"pool_size" yaml:"pool_size"`
	RestartDelay        time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
	DiagnosticsSchedule string        `mapstructure:"diagnostics_schedule" yaml:"diagnostics_schedule"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // console, json
}

// setDefaults registers a default for every key so AutomaticEnv can see
// nested keys during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.engine", "sqlite")
	v.SetDefault("storage.dsn", "./data/riahunter.db")

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.batch_size", 50)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_attempts", 5)
	v.SetDefault("embedding.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("embedding.rate_limit", 2.0)
	v.SetDefault("embedding.rate_burst", 1)
	v.SetDefault("embedding.breaker_max_failures", 5)
	v.SetDefault("embedding.breaker_timeout", 30*time.Second)
	v.SetDefault("embedding.openai.api_key", "")
	v.SetDefault("embedding.openai.base_url", "https://api.openai.com")
	v.SetDefault("embedding.ollama.url", "http://localhost:11434")
	v.SetDefault("embedding.vertex.project", "")
	v.SetDefault("embedding.vertex.location", "us-central1")
	v.SetDefault("embedding.vertex.access_token", "")
	v.SetDefault("embedding.vertex.base_url", "")
	v.SetDefault("embedding.langchain.base_url", "")
	v.SetDefault("embedding.langchain.token", "")
	v.SetDefault("embedding.hashing.native_dimension", 0)

	v.SetDefault("index.backend", "memory")
	v.SetDefault("index.m", 16)
	v.SetDefault("index.ef_construction", 200)
	v.SetDefault("index.ef_search", 40)
	v.SetDefault("index.snapshot_path", "")

	v.SetDefault("query.vector_threshold", 0.5)
	v.SetDefault("query.lexical_threshold", 0.1)
	v.SetDefault("query.lexical_weight", 0.8)
	v.SetDefault("query.ef_search", 100)
	v.SetDefault("query.candidate_pool", 200)
	v.SetDefault("query.max_candidate_pool", 10000)
	v.SetDefault("query.default_limit", 10)
	v.SetDefault("query.max_limit", 100)
	v.SetDefault("query.timeout", 10*time.Second)
	v.SetDefault("query.cache_size", 1024)
	v.SetDefault("query.excerpt_length", 240)

	v.SetDefault("worker.replicas", 2)
	v.SetDefault("worker.partitions", 4)
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.restart_delay", 5*time.Second)
	v.SetDefault("worker.diagnostics_schedule", "@every 1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration from the environment and, when path is non-empty,
// from a YAML file at path. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional provider variables are honoured as fallbacks.
	_ = v.BindEnv("embedding.openai.api_key", EnvPrefix+"_EMBEDDING_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("embedding.vertex.project", EnvPrefix+"_EMBEDDING_VERTEX_PROJECT", "GOOGLE_CLOUD_PROJECT")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Embedding.Provider = strings.ToLower(strings.TrimSpace(cfg.Embedding.Provider))
	cfg.Storage.Engine = strings.ToLower(strings.TrimSpace(cfg.Storage.Engine))
	cfg.Index.Backend = strings.ToLower(strings.TrimSpace(cfg.Index.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.DSN == "" {
		return errors.New("config: storage.dsn is required")
	}

	switch c.Embedding.Provider {
	case "openai", "ollama", "vertex", "langchain", "hashing":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("config: embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("config: embedding.max_attempts must be positive, got %d", c.Embedding.MaxAttempts)
	}
	if c.Embedding.Provider == "vertex" && c.Embedding.Vertex.Project == "" {
		return errors.New("config: embedding.vertex.project is required for the vertex provider")
	}

	switch c.Index.Backend {
	case "memory":
	case "native":
		if c.Storage.Engine != "postgres" {
			return errors.New("config: index.backend native requires storage.engine postgres")
		}
	default:
		return fmt.Errorf("config: unknown index backend %q", c.Index.Backend)
	}
	if c.Index.M < 2 {
		return fmt.Errorf("config: index.m must be at least 2, got %d", c.Index.M)
	}

	if c.Query.VectorThreshold < 0 || c.Query.VectorThreshold > 1 {
		return fmt.Errorf("config: query.vector_threshold must be in [0,1], got %v", c.Query.VectorThreshold)
	}
	if c.Query.LexicalThreshold < 0 || c.Query.LexicalThreshold > 1 {
		return fmt.Errorf("config: query.lexical_threshold must be in [0,1], got %v", c.Query.LexicalThreshold)
	}
	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit < c.Query.DefaultLimit {
		return fmt.Errorf("config: invalid query limits default=%d max=%d", c.Query.DefaultLimit, c.Query.MaxLimit)
	}

	if c.Worker.Replicas <= 0 {
		return fmt.Errorf("config: worker.replicas must be positive, got %d", c.Worker.Replicas)
	}
	if c.Worker.Partitions < c.Worker.Replicas {
		return fmt.Errorf("config: worker.partitions (%d) must be >= worker.replicas (%d)",
			c.Worker.Partitions, c.Worker.Replicas)
	}
	return nil
}
