package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Env       string
	Database  DatabaseConfig
	Redis     RedisConfig
	Typesense TypesenseConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Registry  RegistryConfig
	Pipeline  PipelineConfig
	OTEL      OTELConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration. When disabled the query
// embedding cache falls back to process memory.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// TypesenseConfig holds Typesense configuration
type TypesenseConfig struct {
	URL    string
	APIKey string
}

// OpenAIConfig holds the embedding service configuration
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	EmbeddingDim   int
	RateLimitRPM   int
	RateLimitBurst int
}

// AnthropicConfig holds the eligibility extraction model configuration
type AnthropicConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	RateLimitRPM   int
	RateLimitBurst int
}

// RegistryConfig holds ClinicalTrials.gov API configuration
type RegistryConfig struct {
	BaseURL     string
	PageSize    int
	IngestLimit int
}

// PipelineConfig holds batch sizes for the enrichment workflows
type PipelineConfig struct {
	EmbeddingBatchSize  int
	ExtractionPageSize  int
	QueryCacheTTLSecond int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

type binding struct {
	key string
	env string
	def interface{}
}

var bindings = []binding{
	{"env", "APP_ENV", "development"},

	{"database.host", "DB_HOST", "localhost"},
	{"database.port", "DB_PORT", 5432},
	{"database.user", "DB_USER", "cleartrial"},
	{"database.password", "DB_PASSWORD", ""},
	{"database.name", "DB_NAME", "cleartrial"},
	{"database.sslmode", "DB_SSLMODE", "disable"},

	{"redis.enabled", "REDIS_ENABLED", false},
	{"redis.host", "REDIS_HOST", "localhost"},
	{"redis.port", "REDIS_PORT", 6379},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},

	{"typesense.url", "TYPESENSE_URL", "http://localhost:8108"},
	{"typesense.api_key", "TYPESENSE_API_KEY", "xyz"},

	{"openai.api_key", "OPENAI_API_KEY", ""},
	{"openai.base_url", "OPENAI_BASE_URL", ""},
	{"openai.embedding_model", "EMBEDDING_MODEL", "text-embedding-3-small"},
	{"openai.embedding_dim", "EMBEDDING_DIM", 1536},
	{"openai.rate_limit_rpm", "OPENAI_RATE_LIMIT_RPM", 500},
	{"openai.rate_limit_burst", "OPENAI_RATE_LIMIT_BURST", 5},

	{"anthropic.api_key", "ANTHROPIC_API_KEY", ""},
	{"anthropic.base_url", "ANTHROPIC_BASE_URL", ""},
	{"anthropic.model", "ANTHROPIC_MODEL", "claude-sonnet-4-20250514"},
	{"anthropic.max_tokens", "ANTHROPIC_MAX_TOKENS", 2000},
	{"anthropic.rate_limit_rpm", "ANTHROPIC_RATE_LIMIT_RPM", 50},
	{"anthropic.rate_limit_burst", "ANTHROPIC_RATE_LIMIT_BURST", 1},

	{"registry.base_url", "CT_API_BASE", "https://clinicaltrials.gov/api/v2"},
	{"registry.page_size", "CT_PAGE_SIZE", 100},
	{"registry.ingest_limit", "INGEST_LIMIT", 0},

	{"pipeline.embedding_batch_size", "EMBEDDING_BATCH_SIZE", 100},
	{"pipeline.extraction_page_size", "EXTRACTION_PAGE_SIZE", 10},
	{"pipeline.query_cache_ttl_seconds", "QUERY_CACHE_TTL_SECONDS", 86400},

	{"otel.service_name", "OTEL_SERVICE_NAME", "cleartrial"},
	{"otel.service_version", "OTEL_SERVICE_VERSION", "0.1.0"},
	{"otel.endpoint", "OTEL_ENDPOINT", ""},
	{"otel.enabled", "OTEL_ENABLED", false},
}

// Load loads configuration from environment variables and an optional
// cleartrial.yaml in the working directory.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path
// searches the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cleartrial")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Env: strings.ToLower(v.GetString("env")),
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			Database: v.GetString("database.name"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Typesense: TypesenseConfig{
			URL:    v.GetString("typesense.url"),
			APIKey: v.GetString("typesense.api_key"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         v.GetString("openai.api_key"),
			BaseURL:        v.GetString("openai.base_url"),
			EmbeddingModel: v.GetString("openai.embedding_model"),
			EmbeddingDim:   v.GetInt("openai.embedding_dim"),
			RateLimitRPM:   v.GetInt("openai.rate_limit_rpm"),
			RateLimitBurst: v.GetInt("openai.rate_limit_burst"),
		},
		Anthropic: AnthropicConfig{
			APIKey:         v.GetString("anthropic.api_key"),
			BaseURL:        v.GetString("anthropic.base_url"),
			Model:          v.GetString("anthropic.model"),
			MaxTokens:      v.GetInt("anthropic.max_tokens"),
			RateLimitRPM:   v.GetInt("anthropic.rate_limit_rpm"),
			RateLimitBurst: v.GetInt("anthropic.rate_limit_burst"),
		},
		Registry: RegistryConfig{
			BaseURL:     v.GetString("registry.base_url"),
			PageSize:    v.GetInt("registry.page_size"),
			IngestLimit: v.GetInt("registry.ingest_limit"),
		},
		Pipeline: PipelineConfig{
			EmbeddingBatchSize:  v.GetInt("pipeline.embedding_batch_size"),
			ExtractionPageSize:  v.GetInt("pipeline.extraction_page_size"),
			QueryCacheTTLSecond: v.GetInt("pipeline.query_cache_ttl_seconds"),
		},
		OTEL: OTELConfig{
			ServiceName:    v.GetString("otel.service_name"),
			ServiceVersion: v.GetString("otel.service_version"),
			Endpoint:       v.GetString("otel.endpoint"),
			Enabled:        v.GetBool("otel.enabled"),
		},
	}

	if cfg.Registry.PageSize <= 0 || cfg.Registry.PageSize > 1000 {
		return nil, fmt.Errorf("CT_PAGE_SIZE must be between 1 and 1000, got %d", cfg.Registry.PageSize)
	}
	if cfg.OpenAI.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", cfg.OpenAI.EmbeddingDim)
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
