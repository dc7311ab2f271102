package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Router     RouterConfig     `mapstructure:"router"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Context    ContextConfig    `mapstructure:"context"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Flags      map[string]bool  `mapstructure:"flags"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// VectorConfig points at the pgvector-enabled Postgres used for knowledge
// and conversation memory embeddings. It may be the same server as the
// relational database but is pooled separately through pgx.
type VectorConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
	EmbeddingDim   int    `mapstructure:"embedding_dim"`
}

type AuthConfig struct {
	APIKeys     []string  `mapstructure:"api_keys"`
	JWT         JWTConfig `mapstructure:"jwt"`
	RequireAuth bool      `mapstructure:"require_auth"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type RouterConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type BudgetConfig struct {
	DefaultBudget     float64            `mapstructure:"default_budget"`
	ReservationTTL    time.Duration      `mapstructure:"reservation_ttl"`
	CacheReload       time.Duration      `mapstructure:"cache_reload"`
	CostPer1KTokens   map[string]float64 `mapstructure:"cost_per_1k_tokens"`
	AggregateInterval time.Duration      `mapstructure:"aggregate_interval"`
}

type ContextConfig struct {
	MaxContextLength     int     `mapstructure:"max_context_length"`
	CompressionThreshold float64 `mapstructure:"compression_threshold"`
	TemplateCacheSize    int     `mapstructure:"template_cache_size"`
	KnowledgeBudget      int     `mapstructure:"knowledge_budget"`
	SimilarityThreshold  float64 `mapstructure:"similarity_threshold"`
}

// EmbeddingsConfig selects the embedding endpoint used for knowledge and
// memory retrieval.
type EmbeddingsConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProviderConfig struct {
	Name       string        `mapstructure:"name"`
	Type       string        `mapstructure:"type"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	RateLimit  int           `mapstructure:"rate_limit"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Enabled    bool          `mapstructure:"enabled"`
}

// ToolsConfig configures the connection to the external tool-execution
// sidecar. The sidecar speaks JSON-RPC 2.0 over a WebSocket.
type ToolsConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	SidecarURL  string        `mapstructure:"sidecar_url"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/tollgate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// Validate rejects configurations the gateway cannot serve with.
func (c *Config) Validate() error {
	if c.Context.CompressionThreshold <= 0 || c.Context.CompressionThreshold > 1 {
		return fmt.Errorf("context.compression_threshold must be in (0, 1], got %v", c.Context.CompressionThreshold)
	}
	if c.Context.MaxContextLength <= 0 {
		return fmt.Errorf("context.max_context_length must be positive")
	}
	if c.Budget.DefaultBudget < 0 {
		return fmt.Errorf("budget.default_budget must not be negative")
	}
	for _, p := range c.Providers {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("provider entries need both name and type")
		}
		if p.RateLimit < 0 {
			return fmt.Errorf("provider %s: rate_limit must not be negative", p.Name)
		}
	}
	if c.Auth.RequireAuth {
		for _, k := range c.Auth.APIKeys {
			if len(k) < 20 {
				return fmt.Errorf("auth.api_keys entries must be at least 20 characters")
			}
		}
	}
	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Vector store defaults
	viper.SetDefault("vector.max_connections", 10)
	viper.SetDefault("vector.embedding_dim", 1536)

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_minute", 600)

	// Router defaults
	viper.SetDefault("router.default_strategy", "balanced")
	viper.SetDefault("router.request_timeout", "120s")

	// Budget defaults
	viper.SetDefault("budget.default_budget", 10.0)
	viper.SetDefault("budget.reservation_ttl", "300s")
	viper.SetDefault("budget.cache_reload", "5m")
	viper.SetDefault("budget.aggregate_interval", "1h")
	viper.SetDefault("budget.cost_per_1k_tokens", map[string]float64{
		"gpt-3.5-turbo":   0.002,
		"gpt-4":           0.03,
		"claude-3-sonnet": 0.003,
		"claude-3-opus":   0.015,
	})

	// Context engine defaults
	viper.SetDefault("context.max_context_length", 32000)
	viper.SetDefault("context.compression_threshold", 0.8)
	viper.SetDefault("context.template_cache_size", 1000)
	viper.SetDefault("context.knowledge_budget", 1000)
	viper.SetDefault("context.similarity_threshold", 0.7)

	// Embeddings defaults
	viper.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	viper.SetDefault("embeddings.model", "text-embedding-3-small")
	viper.SetDefault("embeddings.timeout", "15s")

	// Tools sidecar defaults
	viper.SetDefault("tools.enabled", false)
	viper.SetDefault("tools.call_timeout", "30s")

	// Feature flag defaults
	viper.SetDefault("flags", map[string]bool{
		"streaming_enabled":   true,
		"context_compression": true,
		"semantic_cache":      false,
		"tool_injection":      true,
	})

	// Auth defaults
	viper.SetDefault("auth.require_auth", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Vector store
	viper.BindEnv("vector.url", "VECTOR_DATABASE_URL")

	// Embeddings
	viper.BindEnv("embeddings.api_key", "EMBEDDINGS_API_KEY")
	viper.BindEnv("embeddings.base_url", "EMBEDDINGS_BASE_URL")
	viper.BindEnv("embeddings.model", "EMBEDDINGS_MODEL")

	// Auth
	viper.BindEnv("auth.jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("auth.require_auth", "TOLLGATE_REQUIRE_AUTH")

	// Rate limiting
	viper.BindEnv("rate_limit.requests_per_minute", "RATE_LIMIT_REQUESTS_PER_MINUTE")

	// Tools sidecar
	viper.BindEnv("tools.enabled", "TOOLS_ENABLED")
	viper.BindEnv("tools.sidecar_url", "TOOLS_SIDECAR_URL")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}

func Get() *Config {
	return cfg
}
