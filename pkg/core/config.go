package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Kalito-Labs/Luna-sub004/pkg/cache"
	"github.com/Kalito-Labs/Luna-sub004/pkg/intelligence"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// Default memory settings.
const (
	DefaultRecentMessageCount = 10
	DefaultTopPinCount        = 5
	DefaultRecentSummaryCount = 3
	DefaultContextTimeout     = 3 * time.Second
)

// Config contains the complete configuration for a Luna memory client.
//
// Example:
//
//	config := &core.Config{
//	    Store: core.StoreConfig{
//	        Provider: "sqlite",
//	        SQLite:   core.SQLiteConfig{Path: "./luna_memory.db"},
//	    },
//	    LLM: core.LLMConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	        Model:    "gpt-4o-mini",
//	    },
//	}
type Config struct {
	// Store selects and configures the persistence backend.
	Store StoreConfig `json:"store"`

	// LLM configures the model used for summarization.
	LLM LLMConfig `json:"llm"`

	// Cache selects the recency cache.
	Cache CacheConfig `json:"cache"`

	// Memory contains the context assembly knobs.
	Memory MemoryConfig `json:"memory"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `json:"log_level,omitempty"`

	// MetricsLabels are constant Prometheus labels, "key=value,key=value".
	MetricsLabels string `json:"metrics_labels,omitempty"`
}

// StoreConfig contains configuration for the store.
//
// Supported providers: sqlite, postgres, mysql
type StoreConfig struct {
	Provider string         `json:"provider"`
	SQLite   SQLiteConfig   `json:"sqlite,omitempty"`
	Postgres PostgresConfig `json:"postgres,omitempty"`
	MySQL    MySQLConfig    `json:"mysql,omitempty"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `json:"path"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode,omitempty"`
}

// MySQLConfig configures the MySQL store.
type MySQLConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai, deepseek, ollama, none. With "none" no
// summaries are produced.
type LLMConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`

	// Model is the provider default. Sessions that name a model summarize
	// with it instead.
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`
}

// CacheConfig selects the recency cache.
//
// Supported providers: local, redis
type CacheConfig struct {
	Provider string `json:"provider"`
	RedisURL string `json:"redis_url,omitempty"`

	// JanitorIntervalMs is how often expired local entries are swept.
	// Defaults to the cache TTL.
	JanitorIntervalMs int `json:"janitor_interval_ms,omitempty"`
}

// MemoryConfig contains the context assembly and summarization knobs.
type MemoryConfig struct {
	// RecentMessageCount is K, the number of recent messages in a context.
	RecentMessageCount int `json:"recent_message_count"`

	// TopPinCount is the number of pins in a context.
	TopPinCount int `json:"top_pin_count"`

	// RecentSummaryCount is the number of summaries in a context.
	RecentSummaryCount int `json:"recent_summary_count"`

	// CacheTTLMs is the recency cache freshness window.
	CacheTTLMs int `json:"cache_ttl_ms"`

	// SummaryThreshold is the number of unsummarized messages that triggers
	// a summary.
	SummaryThreshold int `json:"summary_threshold"`

	DefaultPinImportance     float64 `json:"default_pin_importance"`
	DefaultSummaryImportance float64 `json:"default_summary_importance"`

	// SummaryTimeoutMs bounds one summarization call.
	SummaryTimeoutMs int `json:"summary_timeout_ms"`

	// ContextTimeoutMs bounds a whole context build.
	ContextTimeoutMs int `json:"context_timeout_ms"`

	// AsyncSummarization runs the summarization check in the background
	// after RecordMessage returns.
	AsyncSummarization bool `json:"async_summarization"`

	// AutoPinThreshold pins user messages scoring at or above it. 0 disables
	// automatic pins.
	AutoPinThreshold float64 `json:"auto_pin_threshold,omitempty"`

	// SnowflakeNode is the node ID used for record IDs (0-1023).
	SnowflakeNode int64 `json:"snowflake_node"`
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DATABASE, POSTGRES_SSLMODE
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - CACHE_PROVIDER (local, redis), REDIS_URL
//   - MEMORY_* knobs (see MemoryConfig), LOG_LEVEL, METRICS_LABELS
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
	return configFromEnv()
}

func configFromEnv() (*Config, error) {
	cfg := &Config{
		Store: StoreConfig{
			Provider: getEnvOrDefault("DATABASE_PROVIDER", "sqlite"),
			SQLite: SQLiteConfig{
				Path: getEnvOrDefault("SQLITE_PATH", "./luna_memory.db"),
			},
			Postgres: PostgresConfig{
				Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
				User:     getEnvOrDefault("POSTGRES_USER", "postgres"),
				Password: os.Getenv("POSTGRES_PASSWORD"),
				DBName:   getEnvOrDefault("POSTGRES_DATABASE", "luna"),
				SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
			},
			MySQL: MySQLConfig{
				Host:     getEnvOrDefault("MYSQL_HOST", "127.0.0.1"),
				User:     getEnvOrDefault("MYSQL_USER", "root"),
				Password: os.Getenv("MYSQL_PASSWORD"),
				DBName:   getEnvOrDefault("MYSQL_DATABASE", "luna"),
			},
		},
		LLM: LLMConfig{
			Provider: getEnvOrDefault("LLM_PROVIDER", "openai"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    os.Getenv("LLM_MODEL"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		},
		Cache: CacheConfig{
			Provider: getEnvOrDefault("CACHE_PROVIDER", "local"),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		MetricsLabels: os.Getenv("METRICS_LABELS"),
	}

	var err error
	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"POSTGRES_PORT", &cfg.Store.Postgres.Port, 5432},
		{"MYSQL_PORT", &cfg.Store.MySQL.Port, 3306},
		{"CACHE_JANITOR_INTERVAL_MS", &cfg.Cache.JanitorIntervalMs, 0},
		{"MEMORY_RECENT_MESSAGE_COUNT", &cfg.Memory.RecentMessageCount, DefaultRecentMessageCount},
		{"MEMORY_TOP_PIN_COUNT", &cfg.Memory.TopPinCount, DefaultTopPinCount},
		{"MEMORY_RECENT_SUMMARY_COUNT", &cfg.Memory.RecentSummaryCount, DefaultRecentSummaryCount},
		{"MEMORY_CACHE_TTL_MS", &cfg.Memory.CacheTTLMs, int(cache.DefaultTTL / time.Millisecond)},
		{"MEMORY_SUMMARY_THRESHOLD", &cfg.Memory.SummaryThreshold, intelligence.DefaultSummaryThreshold},
		{"MEMORY_SUMMARY_TIMEOUT_MS", &cfg.Memory.SummaryTimeoutMs, int(intelligence.DefaultSummaryTimeout / time.Millisecond)},
		{"MEMORY_CONTEXT_TIMEOUT_MS", &cfg.Memory.ContextTimeoutMs, int(DefaultContextTimeout / time.Millisecond)},
	}
	for _, v := range ints {
		if *v.dst, err = getEnvInt(v.key, v.def); err != nil {
			return nil, err
		}
	}

	floats := []struct {
		key string
		dst *float64
		def float64
	}{
		{"MEMORY_DEFAULT_PIN_IMPORTANCE", &cfg.Memory.DefaultPinImportance, model.DefaultPinImportance},
		{"MEMORY_DEFAULT_SUMMARY_IMPORTANCE", &cfg.Memory.DefaultSummaryImportance, model.DefaultSummaryImportance},
		{"MEMORY_AUTO_PIN_THRESHOLD", &cfg.Memory.AutoPinThreshold, 0},
	}
	for _, v := range floats {
		raw := os.Getenv(v.key)
		if raw == "" {
			*v.dst = v.def
			continue
		}
		if *v.dst, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, NewMemoryError("LoadConfigFromEnv", fmt.Errorf("%w: %s: %w", ErrInvalidConfig, v.key, err))
		}
	}

	if raw := os.Getenv("MEMORY_ASYNC_SUMMARIZATION"); raw != "" {
		if cfg.Memory.AsyncSummarization, err = strconv.ParseBool(raw); err != nil {
			return nil, NewMemoryError("LoadConfigFromEnv", fmt.Errorf("%w: MEMORY_ASYNC_SUMMARIZATION: %w", ErrInvalidConfig, err))
		}
	}
	node, err := getEnvInt("MEMORY_SNOWFLAKE_NODE", 1)
	if err != nil {
		return nil, err
	}
	cfg.Memory.SnowflakeNode = int64(node)

	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return configFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file. Fields left out
// of the file take their defaults.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}
	config.applyDefaults()
	return &config, nil
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Store.Provider == "" {
		c.Store.Provider = "sqlite"
	}
	if c.Store.Provider == "sqlite" && c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "./luna_memory.db"
	}
	if c.Cache.Provider == "" {
		c.Cache.Provider = "local"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	m := &c.Memory
	if m.RecentMessageCount == 0 {
		m.RecentMessageCount = DefaultRecentMessageCount
	}
	if m.TopPinCount == 0 {
		m.TopPinCount = DefaultTopPinCount
	}
	if m.RecentSummaryCount == 0 {
		m.RecentSummaryCount = DefaultRecentSummaryCount
	}
	if m.CacheTTLMs == 0 {
		m.CacheTTLMs = int(cache.DefaultTTL / time.Millisecond)
	}
	if m.SummaryThreshold == 0 {
		m.SummaryThreshold = intelligence.DefaultSummaryThreshold
	}
	if m.DefaultPinImportance == 0 {
		m.DefaultPinImportance = model.DefaultPinImportance
	}
	if m.DefaultSummaryImportance == 0 {
		m.DefaultSummaryImportance = model.DefaultSummaryImportance
	}
	if m.SummaryTimeoutMs == 0 {
		m.SummaryTimeoutMs = int(intelligence.DefaultSummaryTimeout / time.Millisecond)
	}
	if m.ContextTimeoutMs == 0 {
		m.ContextTimeoutMs = int(DefaultContextTimeout / time.Millisecond)
	}
	if m.SnowflakeNode == 0 {
		m.SnowflakeNode = 1
	}
}

// DefaultConfig returns a configuration with a SQLite store at path, the
// local cache and no LLM.
func DefaultConfig(path string) *Config {
	cfg := &Config{Store: StoreConfig{Provider: "sqlite", SQLite: SQLiteConfig{Path: path}}}
	cfg.applyDefaults()
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Provider {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return NewMemoryError("Validate", fmt.Errorf("%w: sqlite path is empty", ErrInvalidConfig))
		}
	case "postgres", "mysql":
	default:
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown store provider %q", ErrInvalidConfig, c.Store.Provider))
	}

	switch c.LLM.Provider {
	case "openai", "deepseek", "ollama", "none":
	default:
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown llm provider %q", ErrInvalidConfig, c.LLM.Provider))
	}

	switch c.Cache.Provider {
	case "local":
	case "redis":
		if c.Cache.RedisURL == "" {
			return NewMemoryError("Validate", fmt.Errorf("%w: redis cache requires REDIS_URL", ErrInvalidConfig))
		}
	default:
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown cache provider %q", ErrInvalidConfig, c.Cache.Provider))
	}

	m := c.Memory
	if m.RecentMessageCount < 0 || m.TopPinCount < 0 || m.RecentSummaryCount < 0 {
		return NewMemoryError("Validate", fmt.Errorf("%w: negative context counts", ErrInvalidConfig))
	}
	if m.CacheTTLMs < 0 || m.SummaryTimeoutMs < 0 || m.ContextTimeoutMs < 0 {
		return NewMemoryError("Validate", fmt.Errorf("%w: negative durations", ErrInvalidConfig))
	}
	if m.SummaryThreshold < 1 {
		return NewMemoryError("Validate", fmt.Errorf("%w: summary threshold must be at least 1", ErrInvalidConfig))
	}
	for _, v := range []float64{m.DefaultPinImportance, m.DefaultSummaryImportance, m.AutoPinThreshold} {
		if v < 0 || v > 1 {
			return NewMemoryError("Validate", fmt.Errorf("%w: importance values must be in [0,1]", ErrInvalidConfig))
		}
	}
	if m.SnowflakeNode < 0 || m.SnowflakeNode > 1023 {
		return NewMemoryError("Validate", fmt.Errorf("%w: snowflake node must be in [0,1023]", ErrInvalidConfig))
	}
	return nil
}

func (m MemoryConfig) cacheTTL() time.Duration {
	return msDuration(m.CacheTTLMs)
}

func (m MemoryConfig) summaryTimeout() time.Duration {
	return msDuration(m.SummaryTimeoutMs)
}

func (m MemoryConfig) contextTimeout() time.Duration {
	return msDuration(m.ContextTimeoutMs)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, NewMemoryError("LoadConfigFromEnv", fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err))
	}
	return v, nil
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
