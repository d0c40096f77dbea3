package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GROUNDCHAT_LLM_MODEL.
const EnvPrefix = "GROUNDCHAT"

// Config holds all application configuration.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Chunker   ChunkerConfig   `mapstructure:"chunker"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Events    EventsConfig    `mapstructure:"events"`
}

type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`

	// Zero disables client-side rate limiting.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// EmbeddingConfig configures the embedding provider. Empty provider,
// api_key and base_url inherit from the LLM section.
type EmbeddingConfig struct {
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Resolve returns the embedding config with unset fields taken from llm.
// An anthropic chat provider does not carry over, since it cannot embed.
func (c EmbeddingConfig) Resolve(llm LLMConfig) EmbeddingConfig {
	resolved := c
	if resolved.Provider == "" {
		resolved.Provider = llm.Provider
		if resolved.Provider == "anthropic" {
			resolved.Provider = "openai"
		} else if resolved.BaseURL == "" {
			resolved.BaseURL = llm.BaseURL
		}
	}
	if resolved.APIKey == "" && resolved.Provider == llm.Provider {
		resolved.APIKey = llm.APIKey
	}
	if resolved.Timeout == 0 {
		resolved.Timeout = llm.Timeout
	}
	return resolved
}

type VectorConfig struct {
	Backend    string `mapstructure:"backend"` // sqlite or qdrant
	Path       string `mapstructure:"path"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
}

type MemoryConfig struct {
	Backend      string        `mapstructure:"backend"` // redis or memory
	RedisURL     string        `mapstructure:"redis_url"`
	MaxTurns     int           `mapstructure:"max_turns"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RetrievalConfig struct {
	DefaultK        int     `mapstructure:"default_k"`
	MaxK            int     `mapstructure:"max_k"`
	MinScore        float64 `mapstructure:"min_score"`
	OverfetchFactor int     `mapstructure:"overfetch_factor"`
	OverfetchCap    int     `mapstructure:"overfetch_cap"`
	MinChunkChars   int     `mapstructure:"min_chunk_chars"`
	SystemPrompt    string  `mapstructure:"system_prompt"`
}

type ChunkerConfig struct {
	ChunkChars  int `mapstructure:"chunk_chars"`
	Overlap     int `mapstructure:"overlap"`
	MinLookback int `mapstructure:"min_lookback"`
}

type IngestConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	Parallelism   int           `mapstructure:"parallelism"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	OwnerHeader     string        `mapstructure:"owner_header"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

var defaults = map[string]any{
	"llm.provider":            "openai",
	"llm.model":               "gpt-4.1-mini",
	"llm.api_key":             "",
	"llm.base_url":            "",
	"llm.temperature":         0.2,
	"llm.max_tokens":          0,
	"llm.timeout":             "30s",
	"llm.max_attempts":        3,
	"llm.requests_per_minute": 0,
	"llm.burst":               10,

	"embedding.provider":   "",
	"embedding.model":      "text-embedding-3-small",
	"embedding.api_key":    "",
	"embedding.base_url":   "",
	"embedding.batch_size": 64,
	"embedding.timeout":    "60s",

	"vector.backend":    "sqlite",
	"vector.path":       "./vectorstore/chunks.db",
	"vector.host":       "localhost",
	"vector.port":       6334,
	"vector.api_key":    "",
	"vector.collection": "docs",

	"memory.backend":       "redis",
	"memory.redis_url":     "redis://localhost:6379/0",
	"memory.max_turns":     8,
	"memory.session_ttl":   "0s",
	"memory.write_timeout": "5s",

	"retrieval.default_k":        6,
	"retrieval.max_k":            20,
	"retrieval.min_score":        0.30,
	"retrieval.overfetch_factor": 20,
	"retrieval.overfetch_cap":    100,
	"retrieval.min_chunk_chars":  200,
	"retrieval.system_prompt":    "You are a helpful, concise assistant. If unsure, say you don't know.",

	"chunker.chunk_chars":  2000,
	"chunker.overlap":      300,
	"chunker.min_lookback": 200,

	"ingest.data_dir":       "./data",
	"ingest.parallelism":    4,
	"ingest.watch_debounce": "500ms",

	"server.addr":             ":8000",
	"server.owner_header":     "X-User-ID",
	"server.read_timeout":     "15s",
	"server.write_timeout":    "120s",
	"server.shutdown_timeout": "30s",

	"log.level":  "info",
	"log.format": "text",

	"tracing.endpoint":     "",
	"tracing.service_name": "groundchat",
	"tracing.environment":  "development",
	"tracing.sample_rate":  1.0,

	"events.enabled": true,
	"events.dir":     "logs",
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	// Check for empty API key with active provider (skip "none" and local ollama)
	if needsKey(c.LLM.Provider) && c.LLM.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("LLM provider '%s' is configured but api_key is empty", c.LLM.Provider))
	}
	emb := c.Embedding.Resolve(c.LLM)
	if emb.Provider != c.LLM.Provider && needsKey(emb.Provider) && emb.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is configured but api_key is empty", emb.Provider))
	}

	// Check temperature range [0, 2.0]
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2.0 {
		warnings = append(warnings, fmt.Sprintf("LLM temperature %.2f is outside recommended range [0.0, 2.0]", c.LLM.Temperature))
	}

	if c.LLM.MaxTokens < 0 {
		warnings = append(warnings, fmt.Sprintf("LLM max_tokens %d is negative", c.LLM.MaxTokens))
	}

	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		warnings = append(warnings, fmt.Sprintf("retrieval min_score %.2f is outside [0, 1]", c.Retrieval.MinScore))
	}
	if c.Retrieval.MaxK > 0 && c.Retrieval.DefaultK > c.Retrieval.MaxK {
		warnings = append(warnings, fmt.Sprintf("retrieval default_k %d exceeds max_k %d", c.Retrieval.DefaultK, c.Retrieval.MaxK))
	}
	if c.Chunker.ChunkChars > 0 && c.Chunker.Overlap >= c.Chunker.ChunkChars {
		warnings = append(warnings, fmt.Sprintf("chunker overlap %d is not smaller than chunk_chars %d", c.Chunker.Overlap, c.Chunker.ChunkChars))
	}

	switch c.Vector.Backend {
	case "", "sqlite", "qdrant":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown vector backend '%s'", c.Vector.Backend))
	}
	switch c.Memory.Backend {
	case "", "redis", "memory":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown memory backend '%s'", c.Memory.Backend))
	}

	return warnings
}

func needsKey(provider string) bool {
	switch provider {
	case "", "none", "ollama", "custom":
		return false
	}
	return true
}

// Load reads configuration from .env, an optional YAML file and the
// environment, in increasing precedence. A missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else {
			slog.Debug("config file not found, using defaults and environment", "path", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// The plain OpenAI variable is accepted for both providers.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.LLM.APIKey == "" && cfg.LLM.Provider == "openai" {
			cfg.LLM.APIKey = key
		}
		if cfg.Embedding.APIKey == "" && cfg.Embedding.Resolve(cfg.LLM).Provider == "openai" {
			cfg.Embedding.APIKey = key
		}
	}

	for _, warning := range cfg.Validate() {
		slog.Warn("config: " + warning)
	}

	return &cfg, nil
}
