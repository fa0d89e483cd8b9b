// Package config handles Loom configuration from YAML files and
// environment variables.
//
// Configuration loads in three layers, each overriding the previous:
// built-in defaults, an optional YAML file, then LOOM_-prefixed
// environment variables. A loaded Config is validated before use.
//
// Example Usage:
//
//	cfg, err := config.Load("loom.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//	fmt.Printf("backend: %s\n", cfg.Storage.Backend)
//
// Environment Variables:
//
//   - LOOM_STORAGE_BACKEND=memory|badger|sqlite
//   - LOOM_STORAGE_DATA_DIR=./data
//   - LOOM_EMBEDDING_PROVIDER=hash|ollama|openai
//   - LOOM_EMBEDDING_MODEL=mxbai-embed-large
//   - LOOM_EMBEDDING_API_URL=http://localhost:11434
//   - LOOM_EMBEDDING_API_KEY=...
//   - LOOM_GENERATION_PROVIDER=placeholder|ai
//   - LOOM_GENERATION_MODEL=...
//   - LOOM_GENERATION_API_URL=...
//   - LOOM_GENERATION_API_KEY=...
//   - LOOM_GENERATION_ON_ERROR=fail|skip
//   - LOOM_RESOLVER_THRESHOLD=0.7
//   - LOOM_QUERY_CONCURRENCY=4
//   - LOOM_LOG_LEVEL=debug|info|warn|error
//   - LOOM_LOG_FORMAT=json|console
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config holds all Loom configuration.
//
// Sections:
//   - Storage: backend selection and data location
//   - Embedding: embedder provider for semantic search
//   - Generation: value generator for content generation
//   - Resolver: fuzzy reference matching
//   - Query: ForEach iteration defaults
//   - Logging: log level and encoding
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Query      QueryConfig      `yaml:"query"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is memory, badger or sqlite.
	Backend string `yaml:"backend"`
	// DataDir is the directory (badger) or file path base (sqlite) for
	// persistent backends.
	DataDir string `yaml:"data_dir"`
	// SyncWrites forces durable writes on badger at a throughput cost.
	SyncWrites bool `yaml:"sync_writes"`
}

// EmbeddingConfig configures the embedder behind semantic search.
type EmbeddingConfig struct {
	// Provider is hash, ollama or openai.
	Provider string `yaml:"provider"`
	// Model is the provider's embedding model name.
	Model string `yaml:"model"`
	// APIURL is the base URL for HTTP providers.
	APIURL string `yaml:"api_url"`
	// APIKey authenticates HTTP providers.
	APIKey string `yaml:"api_key"`
	// Dimensions sizes hash embeddings; ignored by HTTP providers.
	Dimensions int `yaml:"dimensions"`
	// CacheSize is the embedding LRU capacity; 0 disables caching.
	CacheSize int `yaml:"cache_size"`
}

// GenerationConfig configures the value generator.
type GenerationConfig struct {
	// Provider is placeholder or ai.
	Provider string `yaml:"provider"`
	// Model is the chat model for the ai provider.
	Model string `yaml:"model"`
	// APIURL is the base URL of the OpenAI-compatible endpoint.
	APIURL string `yaml:"api_url"`
	// APIKey authenticates the endpoint.
	APIKey string `yaml:"api_key"`
	// Timeout bounds one generation request.
	Timeout time.Duration `yaml:"timeout"`
	// Fallback generates placeholders when the ai provider fails.
	Fallback bool `yaml:"fallback"`
	// MaxDepth bounds cascaded generation.
	MaxDepth int `yaml:"max_depth"`
	// OnError is fail or skip.
	OnError string `yaml:"on_error"`
	// CascadeTypes allow-lists the types cascades may create.
	CascadeTypes []string `yaml:"cascade_types"`
}

// ResolverConfig configures fuzzy reference matching.
type ResolverConfig struct {
	// Threshold is the default similarity floor for fuzzy operators,
	// used when a field declares none.
	Threshold float64 `yaml:"threshold"`
}

// QueryConfig holds iteration defaults.
type QueryConfig struct {
	// Concurrency is the default ForEach worker count.
	Concurrency int `yaml:"concurrency"`
	// Timeout is the default per-item bound.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is the default per-item retry budget.
	MaxRetries int `yaml:"max_retries"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration: in-memory storage, hash
// embeddings and placeholder generation, so a fresh install works with no
// external services.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendMemory,
			DataDir: "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			CacheSize: 1024,
		},
		Generation: GenerationConfig{
			Provider: "placeholder",
			Timeout:  60 * time.Second,
			MaxDepth: 3,
			OnError:  "fail",
		},
		Resolver: ResolverConfig{
			Threshold: 0.7,
		},
		Query: QueryConfig{
			Concurrency: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path (missing file is not an error), applies
// environment overrides and validates. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a Config from defaults plus environment overrides.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func (c *Config) applyEnv() {
	setString(&c.Storage.Backend, "LOOM_STORAGE_BACKEND")
	setString(&c.Storage.DataDir, "LOOM_STORAGE_DATA_DIR")
	setBool(&c.Storage.SyncWrites, "LOOM_STORAGE_SYNC_WRITES")

	setString(&c.Embedding.Provider, "LOOM_EMBEDDING_PROVIDER")
	setString(&c.Embedding.Model, "LOOM_EMBEDDING_MODEL")
	setString(&c.Embedding.APIURL, "LOOM_EMBEDDING_API_URL")
	setString(&c.Embedding.APIKey, "LOOM_EMBEDDING_API_KEY")
	setInt(&c.Embedding.Dimensions, "LOOM_EMBEDDING_DIMENSIONS")
	setInt(&c.Embedding.CacheSize, "LOOM_EMBEDDING_CACHE_SIZE")

	setString(&c.Generation.Provider, "LOOM_GENERATION_PROVIDER")
	setString(&c.Generation.Model, "LOOM_GENERATION_MODEL")
	setString(&c.Generation.APIURL, "LOOM_GENERATION_API_URL")
	setString(&c.Generation.APIKey, "LOOM_GENERATION_API_KEY")
	setString(&c.Generation.OnError, "LOOM_GENERATION_ON_ERROR")
	setInt(&c.Generation.MaxDepth, "LOOM_GENERATION_MAX_DEPTH")
	setBool(&c.Generation.Fallback, "LOOM_GENERATION_FALLBACK")

	setFloat(&c.Resolver.Threshold, "LOOM_RESOLVER_THRESHOLD")

	setInt(&c.Query.Concurrency, "LOOM_QUERY_CONCURRENCY")
	setInt(&c.Query.MaxRetries, "LOOM_QUERY_MAX_RETRIES")

	setString(&c.Logging.Level, "LOOM_LOG_LEVEL")
	setString(&c.Logging.Format, "LOOM_LOG_FORMAT")
}

// Validate checks cross-field consistency. It reports the first problem
// found, never repairs one silently.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendBadger, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("config: %s backend requires storage.data_dir", c.Storage.Backend)
	}

	switch c.Embedding.Provider {
	case "hash", "ollama", "openai":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	switch c.Generation.Provider {
	case "placeholder", "ai":
	default:
		return fmt.Errorf("config: unknown generation provider %q", c.Generation.Provider)
	}
	if c.Generation.Provider == "ai" && c.Generation.APIURL == "" {
		return fmt.Errorf("config: ai generation requires generation.api_url")
	}
	switch c.Generation.OnError {
	case "fail", "skip":
	default:
		return fmt.Errorf("config: generation.on_error must be fail or skip, got %q", c.Generation.OnError)
	}

	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 1 {
		return fmt.Errorf("config: resolver.threshold %v out of range [0,1]", c.Resolver.Threshold)
	}
	if c.Query.Concurrency < 1 {
		return fmt.Errorf("config: query.concurrency must be at least 1")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// BuildLogger constructs the zap logger described by the Logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}
