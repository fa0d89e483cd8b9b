package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, "placeholder", cfg.Generation.Provider)
	assert.Equal(t, 0.7, cfg.Resolver.Threshold)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: sqlite
  data_dir: /tmp/loom
embedding:
  provider: ollama
  model: mxbai-embed-large
  api_url: http://localhost:11434
generation:
  provider: ai
  model: llama3
  api_url: http://localhost:11434
  timeout: 30s
  on_error: skip
resolver:
  threshold: 0.85
logging:
  level: debug
  format: console
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/loom", cfg.Storage.DataDir)
	assert.Equal(t, "mxbai-embed-large", cfg.Embedding.Model)
	assert.Equal(t, 30*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, "skip", cfg.Generation.OnError)
	assert.Equal(t, 0.85, cfg.Resolver.Threshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset file keys keep their defaults.
	assert.Equal(t, 3, cfg.Generation.MaxDepth)
	assert.Equal(t, 1024, cfg.Embedding.CacheSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: badger\n  data_dir: ./d\n"), 0o600))

	t.Setenv("LOOM_STORAGE_BACKEND", "memory")
	t.Setenv("LOOM_RESOLVER_THRESHOLD", "0.5")
	t.Setenv("LOOM_QUERY_CONCURRENCY", "8")
	t.Setenv("LOOM_EMBEDDING_PROVIDER", "openai")
	t.Setenv("LOOM_EMBEDDING_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 0.5, cfg.Resolver.Threshold)
	assert.Equal(t, 8, cfg.Query.Concurrency)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage backend"},
		{"datadir", func(c *Config) { c.Storage.Backend = BackendBadger; c.Storage.DataDir = "" }, "data_dir"},
		{"embedder", func(c *Config) { c.Embedding.Provider = "quantum" }, "embedding provider"},
		{"generator", func(c *Config) { c.Generation.Provider = "magic" }, "generation provider"},
		{"ai-url", func(c *Config) { c.Generation.Provider = "ai" }, "api_url"},
		{"onerror", func(c *Config) { c.Generation.OnError = "retry" }, "on_error"},
		{"threshold", func(c *Config) { c.Resolver.Threshold = 1.5 }, "threshold"},
		{"concurrency", func(c *Config) { c.Query.Concurrency = 0 }, "concurrency"},
		{"level", func(c *Config) { c.Logging.Level = "chatty" }, "log level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBuildLogger(t *testing.T) {
	cfg := Default()
	log, err := cfg.BuildLogger()
	require.NoError(t, err)
	defer log.Sync()
	assert.NotNil(t, log)

	cfg.Logging.Format = "console"
	cfg.Logging.Level = "debug"
	log, err = cfg.BuildLogger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}
