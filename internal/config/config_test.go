package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/riahunter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "hashing", cfg.Embedding.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.Equal(t, 50, cfg.Embedding.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 0.5, cfg.Query.VectorThreshold)
	assert.Equal(t, 0.1, cfg.Query.LexicalThreshold)
	assert.Equal(t, 0.8, cfg.Query.LexicalWeight)
	assert.Equal(t, 200, cfg.Query.CandidatePool)
	assert.Equal(t, 10000, cfg.Query.MaxCandidatePool)
	assert.Greater(t, cfg.Query.EfSearch, cfg.Index.EfSearch,
		"query ef_search must exceed the index default")
}

func TestLoad_EnvOverridesNestedKeys(t *testing.T) {
	t.Setenv("RIAHUNTER_EMBEDDING_PROVIDER", "OpenAI")
	t.Setenv("RIAHUNTER_EMBEDDING_OPENAI_API_KEY", "sk-test")
	t.Setenv("RIAHUNTER_EMBEDDING_DIMENSION", "1536")
	t.Setenv("RIAHUNTER_WORKER_RESTART_DELAY", "250ms")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.OpenAI.APIKey)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.RestartDelay)
}

func TestLoad_OpenAIKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-fallback", cfg.Embedding.OpenAI.APIKey)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riahunter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  engine: postgres
  dsn: postgres://localhost/ria
index:
  backend: native
query:
  default_limit: 20
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Engine)
	assert.Equal(t, "native", cfg.Index.Backend)
	assert.Equal(t, 20, cfg.Query.DefaultLimit)
	assert.Equal(t, 100, cfg.Query.MaxLimit)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [unterminated"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := config.Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown engine", func(c *config.Config) { c.Storage.Engine = "mysql" }},
		{"unknown provider", func(c *config.Config) { c.Embedding.Provider = "cohere" }},
		{"zero dimension", func(c *config.Config) { c.Embedding.Dimension = 0 }},
		{"native index on sqlite", func(c *config.Config) { c.Index.Backend = "native" }},
		{"vector threshold out of range", func(c *config.Config) { c.Query.VectorThreshold = 1.5 }},
		{"vertex without project", func(c *config.Config) { c.Embedding.Provider = "vertex" }},
		{"no replicas", func(c *config.Config) { c.Worker.Replicas = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
