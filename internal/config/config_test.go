package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfrag/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: memory\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
	assert.Equal(t, 1024, cfg.LLM.MaxTokens)
	assert.Equal(t, "docs", cfg.Store.Collection)
	assert.Equal(t, "cosine", cfg.Store.Distance)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.True(t, cfg.RAG.Prune())
	assert.Equal(t, 2, cfg.Jobs.ThrottlePerMinute)
	assert.Equal(t, 240, cfg.Jobs.SourceCooldownMins)
	assert.Equal(t, 4*time.Hour, cfg.Jobs.SourceCooldown())
	assert.Equal(t, 24*time.Hour, cfg.Jobs.RetainFinished())
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
embedding:
  provider: ollama
  base_url: http://localhost:11434
  model: nomic-embed-text
  dimensions: 768
store:
  backend: qdrant
  collection: notes
rag:
  chunk_size: 400
  chunk_overlap: 50
  prune_stale: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, "qdrant", cfg.Store.Backend)
	assert.Equal(t, "notes", cfg.Store.Collection)
	assert.Equal(t, 400, cfg.RAG.ChunkSize)
	assert.False(t, cfg.RAG.Prune())
	// ollama needs no API key env
	assert.Empty(t, cfg.Embedding.APIKeyEnv)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "store:\n  backend: redis\n"},
		{"overlap too large", "rag:\n  chunk_size: 100\n  chunk_overlap: 100\n"},
		{"unknown distance", "store:\n  distance: manhattan\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidInput))
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestAPIKeyEnvIndirection(t *testing.T) {
	t.Setenv("PDFRAG_TEST_KEY", "sk-test")
	cfg := LLMConfig{APIKeyEnv: "PDFRAG_TEST_KEY"}
	assert.Equal(t, "sk-test", cfg.APIKey())
	assert.Empty(t, LLMConfig{}.APIKey())
}
