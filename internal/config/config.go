// Package config loads the application configuration from a YAML file and
// fills in defaults for anything the file leaves out. Secrets are never kept
// in the file itself: key fields name the environment variable to read.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pdfrag/internal/models"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig `yaml:"server"`
	Embedding LLMConfig    `yaml:"embedding"`
	LLM       LLMConfig    `yaml:"llm"`
	Store     StoreConfig  `yaml:"store"`
	RAG       RAGConfig    `yaml:"rag"`
	Jobs      JobsConfig   `yaml:"jobs"`
}

// ServerConfig configures the HTTP front end and the upload directory.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	UploadDir string `yaml:"upload_dir"`
	// Watch enables the fsnotify watcher that auto-ingests files dropped
	// into the upload directory.
	Watch bool `yaml:"watch"`
}

// LLMConfig configures either the embedding service or the answer model,
// depending on which section it appears under.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai or ollama
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	Dimensions  int     `yaml:"dimensions"`
	BatchSize   int     `yaml:"batch_size"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// APIKey resolves the configured key from the environment.
func (c LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Timeout bounds a single external call to the service.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// StoreConfig selects and configures the vector store backend.
type StoreConfig struct {
	Backend    string         `yaml:"backend"` // memory, qdrant, chromem or pgvector
	Collection string         `yaml:"collection"`
	Distance   string         `yaml:"distance"` // cosine, dot or euclid
	Qdrant     QdrantConfig   `yaml:"qdrant"`
	Chromem    ChromemConfig  `yaml:"chromem"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

// QdrantConfig contains connection details for a Qdrant deployment.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// APIKey resolves the Qdrant API key from the environment.
func (c QdrantConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Timeout bounds a single Qdrant HTTP call.
func (c QdrantConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
	Compress bool   `yaml:"compress"`
	// EncryptionKeyEnv names the env var holding the key used when
	// exporting an in-memory collection to disk.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

// EncryptionKey resolves the export encryption key from the environment.
func (c ChromemConfig) EncryptionKey() string {
	if c.EncryptionKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.EncryptionKeyEnv)
}

// PostgresConfig configures the pgvector backend.
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	PasswordEnv string `yaml:"password_env"`
	// Driver selects the SQL driver: "pgdriver" (default) or "pq".
	Driver string `yaml:"driver"`
	Debug  bool   `yaml:"debug"`
}

// Password resolves the database password from the environment.
func (c PostgresConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// RAGConfig tunes chunking and retrieval.
type RAGConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	TopK         int `yaml:"top_k"`
	// PruneStale removes records of a source beyond the freshly ingested
	// chunk count, so a shortened document does not leave stale trailing
	// chunks searchable. Defaults to true.
	PruneStale *bool `yaml:"prune_stale"`
}

// Prune reports whether stale-chunk pruning is enabled.
func (r RAGConfig) Prune() bool {
	return r.PruneStale == nil || *r.PruneStale
}

// JobsConfig tunes the background job runner.
type JobsConfig struct {
	Workers             int `yaml:"workers"`
	ThrottlePerMinute   int `yaml:"throttle_per_minute"`
	SourceCooldownMins  int `yaml:"source_cooldown_minutes"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffSecs         int `yaml:"backoff_secs"`
	AttemptTimeoutSecs  int `yaml:"attempt_timeout_secs"`
	RetainFinishedHours int `yaml:"retain_finished_hours"`
}

// SourceCooldown is the minimum interval between two runs for one source.
func (j JobsConfig) SourceCooldown() time.Duration {
	return time.Duration(j.SourceCooldownMins) * time.Minute
}

// Backoff is the delay before a transient failure is retried.
func (j JobsConfig) Backoff() time.Duration {
	return time.Duration(j.BackoffSecs) * time.Second
}

// AttemptTimeout bounds a single handler attempt.
func (j JobsConfig) AttemptTimeout() time.Duration {
	return time.Duration(j.AttemptTimeoutSecs) * time.Second
}

// RetainFinished is how long finished runs stay pollable.
func (j JobsConfig) RetainFinished() time.Duration {
	return time.Duration(j.RetainFinishedHours) * time.Hour
}

// LoadConfig reads the configuration at path. A missing file is an error; a
// missing value falls back to a sensible default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-large"
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKeyEnv == "" {
		c.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 64
	}
	if c.Embedding.TimeoutSecs == 0 {
		c.Embedding.TimeoutSecs = 30
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.2
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.TimeoutSecs == 0 {
		c.LLM.TimeoutSecs = 60
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "docs"
	}
	if c.Store.Distance == "" {
		c.Store.Distance = "cosine"
	}
	if c.Store.Qdrant.URL == "" {
		c.Store.Qdrant.URL = "http://localhost:6333"
	}
	if c.Store.Qdrant.TimeoutSecs == 0 {
		c.Store.Qdrant.TimeoutSecs = 30
	}
	if c.Store.Chromem.Path == "" {
		c.Store.Chromem.Path = "./chromemdb"
	}

	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = 1000
	}
	if c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkOverlap = 200
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = 5
	}
	if c.RAG.PruneStale == nil {
		prune := true
		c.RAG.PruneStale = &prune
	}

	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 2
	}
	if c.Jobs.ThrottlePerMinute == 0 {
		c.Jobs.ThrottlePerMinute = 2
	}
	if c.Jobs.SourceCooldownMins == 0 {
		c.Jobs.SourceCooldownMins = 240
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.BackoffSecs == 0 {
		c.Jobs.BackoffSecs = 5
	}
	if c.Jobs.AttemptTimeoutSecs == 0 {
		c.Jobs.AttemptTimeoutSecs = 120
	}
	if c.Jobs.RetainFinishedHours == 0 {
		c.Jobs.RetainFinishedHours = 24
	}
}

func (c *Config) validate() error {
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size)", models.ErrInvalidInput)
	}
	switch c.Store.Backend {
	case "memory", "qdrant", "chromem", "pgvector":
	default:
		return fmt.Errorf("%w: unknown store backend %q", models.ErrInvalidInput, c.Store.Backend)
	}
	switch c.Store.Distance {
	case "cosine", "dot", "euclid":
	default:
		return fmt.Errorf("%w: unknown distance %q", models.ErrInvalidInput, c.Store.Distance)
	}
	return nil
}
