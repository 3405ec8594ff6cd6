// Package embedding turns text into fixed-dimension vectors using a
// langchaingo embedding client. Every vector leaving this package has the
// dimensionality the service was configured with.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pdfrag/internal/config"
	"pdfrag/internal/models"
)

// defaultDims maps known embedding models to their vector width, used when
// the configuration does not state dimensions explicitly.
var defaultDims = map[string]int{
	"text-embedding-3-small":   1536,
	"text-embedding-3-large":   3072,
	"text-embedding-ada-002":   1536,
	"nomic-embed-text":         768,
	"mxbai-embed-large":        1024,
	"all-minilm":               384,
	"snowflake-arctic-embed":   1024,
	"snowflake-arctic-embed:s": 384,
}

// Client is the slice of the langchaingo embedder used here. It is
// satisfied by *embeddings.EmbedderImpl.
type Client interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Service embeds chunks and queries into one shared vector space.
type Service interface {
	// EmbedTexts embeds texts in order. An empty input returns an empty
	// result without calling the remote service.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single retrieval query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimensions is the width of every vector this service produces.
	Dimensions() int
	// Model names the underlying embedding model.
	Model() string
}

// Embedder implements Service on top of a langchaingo client.
type Embedder struct {
	client  Client
	model   string
	dims    int
	timeout time.Duration
}

// New wraps an existing client. dims must be the width the client produces.
func New(client Client, model string, dims int, timeout time.Duration) (*Embedder, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil embedding client", models.ErrInvalidInput)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: embedding dimensions must be positive, got %d", models.ErrInvalidInput, dims)
	}
	return &Embedder{client: client, model: model, dims: dims, timeout: timeout}, nil
}

// NewFromConfig builds the embedder named by the configuration.
func NewFromConfig(cfg config.LLMConfig) (*Embedder, error) {
	dims, err := resolveDims(cfg.Model, cfg.Dimensions)
	if err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("provider", cfg.Provider).
		Str("model", cfg.Model).
		Int("dimensions", dims).
		Msg("embedding service ready")
	return &Embedder{client: client, model: cfg.Model, dims: dims, timeout: cfg.Timeout()}, nil
}

func newClient(cfg config.LLMConfig) (Client, error) {
	opts := []embeddings.Option{embeddings.WithStripNewLines(true)}
	if cfg.BatchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	switch cfg.Provider {
	case "openai":
		llmOpts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
			openai.WithModel(cfg.Model),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			llmOpts = append(llmOpts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("init openai embedding client: %w", err)
		}
		return embeddings.NewEmbedder(llm, opts...)
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("init ollama embedding client: %w", err)
		}
		return embeddings.NewEmbedder(llm, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidInput, cfg.Provider)
	}
}

// resolveDims prefers the configured width and falls back to the known
// width of the model.
func resolveDims(model string, configured int) (int, error) {
	if configured > 0 {
		return configured, nil
	}
	if d, ok := defaultDims[model]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: unknown embedding model %q, set dimensions explicitly", models.ErrInvalidInput, model)
}

// EmbedTexts implements Service.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := e.bound(ctx)
	defer cancel()

	vectors, err := e.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classify("embed texts", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: embedding service returned %d vectors for %d texts",
			models.ErrServiceUnavailable, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != e.dims {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d",
				models.ErrDimensionMismatch, i, len(v), e.dims)
		}
	}
	return vectors, nil
}

// EmbedQuery implements Service.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	vector, err := e.client.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classify("embed query", err)
	}
	if len(vector) != e.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, want %d",
			models.ErrDimensionMismatch, len(vector), e.dims)
	}
	return vector, nil
}

// Dimensions implements Service.
func (e *Embedder) Dimensions() int { return e.dims }

// Model implements Service.
func (e *Embedder) Model() string { return e.model }

func (e *Embedder) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// classify marks provider failures as transient so callers can retry them.
// Context cancellation keeps its own identity.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrServiceUnavailable, err)
}
