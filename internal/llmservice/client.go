// Package llmservice produces grounded answers: the model is instructed to
// use only the retrieved context, and an empty context never reaches the
// model at all.
package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pdfrag/internal/config"
	"pdfrag/internal/models"
)

const systemPrompt = "You answer questions using only the provided context."

// NoContextAnswer is returned when retrieval produced nothing to ground an
// answer on. The model is not called in that case.
const NoContextAnswer = "No relevant context found. Try ingesting documents first."

// Model is the slice of a langchaingo LLM used here.
type Model interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Service turns a question plus retrieved contexts into an answer.
type Service struct {
	model       Model
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// New wraps an existing model.
func New(model Model, temperature float64, maxTokens int, timeout time.Duration) (*Service, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", models.ErrInvalidInput)
	}
	return &Service{model: model, temperature: temperature, maxTokens: maxTokens, timeout: timeout}, nil
}

// NewFromConfig builds the answer model named by the configuration.
func NewFromConfig(cfg config.LLMConfig) (*Service, error) {
	var (
		model Model
		err   error
	)
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "ollama":
		model, err = ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", models.ErrInvalidInput, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s llm client: %w", cfg.Provider, err)
	}
	return New(model, cfg.Temperature, cfg.MaxTokens, cfg.Timeout())
}

// Answer asks the model the question over the given contexts. An empty
// context list short-circuits to NoContextAnswer.
func (s *Service) Answer(ctx context.Context, question string, contexts []string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("%w: question must not be blank", models.ErrInvalidInput)
	}
	if len(contexts) == 0 {
		return NoContextAnswer, nil
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: systemPrompt}},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: buildPrompt(question, contexts)}},
		},
	}
	res, err := s.model.GenerateContent(ctx, messages,
		llms.WithTemperature(s.temperature),
		llms.WithMaxTokens(s.maxTokens),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("generate answer: %w", err)
		}
		return "", fmt.Errorf("generate answer: %w: %w", models.ErrServiceUnavailable, err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("generate answer: %w: model returned no choices", models.ErrServiceUnavailable)
	}
	return strings.TrimSpace(res.Choices[0].Content), nil
}

// buildPrompt lays out the retrieved contexts as a bulleted block above the
// question.
func buildPrompt(question string, contexts []string) string {
	lines := make([]string, len(contexts))
	for i, c := range contexts {
		lines[i] = "- " + c
	}
	var b strings.Builder
	b.WriteString("Use the following context to answer the question.\n\n")
	b.WriteString("Context:\n")
	b.WriteString(strings.Join(lines, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer concisely using the context above.")
	return b.String()
}
