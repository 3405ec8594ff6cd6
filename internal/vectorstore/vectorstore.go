// Package vectorstore defines the storage port the ingestion and retrieval
// pipelines talk to, plus helpers shared by the backends under this
// directory.
package vectorstore

import (
	"context"
	"fmt"
	"sort"

	"pdfrag/internal/models"
)

// Metric is the similarity function a collection is created with.
type Metric string

const (
	Cosine Metric = "cosine"
	Dot    Metric = "dot"
	Euclid Metric = "euclid"
)

// ParseMetric maps a config string to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case Cosine, Dot, Euclid:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("%w: unknown distance metric %q", models.ErrInvalidInput, s)
	}
}

// Payload is the data stored next to each vector and returned on search.
type Payload struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Hit is one search result, best match first.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Store is a named vector collection. Writes with an existing ID replace
// the stored record, so re-ingesting a source is idempotent.
type Store interface {
	// EnsureCollection creates the collection if needed and verifies that
	// an existing one matches the configured dimensions and metric.
	EnsureCollection(ctx context.Context) error
	// Upsert writes records in one batch. ids, vectors and payloads are
	// parallel slices.
	Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []Payload) error
	// Search returns up to topK nearest records, best first. Fewer than
	// topK stored records yield fewer hits, never an error.
	Search(ctx context.Context, vector []float32, topK int) ([]Hit, error)
	// DeleteBySource removes every record whose payload source matches.
	// An unknown source is not an error.
	DeleteBySource(ctx context.Context, sourceID string) error
	// Count reports the number of stored records.
	Count(ctx context.Context) (int, error)
	// Close releases the backend connection, if any.
	Close() error
}

// ValidateBatch checks an upsert batch before it reaches a backend:
// parallel slices must line up and every vector must have dims width.
func ValidateBatch(ids []string, vectors [][]float32, payloads []Payload, dims int) error {
	if len(ids) != len(vectors) || len(ids) != len(payloads) {
		return fmt.Errorf("%w: got %d ids, %d vectors, %d payloads",
			models.ErrInvalidInput, len(ids), len(vectors), len(payloads))
	}
	for i, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d",
				models.ErrDimensionMismatch, i, len(v), dims)
		}
	}
	return nil
}

// Collect reduces search hits to the contexts handed to the answer model
// and the distinct sources they came from. A hit with no text contributes
// neither context nor source. Context order follows hit order; sources are
// sorted and deduplicated.
func Collect(hits []Hit) models.SearchResult {
	res := models.SearchResult{
		Contexts: []string{},
		Sources:  []string{},
	}
	seen := map[string]bool{}
	for _, h := range hits {
		if h.Payload.Text == "" {
			continue
		}
		res.Contexts = append(res.Contexts, h.Payload.Text)
		if h.Payload.Source != "" && !seen[h.Payload.Source] {
			seen[h.Payload.Source] = true
			res.Sources = append(res.Sources, h.Payload.Source)
		}
	}
	sort.Strings(res.Sources)
	return res
}
