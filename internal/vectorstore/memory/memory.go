// Package memory is a process-local vector store. It backs tests and
// dry runs and serves as the reference implementation of the store port.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"pdfrag/internal/models"
	"pdfrag/internal/vectorstore"
)

type record struct {
	vector  []float32
	payload vectorstore.Payload
}

// Store holds vectors in a map guarded by a RWMutex. Safe for concurrent
// use.
type Store struct {
	mu      sync.RWMutex
	dims    int
	metric  vectorstore.Metric
	records map[string]record
}

var _ vectorstore.Store = (*Store)(nil)

// New returns an empty store for vectors of the given width.
func New(dims int, metric vectorstore.Metric) (*Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", models.ErrInvalidInput, dims)
	}
	if _, err := vectorstore.ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	return &Store{
		dims:    dims,
		metric:  metric,
		records: make(map[string]record),
	}, nil
}

// EnsureCollection implements vectorstore.Store. The collection exists from
// construction, so there is nothing to create.
func (s *Store) EnsureCollection(context.Context) error { return nil }

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(_ context.Context, ids []string, vectors [][]float32, payloads []vectorstore.Payload) error {
	if err := vectorstore.ValidateBatch(ids, vectors, payloads, s.dims); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range ids {
		v := make([]float32, len(vectors[i]))
		copy(v, vectors[i])
		s.records[id] = record{vector: v, payload: payloads[i]}
	}
	return nil
}

// Search implements vectorstore.Store.
func (s *Store) Search(_ context.Context, vector []float32, topK int) ([]vectorstore.Hit, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", models.ErrInvalidInput, topK)
	}
	if len(vector) != s.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, want %d",
			models.ErrDimensionMismatch, len(vector), s.dims)
	}

	s.mu.RLock()
	hits := make([]vectorstore.Hit, 0, len(s.records))
	for id, rec := range s.records {
		hits = append(hits, vectorstore.Hit{
			ID:      id,
			Score:   score(s.metric, vector, rec.vector),
			Payload: rec.payload,
		})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteBySource implements vectorstore.Store.
func (s *Store) DeleteBySource(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.payload.Source == sourceID {
			delete(s.records, id)
		}
	}
	return nil
}

// Count implements vectorstore.Store.
func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close implements vectorstore.Store.
func (s *Store) Close() error { return nil }

// Get returns the payload stored under id. Used by tests and the dry-run
// inspection path.
func (s *Store) Get(id string) (vectorstore.Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec.payload, ok
}

// score rates candidate against query, higher is better. Euclidean distance
// is negated so one ordering rule covers all metrics.
func score(metric vectorstore.Metric, query, candidate []float32) float32 {
	switch metric {
	case vectorstore.Dot:
		return dot(query, candidate)
	case vectorstore.Euclid:
		var sum float64
		for i := range query {
			d := float64(query[i] - candidate[i])
			sum += d * d
		}
		return -float32(math.Sqrt(sum))
	default: // cosine
		qn := norm(query)
		cn := norm(candidate)
		if qn == 0 || cn == 0 {
			return 0
		}
		return dot(query, candidate) / (qn * cn)
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}
