// Package qdrant is a REST client for a Qdrant collection, implementing the
// vectorstore port. It speaks the plain HTTP API, so no SDK is required.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pdfrag/internal/models"
	"pdfrag/internal/vectorstore"
)

// distanceNames maps port metrics to Qdrant distance identifiers.
var distanceNames = map[vectorstore.Metric]string{
	vectorstore.Cosine: "Cosine",
	vectorstore.Dot:    "Dot",
	vectorstore.Euclid: "Euclid",
}

// Config carries connection settings for one collection.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Metric     vectorstore.Metric
	Timeout    time.Duration
}

// Store talks to a single Qdrant collection.
type Store struct {
	url        string
	apiKey     string
	collection string
	dims       int
	metric     vectorstore.Metric
	client     *http.Client
}

var _ vectorstore.Store = (*Store)(nil)

// New returns a client for cfg. No connection is made until the first call.
func New(cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", models.ErrInvalidInput, cfg.Dimensions)
	}
	if _, ok := distanceNames[cfg.Metric]; !ok {
		return nil, fmt.Errorf("%w: unknown distance metric %q", models.ErrInvalidInput, cfg.Metric)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name must not be empty", models.ErrInvalidInput)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dims:       cfg.Dimensions,
		metric:     cfg.Metric,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// EnsureCollection implements vectorstore.Store. A missing collection is
// created; an existing one must match the configured size and distance.
func (s *Store) EnsureCollection(ctx context.Context) error {
	status, data, err := s.roundTrip(ctx, http.MethodGet, "/collections/"+s.collection, nil)
	if err != nil {
		return fmt.Errorf("get collection: %w", transport(err))
	}
	switch {
	case status == http.StatusNotFound:
		return s.createCollection(ctx)
	case status >= 400:
		return apiError("get collection", status, data)
	}

	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode collection info: %w: %w", models.ErrServiceUnavailable, err)
	}
	got := resp.Result.Config.Params.Vectors
	if got.Size != s.dims || got.Distance != distanceNames[s.metric] {
		return fmt.Errorf("%w: collection %q has size=%d distance=%s, want size=%d distance=%s",
			models.ErrInvalidInput, s.collection, got.Size, got.Distance, s.dims, distanceNames[s.metric])
	}
	return nil
}

func (s *Store) createCollection(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dims,
			"distance": distanceNames[s.metric],
		},
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+s.collection, body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	log.Debug().Str("collection", s.collection).Int("dimensions", s.dims).Msg("created qdrant collection")
	return nil
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []vectorstore.Payload) error {
	if err := vectorstore.ValidateBatch(ids, vectors, payloads, s.dims); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	points := make([]map[string]any, len(ids))
	for i := range ids {
		points[i] = map[string]any{
			"id":      ids[i],
			"vector":  vectors[i],
			"payload": payloads[i],
		}
	}
	body := map[string]any{"points": points}
	if err := s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(ids), err)
	}
	return nil
}

// Search implements vectorstore.Store.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]vectorstore.Hit, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", models.ErrInvalidInput, topK)
	}
	if len(vector) != s.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, want %d",
			models.ErrDimensionMismatch, len(vector), s.dims)
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      any                 `json:"id"`
			Score   float32             `json:"score"`
			Payload vectorstore.Payload `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", body, &resp); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]vectorstore.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, vectorstore.Hit{
			ID:      fmt.Sprint(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return hits, nil
}

// DeleteBySource implements vectorstore.Store.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "source", "match": map[string]any{"value": sourceID}},
			},
		},
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/delete?wait=true", body, nil); err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	return nil
}

// Count implements vectorstore.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/count", map[string]any{"exact": true}, &resp); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return resp.Result.Count, nil
}

// Close implements vectorstore.Store.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// do sends a JSON request and decodes the response into out when non-nil.
func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	status, data, err := s.roundTrip(ctx, method, path, body)
	if err != nil {
		return transport(err)
	}
	if status >= 400 {
		return apiError(method+" "+path, status, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w: %w", models.ErrServiceUnavailable, err)
		}
	}
	return nil
}

func (s *Store) roundTrip(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// transport classifies a transport-level failure as retryable. Context
// cancellation keeps its identity so shutdown is not reported as an outage.
func transport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrServiceUnavailable, err)
}

// apiError converts a non-2xx response into the shared error taxonomy.
// Server-side trouble is transient; everything else points at the request.
func apiError(op string, status int, data []byte) error {
	msg := statusMessage(data)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, models.ErrNotFound, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s: %w: qdrant returned %d: %s", op, models.ErrServiceUnavailable, status, msg)
	default:
		return fmt.Errorf("%s: %w: qdrant returned %d: %s", op, models.ErrInvalidInput, status, msg)
	}
}

// statusMessage extracts the error text from a Qdrant response envelope.
func statusMessage(data []byte) string {
	var envelope struct {
		Status struct {
			Error string `json:"error"`
		} `json:"status"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Status.Error != "" {
		return envelope.Status.Error
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(bytes.TrimSpace(data))
}
