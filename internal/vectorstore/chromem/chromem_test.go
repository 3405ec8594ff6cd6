package chromem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfrag/internal/models"
	"pdfrag/internal/vectorstore"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:       t.TempDir(),
		InMemory:   true,
		Collection: "docs",
		Dimensions: 3,
		Model:      "test-model",
		Metric:     vectorstore.Cosine,
	}
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.EnsureCollection(context.Background()))
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	err := s.Upsert(context.Background(),
		[]string{"a0", "a1", "b0"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		[]vectorstore.Payload{
			{Source: "a.pdf", Text: "alpha"},
			{Source: "a.pdf", Text: "beta"},
			{Source: "b.pdf", Text: "gamma"},
		})
	require.NoError(t, err)
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dimensions = 0
	_, err := New(cfg)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	cfg = testConfig(t)
	cfg.Metric = vectorstore.Euclid
	_, err = New(cfg)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	cfg = testConfig(t)
	cfg.Collection = ""
	_, err = New(cfg)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestUpsertAndSearch(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	seed(t, s)

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a0", hits[0].ID)
	assert.Equal(t, "alpha", hits[0].Payload.Text)
	assert.Equal(t, "a.pdf", hits[0].Payload.Source)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestUpsertReplacesExistingID(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	seed(t, s)

	err := s.Upsert(context.Background(),
		[]string{"a0"},
		[][]float32{{1, 0, 0}},
		[]vectorstore.Payload{{Source: "a.pdf", Text: "alpha rewritten"}})
	require.NoError(t, err)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha rewritten", hits[0].Payload.Text)
}

func TestSearchClampsTopK(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	seed(t, s)

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestSearchEmptyCollection(t *testing.T) {
	s := newTestStore(t, testConfig(t))

	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchValidation(t *testing.T) {
	s := newTestStore(t, testConfig(t))

	_, err := s.Search(context.Background(), []float32{1, 0, 0}, 0)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = s.Search(context.Background(), []float32{1, 0}, 5)
	assert.True(t, errors.Is(err, models.ErrDimensionMismatch))
}

func TestUpsertValidation(t *testing.T) {
	s := newTestStore(t, testConfig(t))

	err := s.Upsert(context.Background(), []string{"x"}, [][]float32{{1, 0}}, []vectorstore.Payload{{}})
	assert.True(t, errors.Is(err, models.ErrDimensionMismatch))
}

func TestDeleteBySource(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	seed(t, s)

	require.NoError(t, s.DeleteBySource(context.Background(), "a.pdf"))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteBySource(context.Background(), "missing.pdf"))
}

func TestPersistentModeSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	cfg.InMemory = false

	s := newTestStore(t, cfg)
	seed(t, s)
	require.NoError(t, s.Close())

	reopened := newTestStore(t, cfg)
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReopenRejectsSchemaDrift(t *testing.T) {
	cfg := testConfig(t)
	cfg.InMemory = false

	s := newTestStore(t, cfg)
	seed(t, s)
	require.NoError(t, s.Close())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"dimensions", func(c *Config) { c.Dimensions = 5 }},
		{"model", func(c *Config) { c.Model = "other-model" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drifted := cfg
			tt.mutate(&drifted)
			reopened, err := New(drifted)
			require.NoError(t, err)

			err = reopened.EnsureCollection(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidInput))
			assert.Contains(t, err.Error(), "dimensions=3")
		})
	}

	// matching settings still pass
	reopened := newTestStore(t, cfg)
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUpsertRejectsDriftWithoutEnsure(t *testing.T) {
	cfg := testConfig(t)
	cfg.InMemory = false

	s := newTestStore(t, cfg)
	seed(t, s)
	require.NoError(t, s.Close())

	drifted := cfg
	drifted.Dimensions = 5
	reopened, err := New(drifted)
	require.NoError(t, err)

	// the schema check guards every collection access, not only the
	// explicit ensure step
	err = reopened.Upsert(context.Background(),
		[]string{"w0"},
		[][]float32{{1, 0, 0, 0, 0}},
		[]vectorstore.Payload{{Source: "w.pdf", Text: "wide"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestSnapshotReopenRejectsDimensionDrift(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = "0123456789abcdef0123456789abcdef"

	s := newTestStore(t, cfg)
	seed(t, s)
	require.NoError(t, s.Close())

	drifted := cfg
	drifted.Dimensions = 5
	restored, err := New(drifted)
	require.NoError(t, err)

	err = restored.EnsureCollection(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestInMemorySnapshotRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = "0123456789abcdef0123456789abcdef"

	s := newTestStore(t, cfg)
	seed(t, s)
	require.NoError(t, s.Close())

	restored := newTestStore(t, cfg)
	n, err := restored.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := restored.Search(context.Background(), []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "beta", hits[0].Payload.Text)
}
