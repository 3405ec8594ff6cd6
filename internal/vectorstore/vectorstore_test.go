package vectorstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfrag/internal/models"
)

func TestParseMetric(t *testing.T) {
	for _, s := range []string{"cosine", "dot", "euclid"} {
		m, err := ParseMetric(s)
		require.NoError(t, err)
		assert.Equal(t, Metric(s), m)
	}
	_, err := ParseMetric("manhattan")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestValidateBatch(t *testing.T) {
	ids := []string{"a", "b"}
	vectors := [][]float32{{1, 0}, {0, 1}}
	payloads := []Payload{{Source: "s"}, {Source: "s"}}

	assert.NoError(t, ValidateBatch(ids, vectors, payloads, 2))

	err := ValidateBatch(ids, vectors[:1], payloads, 2)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	err = ValidateBatch(ids, [][]float32{{1, 0}, {0, 1, 2}}, payloads, 2)
	assert.True(t, errors.Is(err, models.ErrDimensionMismatch))
}

func TestCollect(t *testing.T) {
	hits := []Hit{
		{ID: "1", Score: 0.9, Payload: Payload{Source: "b.pdf", Text: "second chapter"}},
		{ID: "2", Score: 0.8, Payload: Payload{Source: "a.pdf", Text: "first chapter"}},
		{ID: "3", Score: 0.7, Payload: Payload{Source: "c.pdf", Text: ""}},
		{ID: "4", Score: 0.6, Payload: Payload{Source: "", Text: "orphan text"}},
	}

	res := Collect(hits)

	// contexts keep ranking order, empty text is dropped
	assert.Equal(t, []string{"second chapter", "first chapter", "orphan text"}, res.Contexts)
	// sources are distinct and sorted; a source seen only with empty text
	// does not count
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, res.Sources)
}

func TestCollectEmpty(t *testing.T) {
	res := Collect(nil)
	assert.Empty(t, res.Contexts)
	assert.Empty(t, res.Sources)
	assert.NotNil(t, res.Contexts)
	assert.NotNil(t, res.Sources)
}
