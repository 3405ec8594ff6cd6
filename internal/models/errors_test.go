package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"invalid input", ErrInvalidInput, "invalid_input"},
		{"wrapped invalid input", fmt.Errorf("ingest doc1: %w: blank source", ErrInvalidInput), "invalid_input"},
		{"dimension mismatch", fmt.Errorf("%w: got 3 want 4", ErrDimensionMismatch), "dimension_mismatch"},
		{"rate limited", ErrRateLimited, "rate_limited"},
		{"not found", fmt.Errorf("%w: run abc", ErrNotFound), "not_found"},
		{"service unavailable", fmt.Errorf("search: %w: connection refused", ErrServiceUnavailable), "service_unavailable"},
		{"deadline", fmt.Errorf("embed texts: %w", context.DeadlineExceeded), "service_unavailable"},
		{"unclassified", errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Kind(tc.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrServiceUnavailable))
	assert.True(t, IsTransient(fmt.Errorf("upsert: %w: 503", ErrServiceUnavailable)))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrInvalidInput))
	assert.False(t, IsTransient(ErrDimensionMismatch))
	assert.False(t, IsTransient(ErrRateLimited))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("boom")))
}
