package models

import (
	"context"
	"errors"
)

// Error taxonomy. Adapters wrap transport failures with one of these
// sentinels; the job runner keys its retry decision on them and the HTTP
// layer maps them to status codes. The pipelines themselves never retry.
var (
	// ErrInvalidInput marks malformed caller input: empty question,
	// out-of-range top_k, unusable document text. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch marks a vector length or collection dimension
	// conflict. Fatal configuration error; vectors are never truncated or
	// padded to fit.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrServiceUnavailable marks a transient network or timeout failure
	// from the embedding service or vector store. The whole step is
	// retried by the orchestrator.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrNotFound marks a query against a missing collection or run.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited marks an enqueue rejected by the per-source cooldown.
	ErrRateLimited = errors.New("rate limited")
)

// Kind reduces an error to its taxonomy name for reporting over the wire.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsTransient(err):
		return "service_unavailable"
	default:
		return "internal"
	}
}

// IsTransient reports whether a failed step is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
