package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfrag/internal/models"
)

func testConfig() Config {
	return Config{
		Workers:        2,
		MaxAttempts:    3,
		Backoff:        time.Millisecond,
		RetainFinished: time.Hour,
		QueueSize:      16,
	}
}

func startRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r := New(cfg)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func waitDone(t *testing.T, r *Runner, id string) Run {
	t.Helper()
	var run Run
	require.Eventually(t, func() bool {
		got, err := r.Get(id)
		if err != nil {
			return false
		}
		run = got
		return run.Done()
	}, 5*time.Second, 2*time.Millisecond)
	return run
}

func TestRunCompletesWithOutput(t *testing.T) {
	r := startRunner(t, testConfig())
	r.Handle("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in["msg"]}, nil
	})

	id, err := r.Enqueue("echo", map[string]string{"msg": "hi"}, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.JSONEq(t, `{"echo":"hi"}`, string(run.Output))
	assert.Empty(t, run.Error)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)
}

func TestTransientFailureIsRetried(t *testing.T) {
	r := startRunner(t, testConfig())

	var mu sync.Mutex
	calls := 0
	r.Handle("flaky", func(context.Context, json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("%w: embedding api down", models.ErrServiceUnavailable)
		}
		return models.UpsertResult{Ingested: 7}, nil
	})

	id, err := r.Enqueue("flaky", nil, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 3, run.Attempts)
	assert.JSONEq(t, `{"ingested":7}`, string(run.Output))
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	r := startRunner(t, testConfig())
	r.Handle("down", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("%w: store unreachable", models.ErrServiceUnavailable)
	})

	id, err := r.Enqueue("down", nil, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 3, run.Attempts)
	assert.Equal(t, "service_unavailable", run.ErrorKind)
	assert.Contains(t, run.Error, "store unreachable")
	assert.Empty(t, run.Output)
}

func TestInvalidInputFailsWithoutRetry(t *testing.T) {
	r := startRunner(t, testConfig())
	r.Handle("bad", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("%w: blank question", models.ErrInvalidInput)
	})

	id, err := r.Enqueue("bad", nil, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, run.Attempts, "input errors must not be retried")
	assert.Equal(t, "invalid_input", run.ErrorKind)
}

func TestAttemptTimeoutIsEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.AttemptTimeout = 10 * time.Millisecond
	r := startRunner(t, cfg)
	r.Handle("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := r.Enqueue("slow", nil, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "service_unavailable", run.ErrorKind, "a timeout is a retryable failure")
}

func TestSourceCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.SourceCooldown = time.Hour
	r := startRunner(t, cfg)
	r.Handle("noop", func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	_, err := r.Enqueue("noop", nil, "doc1.pdf")
	require.NoError(t, err)

	_, err = r.Enqueue("noop", nil, "doc1.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRateLimited))

	// a different key and the empty key are unaffected
	_, err = r.Enqueue("noop", nil, "doc2.pdf")
	assert.NoError(t, err)
	_, err = r.Enqueue("noop", nil, "")
	assert.NoError(t, err)
	_, err = r.Enqueue("noop", nil, "")
	assert.NoError(t, err)
}

func TestEnqueueUnknownKind(t *testing.T) {
	r := New(testConfig())

	_, err := r.Enqueue("nope", nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestGetUnknownRun(t *testing.T) {
	r := New(testConfig())

	_, err := r.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestFullQueueRejectsAndReleasesCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.SourceCooldown = time.Hour
	r := New(cfg) // not started, so the queue never drains
	r.Handle("noop", func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	_, err := r.Enqueue("noop", nil, "a")
	require.NoError(t, err)

	_, err = r.Enqueue("noop", nil, "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrServiceUnavailable))

	// the rejected enqueue must not have started b's cooldown
	select {
	case <-r.queue:
	default:
		t.Fatal("expected a queued task")
	}
	_, err = r.Enqueue("noop", nil, "b")
	assert.NoError(t, err)
}

func TestQueuedRunsSurviveStop(t *testing.T) {
	r := New(testConfig())
	r.Handle("noop", func(context.Context, json.RawMessage) (any, error) { return "done", nil })

	id, err := r.Enqueue("noop", nil, "")
	require.NoError(t, err)

	run, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, run.Status)

	// starting later drains the backlog
	r.Start(context.Background())
	defer r.Stop()
	run = waitDone(t, r, id)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestSweepDropsOldFinishedRuns(t *testing.T) {
	cfg := testConfig()
	cfg.RetainFinished = time.Millisecond
	r := startRunner(t, cfg)
	r.Handle("noop", func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	id, err := r.Enqueue("noop", nil, "")
	require.NoError(t, err)
	waitDone(t, r, id)

	time.Sleep(5 * time.Millisecond)
	_, err = r.Enqueue("noop", nil, "")
	require.NoError(t, err)

	_, err = r.Get(id)
	assert.True(t, errors.Is(err, models.ErrNotFound), "finished run past retention should be swept")
}

type fakeIngestor struct {
	mu       sync.Mutex
	path     string
	sourceID string
	err      error
}

func (f *fakeIngestor) IngestFile(_ context.Context, path, sourceID string) (models.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = path
	f.sourceID = sourceID
	if f.err != nil {
		return models.UpsertResult{}, f.err
	}
	return models.UpsertResult{Ingested: 3}, nil
}

type fakeRetriever struct {
	mu       sync.Mutex
	question string
	topK     int
	err      error
}

func (f *fakeRetriever) Query(_ context.Context, question string, topK int) (models.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.question = question
	f.topK = topK
	if f.err != nil {
		return models.QueryResult{}, f.err
	}
	return models.QueryResult{Answer: "42", Sources: []string{"doc1.pdf"}, NumContexts: 2}, nil
}

func TestIngestHandler(t *testing.T) {
	r := startRunner(t, testConfig())
	ing := &fakeIngestor{}
	RegisterPipelines(r, ing, &fakeRetriever{})

	id, err := r.Enqueue(KindIngest, IngestPayload{Path: "/tmp/doc1.pdf", SourceID: "doc1.pdf"}, "doc1.pdf")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.JSONEq(t, `{"ingested":3}`, string(run.Output))
	assert.Equal(t, "/tmp/doc1.pdf", ing.path)
	assert.Equal(t, "doc1.pdf", ing.sourceID)
}

func TestIngestHandlerRejectsMissingPath(t *testing.T) {
	r := startRunner(t, testConfig())
	RegisterPipelines(r, &fakeIngestor{}, &fakeRetriever{})

	id, err := r.Enqueue(KindIngest, IngestPayload{}, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "invalid_input", run.ErrorKind)
	assert.Equal(t, 1, run.Attempts)
}

func TestQueryHandler(t *testing.T) {
	r := startRunner(t, testConfig())
	ret := &fakeRetriever{}
	RegisterPipelines(r, &fakeIngestor{}, ret)

	id, err := r.Enqueue(KindQuery, QueryPayload{Question: "what is it?", TopK: 4}, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.JSONEq(t, `{"answer":"42","sources":["doc1.pdf"],"num_contexts":2}`, string(run.Output))
	assert.Equal(t, "what is it?", ret.question)
	assert.Equal(t, 4, ret.topK)
}

func TestQueryHandlerValidation(t *testing.T) {
	r := startRunner(t, testConfig())
	RegisterPipelines(r, &fakeIngestor{}, &fakeRetriever{})

	id, err := r.Enqueue(KindQuery, QueryPayload{Question: "q", TopK: -1}, "")
	require.NoError(t, err)

	run := waitDone(t, r, id)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "invalid_input", run.ErrorKind)
}

func TestQueryHandlerReportsRetrievalFailure(t *testing.T) {
	r := startRunner(t, testConfig())
	ret := &fakeRetriever{err: fmt.Errorf("%w: vector store down", models.ErrServiceUnavailable)}
	RegisterPipelines(r, &fakeIngestor{}, ret)

	id, err := r.Enqueue(KindQuery, QueryPayload{Question: "q"}, "")
	require.NoError(t, err)

	// no fabricated answer: the run fails with the error kind and no output
	run := waitDone(t, r, id)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "service_unavailable", run.ErrorKind)
	assert.Empty(t, run.Output)
}
