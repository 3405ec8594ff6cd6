// Package jobs executes ingestion and query requests in the background the
// way an external workflow engine would: every job is a named kind with a
// JSON payload, attempts are throttled and retried on transient failure,
// and each run leaves a record the front end can poll. Handlers consume and
// produce plain JSON, so a run is fully described by its record.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"pdfrag/internal/helper"
	"pdfrag/internal/models"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is the pollable record of one enqueued job.
type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Done reports whether the run has reached a terminal state.
func (r Run) Done() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Handler executes one job kind. The returned value must marshal to JSON,
// since it becomes the run output clients poll for.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Config tunes the runner. Zero values fall back to defaults.
type Config struct {
	// Workers is the number of concurrent job executors.
	Workers int
	// ThrottlePerMinute caps attempt starts across all kinds. Zero or
	// negative disables the throttle.
	ThrottlePerMinute int
	// SourceCooldown is the minimum interval between accepted enqueues
	// sharing a dedupe key. Within the window Enqueue fails with
	// models.ErrRateLimited. Zero disables the cooldown.
	SourceCooldown time.Duration
	// MaxAttempts bounds retries of a transiently failing job.
	MaxAttempts int
	// Backoff is the pause between attempts.
	Backoff time.Duration
	// AttemptTimeout bounds a single handler call. Zero means unbounded.
	AttemptTimeout time.Duration
	// RetainFinished is how long completed and failed runs stay pollable.
	RetainFinished time.Duration
	// QueueSize bounds the backlog; a full queue rejects enqueues.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Second
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = 24 * time.Hour
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type task struct {
	id      string
	kind    string
	payload json.RawMessage
}

// Runner is an in-memory job queue with a fixed worker pool. Runs and their
// records live only as long as the process.
type Runner struct {
	cfg      Config
	throttle *rate.Limiter

	mu       sync.Mutex
	handlers map[string]Handler
	runs     map[string]*Run
	lastSeen map[string]time.Time
	queue    chan task
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New returns a stopped runner. Register handlers with Handle, then call
// Start.
func New(cfg Config) *Runner {
	cfg = cfg.withDefaults()
	throttle := rate.NewLimiter(rate.Inf, 1)
	if cfg.ThrottlePerMinute > 0 {
		throttle = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ThrottlePerMinute)), 1)
	}
	return &Runner{
		cfg:      cfg,
		throttle: throttle,
		handlers: map[string]Handler{},
		runs:     map[string]*Run{},
		lastSeen: map[string]time.Time{},
		queue:    make(chan task, cfg.QueueSize),
	}
}

// Handle registers the handler for a job kind, replacing any previous one.
func (r *Runner) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Enqueue queues one job and returns its run ID. A non-empty dedupeKey
// enforces the per-key cooldown: a second enqueue inside the window is
// dropped with models.ErrRateLimited, matching how repeated uploads of the
// same document are meant to be absorbed rather than re-run.
func (r *Runner) Enqueue(kind string, payload any, dedupeKey string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s payload: %v", models.ErrInvalidInput, kind, err)
	}
	id, err := helper.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("new run id: %w", err)
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; !ok {
		return "", fmt.Errorf("%w: no handler for job kind %q", models.ErrNotFound, kind)
	}
	prev, seen := r.lastSeen[dedupeKey]
	if dedupeKey != "" && r.cfg.SourceCooldown > 0 {
		if seen && now.Sub(prev) < r.cfg.SourceCooldown {
			return "", fmt.Errorf("%w: %q was enqueued %s ago, cooldown is %s",
				models.ErrRateLimited, dedupeKey, now.Sub(prev).Round(time.Second), r.cfg.SourceCooldown)
		}
		r.lastSeen[dedupeKey] = now
	}

	select {
	case r.queue <- task{id: id, kind: kind, payload: data}:
	default:
		// an enqueue the queue dropped must not burn the cooldown window
		if dedupeKey != "" {
			if seen {
				r.lastSeen[dedupeKey] = prev
			} else {
				delete(r.lastSeen, dedupeKey)
			}
		}
		return "", fmt.Errorf("%w: job queue is full", models.ErrServiceUnavailable)
	}

	r.runs[id] = &Run{ID: id, Kind: kind, Status: StatusQueued, EnqueuedAt: now}
	r.sweepLocked(now)
	log.Debug().Str("run", id).Str("kind", kind).Msg("enqueued job")
	return id, nil
}

// Get returns a snapshot of the run.
func (r *Runner) Get(id string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %s", models.ErrNotFound, id)
	}
	return *run, nil
}

// Start launches the worker pool and returns. Calling Start on a running
// runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, stopCh)
	}
	log.Debug().Int("workers", r.cfg.Workers).Msg("job runner started")
}

// Stop halts the workers after their current jobs finish. Queued jobs stay
// queued and resume if Start is called again.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
	log.Debug().Msg("job runner stopped")
}

func (r *Runner) worker(ctx context.Context, stopCh chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-r.queue:
			r.execute(ctx, stopCh, t)
		}
	}
}

// execute runs one job to a terminal state. Only transient failures are
// retried; input errors fail the run on the spot. Retry here is the sole
// recovery mechanism in the system, the pipelines themselves never retry.
func (r *Runner) execute(ctx context.Context, stopCh chan struct{}, t task) {
	r.mu.Lock()
	h := r.handlers[t.kind]
	r.mu.Unlock()
	if h == nil {
		r.finish(t, nil, fmt.Errorf("%w: no handler for job kind %q", models.ErrNotFound, t.kind))
		return
	}

	for attempt := 1; ; attempt++ {
		if err := r.throttle.Wait(ctx); err != nil {
			r.finish(t, nil, fmt.Errorf("throttle: %w", err))
			return
		}
		r.markRunning(t.id, attempt)

		out, err := r.attempt(ctx, h, t.payload)
		if err == nil {
			r.finish(t, out, nil)
			return
		}
		log.Warn().Str("run", t.id).Str("kind", t.kind).Int("attempt", attempt).Err(err).Msg("job attempt failed")
		if !models.IsTransient(err) || attempt >= r.cfg.MaxAttempts || ctx.Err() != nil {
			r.finish(t, nil, err)
			return
		}
		select {
		case <-ctx.Done():
			r.finish(t, nil, err)
			return
		case <-stopCh:
			r.finish(t, nil, err)
			return
		case <-time.After(r.cfg.Backoff):
		}
	}
}

func (r *Runner) attempt(ctx context.Context, h Handler, payload json.RawMessage) (any, error) {
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}
	return h(ctx, payload)
}

func (r *Runner) markRunning(id string, attempt int) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return
	}
	run.Status = StatusRunning
	run.Attempts = attempt
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
}

func (r *Runner) finish(t task, out any, err error) {
	var (
		encoded json.RawMessage
		encErr  error
	)
	if err == nil && out != nil {
		encoded, encErr = json.Marshal(out)
		if encErr != nil {
			err = fmt.Errorf("encode %s output: %w", t.kind, encErr)
		}
	}

	now := time.Now()
	r.mu.Lock()
	run, ok := r.runs[t.id]
	if !ok {
		r.mu.Unlock()
		return
	}
	run.FinishedAt = &now
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		run.ErrorKind = models.Kind(err)
	} else {
		run.Status = StatusCompleted
		run.Output = encoded
	}
	attempts := run.Attempts
	r.mu.Unlock()

	if err != nil {
		log.Error().Str("run", t.id).Str("kind", t.kind).Int("attempts", attempts).Err(err).Msg("job failed")
		return
	}
	log.Info().Str("run", t.id).Str("kind", t.kind).Int("attempts", attempts).Msg("job completed")
}

// sweepLocked drops finished runs past the retention window. Callers hold
// r.mu.
func (r *Runner) sweepLocked(now time.Time) {
	cutoff := now.Add(-r.cfg.RetainFinished)
	for id, run := range r.runs {
		if run.Done() && run.FinishedAt != nil && run.FinishedAt.Before(cutoff) {
			delete(r.runs, id)
		}
	}
}
