// Package server is the HTTP front end. Uploads and questions are accepted
// as background jobs and answered with a run ID; clients poll the run until
// it completes. Nothing here touches the pipelines directly, everything
// goes through the job runner.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pdfrag/internal/helper"
	"pdfrag/internal/jobs"
	"pdfrag/internal/models"
	"pdfrag/internal/parser"
	"pdfrag/internal/vectorstore"
)

// maxUploadBytes bounds one uploaded document.
const maxUploadBytes = 64 << 20

// Runner is the slice of the job runner the server needs.
type Runner interface {
	Enqueue(kind string, payload any, dedupeKey string) (string, error)
	Get(id string) (jobs.Run, error)
}

// Config carries the listen address and upload location.
type Config struct {
	Addr       string
	UploadDir  string
	Collection string
}

// Server handles the JSON API.
type Server struct {
	cfg    Config
	runner Runner
	store  vectorstore.Store
}

// New builds the server and makes sure the upload directory exists.
func New(cfg Config, runner Runner, store vectorstore.Store) (*Server, error) {
	if runner == nil || store == nil {
		return nil, fmt.Errorf("%w: server needs a runner and a store", models.ErrInvalidInput)
	}
	if err := helper.EnsureDir(cfg.UploadDir); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, runner: runner, store: store}, nil
}

// Handler returns the routed and logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return requestLog(mux)
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleUpload saves a multipart document into the upload directory and
// queues its ingestion. The file name doubles as source ID and dedupe key,
// so re-uploading the same document inside the cooldown is rejected.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: multipart field %q: %v", models.ErrInvalidInput, "file", err))
		return
	}
	defer file.Close()

	name := filepath.Base(filepath.Clean(header.Filename))
	if name == "." || name == string(filepath.Separator) {
		writeError(w, fmt.Errorf("%w: unusable file name %q", models.ErrInvalidInput, header.Filename))
		return
	}
	if !parser.Supported(filepath.Ext(name)) {
		writeError(w, fmt.Errorf("%w: unsupported file format %q", models.ErrInvalidInput, filepath.Ext(name)))
		return
	}

	path := filepath.Join(s.cfg.UploadDir, name)
	if err := saveUpload(path, file); err != nil {
		writeError(w, err)
		return
	}

	runID, err := s.runner.Enqueue(jobs.KindIngest, jobs.IngestPayload{Path: path, SourceID: name}, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "source_id": name})
}

func saveUpload(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: save upload: %v", models.ErrServiceUnavailable, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		// an oversized body is the client's fault, a disk-side failure is not
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fmt.Errorf("%w: upload exceeds %d bytes", models.ErrInvalidInput, tooBig.Limit)
		}
		return fmt.Errorf("%w: save upload: %v", models.ErrServiceUnavailable, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: save upload: %v", models.ErrServiceUnavailable, err)
	}
	return nil
}

// handleIngest queues ingestion of a file already on disk.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string `json:"path"`
		SourceID string `json:"source_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, fmt.Errorf("%w: path is required", models.ErrInvalidInput))
		return
	}
	if _, err := os.Stat(req.Path); err != nil {
		writeError(w, fmt.Errorf("%w: %s", models.ErrNotFound, req.Path))
		return
	}
	sourceID := req.SourceID
	if sourceID == "" {
		sourceID = filepath.Base(req.Path)
	}

	runID, err := s.runner.Enqueue(jobs.KindIngest, jobs.IngestPayload{Path: req.Path, SourceID: sourceID}, sourceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "source_id": sourceID})
}

// handleQuery queues a question. Questions carry no dedupe key, the same
// question may be asked as often as wanted.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
		TopK     int    `json:"top_k"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, fmt.Errorf("%w: question is required", models.ErrInvalidInput))
		return
	}
	if req.TopK < 0 {
		writeError(w, fmt.Errorf("%w: top_k must not be negative, got %d", models.ErrInvalidInput, req.TopK))
		return
	}

	runID, err := s.runner.Enqueue(jobs.KindQuery, jobs.QueryPayload{Question: req.Question, TopK: req.TopK}, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleRun reports the state of one run, the polling counterpart to the
// 202 responses above.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "degraded",
			"collection": s.cfg.Collection,
			"error":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"collection": s.cfg.Collection,
		"records":    n,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode request body: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

// writeError maps the error taxonomy onto status codes and reports the
// kind next to the message, mirroring how failed runs are reported.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"kind":  models.Kind(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case models.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// statusWriter remembers the status code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
