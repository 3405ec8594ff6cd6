// Package chromem implements the vectorstore port on chromem-go, an
// embedded pure-Go vector database. It needs no external service, which
// makes it the default for single-node deployments.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"pdfrag/internal/models"
	"pdfrag/internal/vectorstore"
)

// Config selects the database location and the collection schema.
type Config struct {
	// Path is the database directory in persistent mode, or the snapshot
	// directory in in-memory mode.
	Path     string
	InMemory bool
	Compress bool
	// EncryptionKey enables snapshot export/import for in-memory mode.
	EncryptionKey string
	Collection    string
	Dimensions    int
	Model         string
	Metric        vectorstore.Metric
}

// Store wraps one chromem collection.
type Store struct {
	cfg Config
	db  *chromemgo.DB

	mu         sync.Mutex
	collection *chromemgo.Collection
}

var _ vectorstore.Store = (*Store)(nil)

// New opens or creates the database. chromem computes cosine similarity
// over normalized vectors, so any other metric is rejected here.
func New(cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", models.ErrInvalidInput, cfg.Dimensions)
	}
	if cfg.Metric != vectorstore.Cosine {
		return nil, fmt.Errorf("%w: chromem backend only supports cosine, got %q", models.ErrInvalidInput, cfg.Metric)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name must not be empty", models.ErrInvalidInput)
	}

	s := &Store{cfg: cfg}
	if cfg.InMemory {
		s.db = chromemgo.NewDB()
		if cfg.EncryptionKey != "" {
			if err := s.importSnapshot(); err != nil {
				return nil, err
			}
		}
		return s, nil
	}

	db, err := chromemgo.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db at %s: %w", cfg.Path, err)
	}
	s.db = db
	return s, nil
}

// schemaMeta records what a collection was created with. chromem keeps
// collection metadata unexported, so the record lives in a sidecar file
// next to the database and is compared on reopen.
type schemaMeta struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Distance   string `json:"distance"`
}

// EnsureCollection implements vectorstore.Store. Reopening an on-disk
// collection with a different model, width or metric fails here instead of
// mixing vector spaces in one collection.
func (s *Store) EnsureCollection(context.Context) error {
	_, err := s.col()
	return err
}

func (s *Store) col() (*chromemgo.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collection != nil {
		return s.collection, nil
	}
	if err := s.checkSchema(); err != nil {
		return nil, err
	}
	meta := map[string]string{
		"model":      s.cfg.Model,
		"dimensions": strconv.Itoa(s.cfg.Dimensions),
		"distance":   string(s.cfg.Metric),
	}
	// Embeddings are always computed upstream, so a collection-level
	// embedding func must never run.
	reject := func(_ context.Context, _ string) ([]float32, error) {
		return nil, fmt.Errorf("%w: missing precomputed embedding", models.ErrInvalidInput)
	}
	c, err := s.db.GetOrCreateCollection(s.cfg.Collection, meta, reject)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", s.cfg.Collection, err)
	}
	s.collection = c
	return c, nil
}

// checkSchema validates the configured schema against the sidecar record of
// a previous run, writing the record on first use. A store that leaves no
// state on disk has nothing to drift from.
func (s *Store) checkSchema() error {
	if s.cfg.InMemory && s.cfg.EncryptionKey == "" {
		return nil
	}
	data, err := os.ReadFile(s.metaPath())
	if os.IsNotExist(err) {
		return s.writeSchema()
	}
	if err != nil {
		return fmt.Errorf("read collection meta: %w", err)
	}
	var existing schemaMeta
	if err := json.Unmarshal(data, &existing); err != nil {
		return fmt.Errorf("decode collection meta %s: %w", s.metaPath(), err)
	}
	if existing.Dimensions != s.cfg.Dimensions || existing.Distance != string(s.cfg.Metric) || existing.Model != s.cfg.Model {
		return fmt.Errorf("%w: collection %q was created with model=%s dimensions=%d distance=%s, configured model=%s dimensions=%d distance=%s",
			models.ErrInvalidInput, s.cfg.Collection,
			existing.Model, existing.Dimensions, existing.Distance,
			s.cfg.Model, s.cfg.Dimensions, s.cfg.Metric)
	}
	return nil
}

func (s *Store) writeSchema() error {
	data, err := json.Marshal(schemaMeta{
		Model:      s.cfg.Model,
		Dimensions: s.cfg.Dimensions,
		Distance:   string(s.cfg.Metric),
	})
	if err != nil {
		return fmt.Errorf("encode collection meta: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Path, 0o755); err != nil {
		return fmt.Errorf("create collection meta dir: %w", err)
	}
	if err := os.WriteFile(s.metaPath(), data, 0o644); err != nil {
		return fmt.Errorf("write collection meta: %w", err)
	}
	return nil
}

func (s *Store) metaPath() string {
	return filepath.Join(s.cfg.Path, s.cfg.Collection+".meta.json")
}

// Upsert implements vectorstore.Store. chromem keys documents by ID, so
// writing an existing ID replaces the stored record.
func (s *Store) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []vectorstore.Payload) error {
	if err := vectorstore.ValidateBatch(ids, vectors, payloads, s.cfg.Dimensions); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	c, err := s.col()
	if err != nil {
		return err
	}
	docs := make([]chromemgo.Document, len(ids))
	for i := range ids {
		docs[i] = chromemgo.Document{
			ID:        ids[i],
			Metadata:  map[string]string{"source": payloads[i].Source},
			Embedding: vectors[i],
			Content:   payloads[i].Text,
		}
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add %d documents: %w", len(docs), err)
	}
	return nil
}

// Search implements vectorstore.Store. chromem rejects queries asking for
// more results than documents, so topK is clamped to the current count.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]vectorstore.Hit, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", models.ErrInvalidInput, topK)
	}
	if len(vector) != s.cfg.Dimensions {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, want %d",
			models.ErrDimensionMismatch, len(vector), s.cfg.Dimensions)
	}
	c, err := s.col()
	if err != nil {
		return nil, err
	}
	count := c.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	results, err := c.QueryWithOptions(ctx, chromemgo.QueryOptions{
		QueryEmbedding: vector,
		NResults:       topK,
	})
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	hits := make([]vectorstore.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, vectorstore.Hit{
			ID:    r.ID,
			Score: r.Similarity,
			Payload: vectorstore.Payload{
				Source: r.Metadata["source"],
				Text:   r.Content,
			},
		})
	}
	return hits, nil
}

// DeleteBySource implements vectorstore.Store.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) error {
	c, err := s.col()
	if err != nil {
		return err
	}
	if c.Count() == 0 {
		return nil
	}
	if err := c.Delete(ctx, map[string]string{"source": sourceID}, nil); err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	return nil
}

// Count implements vectorstore.Store.
func (s *Store) Count(context.Context) (int, error) {
	c, err := s.col()
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// Close implements vectorstore.Store. An in-memory database with an
// encryption key is exported so the next start can import it again.
func (s *Store) Close() error {
	if !s.cfg.InMemory || s.cfg.EncryptionKey == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collection == nil {
		return nil
	}
	path := s.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := s.db.ExportToFile(path, s.cfg.Compress, s.cfg.EncryptionKey, s.cfg.Collection); err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}
	log.Debug().Str("path", path).Msg("exported chromem snapshot")
	return nil
}

func (s *Store) importSnapshot() error {
	path := s.snapshotPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := s.db.ImportFromFile(path, s.cfg.EncryptionKey); err != nil {
		return fmt.Errorf("import snapshot %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("imported chromem snapshot")
	return nil
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.cfg.Path, s.cfg.Collection+".chromem")
}
