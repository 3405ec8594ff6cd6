// Package pgvector implements the vectorstore port on Postgres with the
// pgvector extension, via the bun query builder. It suits deployments that
// already run Postgres (Supabase included) and want vectors next to
// relational data.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"pdfrag/internal/models"
	"pdfrag/internal/vectorstore"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// operator maps metrics to pgvector distance operators, opclass maps them
// to the matching HNSW operator classes.
var (
	operator = map[vectorstore.Metric]string{
		vectorstore.Cosine: "<=>",
		vectorstore.Dot:    "<#>",
		vectorstore.Euclid: "<->",
	}
	opclass = map[vectorstore.Metric]string{
		vectorstore.Cosine: "vector_cosine_ops",
		vectorstore.Dot:    "vector_ip_ops",
		vectorstore.Euclid: "vector_l2_ops",
	}
)

// Config carries connection settings and the collection schema.
type Config struct {
	DSN      string
	Password string
	// Driver selects the SQL driver: "pgdriver" (default) or "pq".
	Driver     string
	Debug      bool
	Collection string
	Dimensions int
	Model      string
	Metric     vectorstore.Metric
}

// collectionMeta records what a collection was created with, so a restart
// with different settings fails loudly instead of mixing vector spaces.
type collectionMeta struct {
	bun.BaseModel `bun:"table:vector_collections,alias:vc"`

	Name       string `bun:"name,pk"`
	Model      string `bun:"model,notnull"`
	Dimensions int    `bun:"dimensions,notnull"`
	Distance   string `bun:"distance,notnull"`
}

// chunkRow is the scan and insert shape for chunk tables.
type chunkRow struct {
	ID        string  `bun:"id"`
	Source    string  `bun:"source"`
	Content   string  `bun:"content"`
	Embedding string  `bun:"embedding"`
	Score     float64 `bun:"score,scanonly"`
}

// Store keeps one collection in a chunks_<collection> table.
type Store struct {
	db     *bun.DB
	cfg    Config
	table  string
	metric vectorstore.Metric
}

var _ vectorstore.Store = (*Store)(nil)

// New opens the database handle. No connection is made until the first
// query.
func New(cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", models.ErrInvalidInput, cfg.Dimensions)
	}
	if _, ok := operator[cfg.Metric]; !ok {
		return nil, fmt.Errorf("%w: unknown distance metric %q", models.ErrInvalidInput, cfg.Metric)
	}
	if !identRe.MatchString(cfg.Collection) {
		return nil, fmt.Errorf("%w: collection %q is not a valid identifier", models.ErrInvalidInput, cfg.Collection)
	}

	sqldb, err := open(cfg)
	if err != nil {
		return nil, err
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return &Store{
		db:     db,
		cfg:    cfg,
		table:  "chunks_" + cfg.Collection,
		metric: cfg.Metric,
	}, nil
}

func open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown sql driver %q", models.ErrInvalidInput, cfg.Driver)
	}
}

// EnsureCollection implements vectorstore.Store. It creates the chunk table
// and index if missing and validates the recorded schema otherwise.
func (s *Store) EnsureCollection(ctx context.Context) error {
	// the extension may be managed by the operator, so failure here only
	// matters if the later DDL fails too
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Debug().Err(err).Msg("could not create vector extension, assuming it exists")
	}

	if _, err := s.db.NewCreateTable().Model((*collectionMeta)(nil)).IfNotExists().Exec(ctx); err != nil {
		return transient("create meta table", err)
	}

	meta := &collectionMeta{
		Name:       s.cfg.Collection,
		Model:      s.cfg.Model,
		Dimensions: s.cfg.Dimensions,
		Distance:   string(s.metric),
	}
	if _, err := s.db.NewInsert().Model(meta).On("CONFLICT (name) DO NOTHING").Exec(ctx); err != nil {
		return transient("register collection", err)
	}

	var existing collectionMeta
	err := s.db.NewSelect().Model(&existing).Where("name = ?", s.cfg.Collection).Scan(ctx)
	if err != nil {
		return transient("read collection meta", err)
	}
	if existing.Dimensions != s.cfg.Dimensions || existing.Distance != string(s.metric) || existing.Model != s.cfg.Model {
		return fmt.Errorf("%w: collection %q was created with model=%s dimensions=%d distance=%s, configured model=%s dimensions=%d distance=%s",
			models.ErrInvalidInput, s.cfg.Collection,
			existing.Model, existing.Dimensions, existing.Distance,
			s.cfg.Model, s.cfg.Dimensions, s.metric)
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			source text NOT NULL,
			content text NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.table, s.cfg.Dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source)`, s.table, s.table),
	}
	// hnsw indexes cap at 2000 dimensions; wider vectors fall back to a
	// sequential scan
	if s.cfg.Dimensions <= 2000 {
		ddl = append(ddl, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding %s)`,
			s.table, s.table, opclass[s.metric]))
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return transient("create chunk table", err)
		}
	}
	return nil
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []vectorstore.Payload) error {
	if err := vectorstore.ValidateBatch(ids, vectors, payloads, s.cfg.Dimensions); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	rows := make([]chunkRow, len(ids))
	for i := range ids {
		rows[i] = chunkRow{
			ID:        ids[i],
			Source:    payloads[i].Source,
			Content:   payloads[i].Text,
			Embedding: vectorLiteral(vectors[i]),
		}
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		ModelTableExpr(s.table).
		On("CONFLICT (id) DO UPDATE").
		Set("source = EXCLUDED.source").
		Set("content = EXCLUDED.content").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return transient(fmt.Sprintf("upsert %d chunks", len(rows)), err)
	}
	return nil
}

// Search implements vectorstore.Store.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]vectorstore.Hit, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", models.ErrInvalidInput, topK)
	}
	if len(vector) != s.cfg.Dimensions {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, want %d",
			models.ErrDimensionMismatch, len(vector), s.cfg.Dimensions)
	}

	var rows []chunkRow
	err := s.db.NewSelect().
		ColumnExpr("id, source, content").
		ColumnExpr(scoreExpr(s.metric)+" AS score", vectorLiteral(vector)).
		TableExpr(s.table).
		OrderExpr("score DESC").
		Limit(topK).
		Scan(ctx, &rows)
	if err != nil {
		return nil, transient("search", err)
	}
	hits := make([]vectorstore.Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, vectorstore.Hit{
			ID:    r.ID,
			Score: float32(r.Score),
			Payload: vectorstore.Payload{
				Source: r.Source,
				Text:   r.Content,
			},
		})
	}
	return hits, nil
}

// DeleteBySource implements vectorstore.Store.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) error {
	_, err := s.db.NewDelete().
		Table(s.table).
		Where("source = ?", sourceID).
		Exec(ctx)
	if err != nil {
		return transient(fmt.Sprintf("delete source %s", sourceID), err)
	}
	return nil
}

// Count implements vectorstore.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.NewSelect().
		ColumnExpr("count(*)").
		TableExpr(s.table).
		Scan(ctx, &n)
	if err != nil {
		return 0, transient("count", err)
	}
	return n, nil
}

// Close implements vectorstore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// scoreExpr rates rows against the query vector with higher meaning closer,
// matching the ordering convention of the other backends.
func scoreExpr(metric vectorstore.Metric) string {
	switch metric {
	case vectorstore.Dot:
		return "-(embedding <#> ?::vector)"
	case vectorstore.Euclid:
		return "-(embedding <-> ?::vector)"
	default:
		return "1 - (embedding <=> ?::vector)"
	}
}

// vectorLiteral renders a vector in pgvector input syntax, e.g. [1,0.5,-2].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// transient tags database failures as retryable. Context cancellation keeps
// its identity so callers can tell shutdown from outage.
func transient(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrServiceUnavailable, err)
}
