package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pdfrag/internal/models"
)

// Job kinds served by the pipelines.
const (
	KindIngest = "ingest-pdf"
	KindQuery  = "query-pdf"
)

// IngestPayload asks for one file to be ingested. An empty SourceID
// defaults to the file name.
type IngestPayload struct {
	Path     string `json:"path"`
	SourceID string `json:"source_id,omitempty"`
}

// QueryPayload asks a question over the ingested documents. A zero TopK
// falls back to the retriever default.
type QueryPayload struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

// Ingestor is the slice of the ingestion pipeline the job handlers need.
// Satisfied by *rag.Ingestor.
type Ingestor interface {
	IngestFile(ctx context.Context, path, sourceID string) (models.UpsertResult, error)
}

// Retriever is the slice of the retrieval pipeline the job handlers need.
// Satisfied by *rag.Retriever.
type Retriever interface {
	Query(ctx context.Context, question string, topK int) (models.QueryResult, error)
}

// RegisterPipelines binds the two pipeline operations to their job kinds.
// Both handlers are idempotent, so a retried run converges on the same
// store state and the same output.
func RegisterPipelines(r *Runner, ingestor Ingestor, retriever Retriever) {
	r.Handle(KindIngest, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p IngestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: decode ingest payload: %v", models.ErrInvalidInput, err)
		}
		if strings.TrimSpace(p.Path) == "" {
			return nil, fmt.Errorf("%w: ingest payload needs a path", models.ErrInvalidInput)
		}
		return ingestor.IngestFile(ctx, p.Path, p.SourceID)
	})

	r.Handle(KindQuery, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p QueryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: decode query payload: %v", models.ErrInvalidInput, err)
		}
		if p.TopK < 0 {
			return nil, fmt.Errorf("%w: top_k must not be negative, got %d", models.ErrInvalidInput, p.TopK)
		}
		return retriever.Query(ctx, p.Question, p.TopK)
	})
}
