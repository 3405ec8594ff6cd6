// Package rag wires the chunker, the embedding service and the vector store
// into the two pipelines of the system: ingestion and retrieval.
package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"pdfrag/internal/chunker"
	"pdfrag/internal/embedding"
	"pdfrag/internal/identity"
	"pdfrag/internal/models"
	"pdfrag/internal/parser"
	"pdfrag/internal/vectorstore"
)

// Answerer produces a grounded answer from retrieved contexts. Satisfied by
// llmservice.Service.
type Answerer interface {
	Answer(ctx context.Context, question string, contexts []string) (string, error)
}

// Ingestor turns documents into searchable vector records. Chunk IDs are
// derived from the source and chunk index, so ingesting the same source
// again overwrites instead of duplicating.
type Ingestor struct {
	splitter *chunker.SentenceSplitter
	embedder embedding.Service
	store    vectorstore.Store
	// prune removes leftover records beyond the new chunk count when a
	// source shrinks between ingestions
	prune bool

	mu    sync.Mutex
	locks map[string]*sourceLock
}

// sourceLock serializes ingestions of one source. refs counts waiters so the
// entry can be dropped once the last one is done.
type sourceLock struct {
	mu   sync.Mutex
	refs int
}

// NewIngestor builds the ingestion pipeline.
func NewIngestor(splitter *chunker.SentenceSplitter, embedder embedding.Service, store vectorstore.Store, prune bool) (*Ingestor, error) {
	if splitter == nil || embedder == nil || store == nil {
		return nil, fmt.Errorf("%w: ingestor needs a splitter, an embedder and a store", models.ErrInvalidInput)
	}
	return &Ingestor{
		splitter: splitter,
		embedder: embedder,
		store:    store,
		prune:    prune,
		locks:    map[string]*sourceLock{},
	}, nil
}

// IngestDocument chunks, embeds and stores one document. A document with no
// text reports zero chunks and touches neither the embedding service nor
// the store. Concurrent ingestions of the same source are serialized.
func (in *Ingestor) IngestDocument(ctx context.Context, doc models.Document) (models.UpsertResult, error) {
	sourceID := strings.TrimSpace(doc.SourceID)
	if sourceID == "" {
		return models.UpsertResult{}, fmt.Errorf("%w: source id must not be blank", models.ErrInvalidInput)
	}
	unlock := in.lockSource(sourceID)
	defer unlock()

	chunks := in.splitter.Split(doc.Text)
	if len(chunks) == 0 {
		log.Debug().Str("source", sourceID).Msg("document has no text, nothing to ingest")
		return models.UpsertResult{Ingested: 0}, nil
	}

	vectors, err := in.embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("ingest %s: %w", sourceID, err)
	}

	ids := identity.ChunkIDs(sourceID, len(chunks))
	payloads := make([]vectorstore.Payload, len(chunks))
	for i, c := range chunks {
		payloads[i] = vectorstore.Payload{Source: sourceID, Text: c}
	}

	// dropping old records only after embedding succeeded keeps a failed
	// run retryable without a window where the source is gone for good
	if in.prune {
		if err := in.store.DeleteBySource(ctx, sourceID); err != nil {
			return models.UpsertResult{}, fmt.Errorf("ingest %s: prune: %w", sourceID, err)
		}
	}
	if err := in.store.Upsert(ctx, ids, vectors, payloads); err != nil {
		return models.UpsertResult{}, fmt.Errorf("ingest %s: %w", sourceID, err)
	}

	log.Info().Str("source", sourceID).Int("chunks", len(chunks)).Msg("ingested document")
	return models.UpsertResult{Ingested: len(chunks)}, nil
}

// IngestFile extracts text from the file at path and ingests it. An empty
// sourceID defaults to the file name.
func (in *Ingestor) IngestFile(ctx context.Context, path, sourceID string) (models.UpsertResult, error) {
	sections, err := parser.ExtractText(path)
	if err != nil {
		return models.UpsertResult{}, err
	}
	if sourceID == "" {
		sourceID = filepath.Base(path)
	}
	return in.IngestDocument(ctx, models.Document{
		SourceID: sourceID,
		Text:     strings.Join(sections, "\n\n"),
	})
}

func (in *Ingestor) lockSource(sourceID string) func() {
	in.mu.Lock()
	l, ok := in.locks[sourceID]
	if !ok {
		l = &sourceLock{}
		in.locks[sourceID] = l
	}
	l.refs++
	in.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		in.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(in.locks, sourceID)
		}
		in.mu.Unlock()
	}
}

// Retriever answers questions over the ingested documents.
type Retriever struct {
	embedder embedding.Service
	store    vectorstore.Store
	answerer Answerer
	topK     int
}

// NewRetriever builds the retrieval pipeline. topK is the default number of
// contexts fetched per question.
func NewRetriever(embedder embedding.Service, store vectorstore.Store, answerer Answerer, topK int) (*Retriever, error) {
	if embedder == nil || store == nil || answerer == nil {
		return nil, fmt.Errorf("%w: retriever needs an embedder, a store and an answerer", models.ErrInvalidInput)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", models.ErrInvalidInput, topK)
	}
	return &Retriever{embedder: embedder, store: store, answerer: answerer, topK: topK}, nil
}

// Search embeds the query and returns the best-matching contexts with their
// sources. topK <= 0 falls back to the configured default.
func (r *Retriever) Search(ctx context.Context, query string, topK int) (models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return models.SearchResult{}, fmt.Errorf("%w: query must not be blank", models.ErrInvalidInput)
	}
	if topK <= 0 {
		topK = r.topK
	}
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("search: %w", err)
	}
	hits, err := r.store.Search(ctx, vector, topK)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("search: %w", err)
	}
	return vectorstore.Collect(hits), nil
}

// Query runs retrieval and asks the answer model. With nothing retrieved
// the model is skipped and the stock no-context answer comes back.
func (r *Retriever) Query(ctx context.Context, question string, topK int) (models.QueryResult, error) {
	res, err := r.Search(ctx, question, topK)
	if err != nil {
		return models.QueryResult{}, err
	}
	answer, err := r.answerer.Answer(ctx, question, res.Contexts)
	if err != nil {
		return models.QueryResult{}, fmt.Errorf("answer: %w", err)
	}
	log.Info().
		Int("contexts", len(res.Contexts)).
		Strs("sources", res.Sources).
		Msg("answered question")
	return models.QueryResult{
		Answer:      answer,
		Sources:     res.Sources,
		NumContexts: len(res.Contexts),
	}, nil
}
