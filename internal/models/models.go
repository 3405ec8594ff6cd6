// Package models holds the serializable types exchanged between the
// pipelines, the job runner and the HTTP layer, plus the shared error
// taxonomy. Everything here is flat and JSON-friendly so the orchestration
// layer can checkpoint and replay pipeline steps.
package models

// Document is one ingestion unit: raw text plus the caller-supplied source
// identifier. It exists only for the duration of a pipeline run.
type Document struct {
	SourceID string `json:"source_id"`
	Text     string `json:"text"`
}

// UpsertResult reports how many chunks an ingestion run stored.
type UpsertResult struct {
	Ingested int `json:"ingested"`
}

// SearchResult is the retrieval output: contexts ordered by relevance
// (duplicates allowed when several chunks of one source match) and the
// distinct set of originating sources.
type SearchResult struct {
	Contexts []string `json:"contexts"`
	Sources  []string `json:"sources"`
}

// QueryResult is the answer-generation output consumed by the front end.
type QueryResult struct {
	Answer      string   `json:"answer"`
	Sources     []string `json:"sources"`
	NumContexts int      `json:"num_contexts"`
}
