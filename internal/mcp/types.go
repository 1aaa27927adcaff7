// Package mcp exposes evidence search and ingestion as MCP tools.
package mcp

// SearchEvidenceInput defines the input parameters for the search_evidence tool.
type SearchEvidenceInput struct {
	Query   string `json:"query" jsonschema:"the natural language question to find evidence for"`
	ScopeID string `json:"scope_id" jsonschema:"the engagement scope to search within"`
	// TopK is the maximum number of chunks to return.
	TopK int `json:"top_k,omitempty" jsonschema:"maximum number of evidence chunks to return, default 5"`
	// SimilarityThreshold overrides the configured minimum similarity.
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty" jsonschema:"minimum similarity between 0 and 1"`
}

// SearchEvidenceOutput contains ranked evidence and a citation-ready context block.
type SearchEvidenceOutput struct {
	Results     []Evidence `json:"results"`
	Operational bool       `json:"operational"`
	Context     string     `json:"context"`
	// Message provides informational context (e.g., "No matching evidence found").
	Message string `json:"message,omitempty"`
}

// Evidence is one retrieved chunk.
type Evidence struct {
	Citation      string   `json:"citation"`
	DocumentID    string   `json:"source_document_id"`
	Filename      string   `json:"filename"`
	ChunkIndex    int      `json:"chunk_index"`
	Content       string   `json:"content"`
	Score         float64  `json:"similarity_score"`
	RerankerScore *float64 `json:"reranker_score,omitempty"`
	Highlights    []string `json:"highlights,omitempty"`
	Backend       string   `json:"backend_used"`
}

// IngestDocumentInput defines the input parameters for the ingest_document tool.
type IngestDocumentInput struct {
	DocumentID string `json:"document_id" jsonschema:"stable identifier of the source document"`
	ScopeID    string `json:"scope_id" jsonschema:"the engagement scope the document belongs to"`
	Filename   string `json:"filename,omitempty" jsonschema:"original file name, used in citations"`
	Text       string `json:"text" jsonschema:"extracted plain text or markdown of the document"`
	UploadedBy string `json:"uploaded_by,omitempty" jsonschema:"who uploaded the document"`
	Async      bool   `json:"async,omitempty" jsonschema:"return immediately and poll ingestion_status"`
}

// StatusOutput mirrors an ingestion status with string timestamps.
type StatusOutput struct {
	Found           bool     `json:"found"`
	DocumentID      string   `json:"document_id"`
	ScopeID         string   `json:"scope_id,omitempty"`
	Status          string   `json:"status,omitempty"`
	ChunksProcessed int      `json:"chunks_processed"`
	TotalChunks     int      `json:"total_chunks"`
	Error           string   `json:"error,omitempty"`
	BatchErrors     []string `json:"batch_errors,omitempty"`
	StartedAt       string   `json:"started_at,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
}

// IngestionStatusInput defines the input parameters for the ingestion_status tool.
type IngestionStatusInput struct {
	DocumentID string `json:"document_id" jsonschema:"the document to report on"`
}

// DeleteDocumentsInput defines the input parameters for the delete_documents tool.
type DeleteDocumentsInput struct {
	ScopeID    string `json:"scope_id" jsonschema:"the engagement scope to delete from"`
	DocumentID string `json:"document_id,omitempty" jsonschema:"delete only this document; omit to clear the scope"`
}

// DeleteDocumentsOutput reports how many chunks were removed.
type DeleteDocumentsOutput struct {
	Deleted int    `json:"deleted"`
	Status  string `json:"status"`
}
