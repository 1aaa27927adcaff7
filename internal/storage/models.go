package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackendKind identifies a vector store implementation.
type BackendKind string

const (
	// BackendIndex is the managed hybrid search index (Qdrant).
	BackendIndex BackendKind = "index"
	// BackendScan is the partitioned document store with brute-force similarity (BadgerDB).
	BackendScan BackendKind = "scan"
	// BackendNone means no backend is operational.
	BackendNone BackendKind = "none"
)

// StoredChunkRecord is the persisted unit: a chunk joined with its vector and provenance.
// Records are owned by their scope and removed with their source document or scope.
type StoredChunkRecord struct {
	ID          string            `json:"id"`
	ScopeID     string            `json:"scope_id" badgerhold:"index"`
	DocumentID  string            `json:"document_id" badgerhold:"index"`
	ChunkIndex  int               `json:"chunk_index"`
	Text        string            `json:"text"`
	Vector      []float32         `json:"vector,omitempty"`
	Filename    string            `json:"filename"`
	UploadedBy  string            `json:"uploaded_by"`
	UploadedAt  time.Time         `json:"uploaded_at"`
	ModelID     string            `json:"model_id"`
	TokenCount  int               `json:"token_count"`
	StartOffset int               `json:"start_offset"`
	EndOffset   int               `json:"end_offset"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RetrievalResult is one ranked chunk returned for a query. Not persisted.
type RetrievalResult struct {
	DocumentID      string      `json:"source_document_id"`
	ChunkIndex      int         `json:"chunk_index"`
	Content         string      `json:"content"`
	Filename        string      `json:"filename"`
	SimilarityScore float64     `json:"similarity_score"`
	Citation        string      `json:"citation"`
	BackendUsed     BackendKind `json:"backend_used"`
	RerankerScore   *float64    `json:"reranker_score,omitempty"`
	Highlights      []string    `json:"highlights,omitempty"`
}

// RankScore is the score results are ordered by: the reranker score when
// present, otherwise the similarity score.
func (r *RetrievalResult) RankScore() float64 {
	if r.RerankerScore != nil {
		return *r.RerankerScore
	}
	return r.SimilarityScore
}

// SearchRequest describes a scoped vector query.
type SearchRequest struct {
	QueryVector         []float32
	QueryText           string // Used for keyword matching and highlights
	ScopeID             string
	TopK                int
	UseSemanticRanking  bool
	SimilarityThreshold float64
}

// BatchResult reports a bulk write where individual items may fail.
type BatchResult struct {
	Successful int      `json:"successful"`
	Errors     []string `json:"errors,omitempty"`
}

// Filter selects records for deletion. ScopeID is mandatory.
type Filter struct {
	ScopeID    string
	DocumentID string // Optional; empty selects the whole scope
}

// recordNamespace seeds the deterministic record UUIDs.
var recordNamespace = uuid.MustParse("6f0c7d1e-3b7a-5d2f-9c41-8a5e2b9d4f10")

// RecordID derives a stable record id from the scope, document id and chunk index,
// so re-ingesting a document overwrites its chunks in place.
func RecordID(scopeID, documentID string, chunkIndex int) string {
	name := fmt.Sprintf("%s/%s#%d", scopeID, documentID, chunkIndex)
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

// Citation formats the citation label for a 1-based rank.
func Citation(rank int, filename string) string {
	return fmt.Sprintf("[%d] %s", rank, filename)
}

// AssignCitations numbers results in their current order.
func AssignCitations(results []*RetrievalResult) {
	for i, r := range results {
		r.Citation = Citation(i+1, r.Filename)
	}
}

// DefaultCollectionName is the Qdrant collection holding all chunk records.
const DefaultCollectionName = "evidence_chunks"

// VectorName is the named vector used for chunk embeddings.
const VectorName = "content"
