package storage

import "context"

// VectorBackend is a vector store the retriever can read from and write to.
// Every call is scoped to one tenant scope.
type VectorBackend interface {
	Kind() BackendKind

	// Upsert writes records, reporting per-item failures in the result
	// instead of aborting. A non-nil error means nothing could be attempted.
	Upsert(ctx context.Context, records []*StoredChunkRecord) (*BatchResult, error)

	// Search returns at most req.TopK results with a similarity score of at
	// least req.SimilarityThreshold, ordered by descending rank score.
	Search(ctx context.Context, req *SearchRequest) ([]*RetrievalResult, error)

	Health(ctx context.Context) error
	Close() error
}

// DocumentDeleter removes the chunks of one document within a scope.
type DocumentDeleter interface {
	DeleteByDocument(ctx context.Context, scopeID, documentID string) (int, error)
}

// ScopeDeleter removes every chunk of a scope.
type ScopeDeleter interface {
	DeleteByScope(ctx context.Context, scopeID string) (int, error)
}

// Counter reports the number of chunks stored for a scope.
type Counter interface {
	Count(ctx context.Context, scopeID string) (int, error)
}

func validateRecord(r *StoredChunkRecord) error {
	switch {
	case r == nil:
		return ErrInvalidRecord
	case r.ScopeID == "":
		return ErrScopeRequired
	case r.DocumentID == "":
		return ErrInvalidRecord
	case len(r.Vector) == 0:
		return ErrInvalidRecord
	}
	return nil
}
