package storage

import "errors"

var (
	ErrQdrantUnreachable  = errors.New("qdrant server unreachable")
	ErrBackendUnavailable = errors.New("vector backend unavailable")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrScopeRequired      = errors.New("scope id is required")
	ErrInvalidRecord      = errors.New("invalid chunk record")
)
