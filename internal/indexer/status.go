package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/bull/evidence-rag/internal/storage"
)

// State is the lifecycle position of one ingestion run.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

var (
	ErrStatusNotFound    = errors.New("ingestion status not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSuperseded means a newer ingestion of the same document replaced this run's status.
	ErrSuperseded = errors.New("ingestion status superseded by a newer run")
)

// IngestionStatus tracks one ingestion run of a document. Each run gets a
// fresh status; a terminal status is never moved again.
type IngestionStatus struct {
	DocumentID      string     `json:"document_id"`
	ScopeID         string     `json:"scope_id"`
	RunID           string     `json:"run_id"`
	Status          State      `json:"status"`
	ChunksProcessed int        `json:"chunks_processed"`
	TotalChunks     int        `json:"total_chunks"`
	Error           string     `json:"error,omitempty"`
	BatchErrors     []string   `json:"batch_errors,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// advance moves the status forward. Allowed: pending to processing, and any
// non-terminal state to a terminal one.
func (s *IngestionStatus) advance(to State, now time.Time) error {
	from := s.Status
	switch {
	case from.Terminal():
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	case to == StateProcessing && from != StatePending:
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	case to == StatePending:
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	s.Status = to
	if to.Terminal() {
		s.CompletedAt = &now
	}
	return nil
}

func (s *IngestionStatus) clone() *IngestionStatus {
	c := *s
	c.BatchErrors = append([]string(nil), s.BatchErrors...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StatusStore keeps the latest ingestion status per document id. Entries are
// created when an ingestion starts and kept until cleared or pruned.
type StatusStore interface {
	// Create stores a fresh status, replacing any previous run's status.
	Create(ctx context.Context, st *IngestionStatus) error
	// Save updates a status. It returns ErrSuperseded when a newer run owns the entry.
	Save(ctx context.Context, st *IngestionStatus) error
	// Get returns ErrStatusNotFound for unknown documents.
	Get(ctx context.Context, documentID string) (*IngestionStatus, error)
	Clear(ctx context.Context, documentID string) error
	// Prune removes terminal statuses completed before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStatusStore is a process-local StatusStore.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]*IngestionStatus
}

var _ StatusStore = (*MemoryStatusStore)(nil)

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]*IngestionStatus)}
}

func (m *MemoryStatusStore) Create(ctx context.Context, st *IngestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[st.DocumentID] = st.clone()
	return nil
}

func (m *MemoryStatusStore) Save(ctx context.Context, st *IngestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.statuses[st.DocumentID]
	if ok && current.RunID != st.RunID {
		return ErrSuperseded
	}
	m.statuses[st.DocumentID] = st.clone()
	return nil
}

func (m *MemoryStatusStore) Get(ctx context.Context, documentID string) (*IngestionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[documentID]
	if !ok {
		return nil, ErrStatusNotFound
	}
	return st.clone(), nil
}

func (m *MemoryStatusStore) Clear(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, documentID)
	return nil
}

func (m *MemoryStatusStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, st := range m.statuses {
		if prunable(st, cutoff) {
			delete(m.statuses, id)
			pruned++
		}
	}
	return pruned, nil
}

func prunable(st *IngestionStatus, cutoff time.Time) bool {
	return st.Status.Terminal() && st.CompletedAt != nil && st.CompletedAt.Before(cutoff)
}

// BadgerStatusStore persists statuses in the embedded database so they
// survive restarts.
type BadgerStatusStore struct {
	db *storage.BadgerDB
	mu sync.Mutex
}

var _ StatusStore = (*BadgerStatusStore)(nil)

// NewBadgerStatusStore creates a store over an open database.
func NewBadgerStatusStore(db *storage.BadgerDB) *BadgerStatusStore {
	return &BadgerStatusStore{db: db}
}

func (b *BadgerStatusStore) Create(ctx context.Context, st *IngestionStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.Store().Upsert(st.DocumentID, st); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func (b *BadgerStatusStore) Save(ctx context.Context, st *IngestionStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var current IngestionStatus
	err := b.db.Store().Get(st.DocumentID, &current)
	switch {
	case err == nil && current.RunID != st.RunID:
		return ErrSuperseded
	case err != nil && !errors.Is(err, badgerhold.ErrNotFound):
		return fmt.Errorf("failed to load status: %w", err)
	}

	if err := b.db.Store().Upsert(st.DocumentID, st); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func (b *BadgerStatusStore) Get(ctx context.Context, documentID string) (*IngestionStatus, error) {
	var st IngestionStatus
	if err := b.db.Store().Get(documentID, &st); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrStatusNotFound
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return &st, nil
}

func (b *BadgerStatusStore) Clear(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.db.Store().Delete(documentID, &IngestionStatus{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to clear status: %w", err)
	}
	return nil
}

func (b *BadgerStatusStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var statuses []IngestionStatus
	if err := b.db.Store().Find(&statuses, nil); err != nil {
		return 0, fmt.Errorf("failed to list statuses: %w", err)
	}

	pruned := 0
	for i := range statuses {
		if !prunable(&statuses[i], cutoff) {
			continue
		}
		err := b.db.Store().Delete(statuses[i].DocumentID, &IngestionStatus{})
		if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return pruned, fmt.Errorf("failed to prune status %s: %w", statuses[i].DocumentID, err)
		}
		pruned++
	}
	return pruned, nil
}
