// Package search answers evidence queries for a scope and formats the
// results as numbered citations for a downstream generation step.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/storage"
)

// MaxContextChars bounds each result's content in FormatForContext.
const MaxContextChars = 500

var ErrInvalidQuery = errors.New("invalid search query")

// Retriever is the read side of retriever.Retriever.
type Retriever interface {
	IsOperational(ctx context.Context) bool
	Retrieve(ctx context.Context, req retriever.Request) ([]*storage.RetrievalResult, error)
}

// Defaults are applied when a request leaves a field unset.
type Defaults struct {
	TopK                int
	SimilarityThreshold float64
	UseSemanticRanking  bool
}

// Service embeds queries, retrieves evidence and formats citations.
type Service struct {
	retriever Retriever
	defaults  Defaults
	logger    *slog.Logger
}

// NewService creates a search service.
func NewService(r Retriever, defaults Defaults, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.TopK <= 0 {
		defaults.TopK = 5
	}
	return &Service{
		retriever: r,
		defaults:  defaults,
		logger:    logger.With("component", "search"),
	}
}

// Request is a search call. Zero TopK uses the default; a nil threshold uses
// the default threshold.
type Request struct {
	Query               string   `json:"query"`
	ScopeID             string   `json:"scope_id"`
	TopK                int      `json:"top_k,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
}

// Response carries ranked results. Operational is false when no backend is
// available or retrieval failed; Results is then empty.
type Response struct {
	Results     []*storage.RetrievalResult `json:"results"`
	Operational bool                       `json:"operational"`
	Context     string                     `json:"context"`
}

// Search runs a query. Only invalid input produces an error; retrieval
// failures are reported through Response.Operational.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	if strings.TrimSpace(req.ScopeID) == "" {
		return nil, fmt.Errorf("%w: scope id is required", ErrInvalidQuery)
	}
	if req.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k must not be negative", ErrInvalidQuery)
	}

	empty := &Response{Results: []*storage.RetrievalResult{}}
	if !s.retriever.IsOperational(ctx) {
		return empty, nil
	}

	topK := req.TopK
	if topK == 0 {
		topK = s.defaults.TopK
	}
	threshold := s.defaults.SimilarityThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}

	results, err := s.retriever.Retrieve(ctx, retriever.Request{
		QueryText:           req.Query,
		ScopeID:             req.ScopeID,
		TopK:                topK,
		UseSemanticRanking:  s.defaults.UseSemanticRanking,
		SimilarityThreshold: threshold,
	})
	if err != nil {
		s.logger.Warn("search failed", "scope_id", req.ScopeID, "err", err)
		return empty, nil
	}

	return &Response{
		Results:     results,
		Operational: true,
		Context:     FormatForContext(results),
	}, nil
}

// FormatForContext renders results as "[i] filename:\n<content>\n" blocks,
// numbered in the given order. Content longer than MaxContextChars is cut at
// a word boundary and marked with an ellipsis.
func FormatForContext(results []*storage.RetrievalResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s:\n%s\n", i+1, r.Filename, truncate(r.Content, MaxContextChars))
	}
	return b.String()
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := limit
	for i := limit; i > limit/2; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "..."
}
