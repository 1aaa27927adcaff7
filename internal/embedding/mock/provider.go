// Package mock provides a test double for embedding.Provider.
//
// The default behavior returns deterministic unit vectors derived from an FNV
// hash of each text, so identical text always embeds to the identical vector:
//
//	provider := mock.NewProvider(8)
//	embedder := embedding.NewEmbedder(provider, embedding.WithBatchDelay(0))
//
// Custom behavior is injected through EmbedTextsFunc.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/bull/evidence-rag/internal/embedding"
)

// Provider is a deterministic embedding.Provider.
type Provider struct {
	// EmbedTextsFunc is called by EmbedTexts if set.
	EmbedTextsFunc func(ctx context.Context, texts []string) (*embedding.ProviderResponse, error)

	dimension int
	mu        sync.Mutex
	calls     int
	batches   [][]string
}

var _ embedding.Provider = (*Provider)(nil)

// NewProvider creates a mock provider producing vectors of the given dimension.
func NewProvider(dimension int) *Provider {
	return &Provider{dimension: dimension}
}

// Model returns the mock model name.
func (p *Provider) Model() string { return "mock-embedding" }

// Dimension returns the vector dimension.
func (p *Provider) Dimension() int { return p.dimension }

// EmbedTexts records the call and returns deterministic vectors.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) (*embedding.ProviderResponse, error) {
	p.mu.Lock()
	p.calls++
	p.batches = append(p.batches, append([]string(nil), texts...))
	p.mu.Unlock()

	if p.EmbedTextsFunc != nil {
		return p.EmbedTextsFunc(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	usage := 0
	for i, text := range texts {
		vectors[i] = Vector(text, p.dimension)
		usage += len(text) / 4
	}
	return &embedding.ProviderResponse{
		Vectors:     vectors,
		Model:       p.Model(),
		UsageTokens: usage,
	}, nil
}

// CallCount returns the number of EmbedTexts calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Batches returns the texts of every call, in call order.
func (p *Provider) Batches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.batches...)
}

// Vector creates a deterministic unit vector from text.
func Vector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vector := make([]float32, dim)
	var sumSquares float64
	for i := 0; i < dim; i++ {
		seed = seed*1664525 + 1013904223 // LCG constants
		vector[i] = float32(seed%1000)/1000.0 + 0.001
		sumSquares += float64(vector[i]) * float64(vector[i])
	}

	norm := float32(1 / math.Sqrt(sumSquares))
	for i := range vector {
		vector[i] *= norm
	}
	return vector
}
