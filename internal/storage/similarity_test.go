package storage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{0.3, -1.2, 4, 0.5}
	b := []float32{1, 2, 0.25, -3}
	zero := []float32{0, 0, 0, 0}

	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, CosineSimilarity(a, b), CosineSimilarity(b, a), 1e-12)
	assert.Equal(t, 0.0, CosineSimilarity(a, zero))
	assert.Equal(t, 0.0, CosineSimilarity(zero, a))
	assert.Equal(t, 0.0, CosineSimilarity(zero, zero))
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))

	opposite := []float32{-0.3, 1.2, -4, -0.5}
	assert.InDelta(t, -1.0, CosineSimilarity(a, opposite), 1e-9)

	orthogonal := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	assert.False(t, math.IsNaN(orthogonal))
	assert.InDelta(t, 0.0, orthogonal, 1e-12)
}

func TestSortByRank(t *testing.T) {
	rerank := 0.9
	results := []*RetrievalResult{
		{DocumentID: "b", ChunkIndex: 0, SimilarityScore: 0.5},
		{DocumentID: "a", ChunkIndex: 1, SimilarityScore: 0.8},
		{DocumentID: "a", ChunkIndex: 0, SimilarityScore: 0.8},
		{DocumentID: "c", ChunkIndex: 0, SimilarityScore: 0.1, RerankerScore: &rerank},
	}

	SortByRank(results)

	got := make([]string, len(results))
	for i, r := range results {
		got[i] = Citation(r.ChunkIndex, r.DocumentID)
	}
	assert.Equal(t, []string{"[0] c", "[0] a", "[1] a", "[0] b"}, got)
}

func TestRecordID(t *testing.T) {
	id := RecordID("scope-1", "doc-1", 0)
	assert.Equal(t, id, RecordID("scope-1", "doc-1", 0))
	assert.NotEqual(t, id, RecordID("scope-1", "doc-1", 1))
	assert.NotEqual(t, id, RecordID("scope-2", "doc-1", 0))
	assert.Len(t, id, 36)
}

func TestAssignCitations(t *testing.T) {
	results := []*RetrievalResult{{Filename: "policy.pdf"}, {Filename: "network.md"}}
	AssignCitations(results)
	assert.Equal(t, "[1] policy.pdf", results[0].Citation)
	assert.Equal(t, "[2] network.md", results[1].Citation)
}
