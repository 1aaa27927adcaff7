package storage

import (
	"math"
	"sort"
)

// CosineSimilarity returns dot(a,b) / (|a|·|b|). It returns 0 when either
// vector has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortByRank orders results by descending rank score. Ties keep document
// and chunk order so output is deterministic.
func SortByRank(results []*RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		si, sj := results[i].RankScore(), results[j].RankScore()
		if si != sj {
			return si > sj
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
}
