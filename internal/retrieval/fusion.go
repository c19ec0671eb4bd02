package retrieval

import (
	"sort"

	"github.com/doctrine-ai/doctrine/internal/vectordb"
)

// fusedDoc accumulates a document's standing across variant result lists.
type fusedDoc struct {
	doc       vectordb.ScoredDocument
	score     float64
	bestRank  int
	firstSeen int
}

// fuseRRF merges per-variant ranked lists with Reciprocal Rank Fusion:
// each appearance of a document at rank r contributes 1/(kRRF + r).
// Ties break by the lowest best rank across input lists, then by first
// appearance for stability.
func fuseRRF(lists [][]vectordb.ScoredDocument, kRRF int) []vectordb.ScoredDocument {
	if kRRF <= 0 {
		kRRF = 60
	}
	byID := make(map[string]*fusedDoc)
	order := 0
	for _, list := range lists {
		for rank, sd := range list {
			f, ok := byID[sd.Document.ID]
			if !ok {
				f = &fusedDoc{doc: sd, bestRank: rank, firstSeen: order}
				byID[sd.Document.ID] = f
				order++
			}
			f.score += 1.0 / float64(kRRF+rank+1)
			if rank < f.bestRank {
				f.bestRank = rank
			}
		}
	}

	fused := make([]*fusedDoc, 0, len(byID))
	for _, f := range byID {
		fused = append(fused, f)
	}
	sort.Slice(fused, func(a, b int) bool {
		if fused[a].score != fused[b].score {
			return fused[a].score > fused[b].score
		}
		if fused[a].bestRank != fused[b].bestRank {
			return fused[a].bestRank < fused[b].bestRank
		}
		return fused[a].firstSeen < fused[b].firstSeen
	})

	out := make([]vectordb.ScoredDocument, len(fused))
	for i, f := range fused {
		out[i] = vectordb.ScoredDocument{Document: f.doc.Document, Score: f.score}
	}
	return out
}
