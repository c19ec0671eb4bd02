package vectordb

import (
	"errors"
	"time"

	"github.com/doctrine-ai/doctrine/internal/models"
)

// Errors surfaced by the vector store client.
var (
	// ErrUnavailable marks a transient store failure after retry.
	ErrUnavailable = errors.New("vector store unavailable")
	// ErrFilterInvalid marks a filter the backend refused or cannot honor.
	// The client never silently drops a filter.
	ErrFilterInvalid = errors.New("vector store filter invalid")
)

// Config holds vector store client settings.
type Config struct {
	Host             string
	Port             int
	Collection       string
	DenseVectorName  string
	SparseVectorName string
	HybridEnabled    bool
	// DenseWeight and SparseWeight apportion the hybrid candidate budget
	// between the two prefetch legs. Both zero means an even split.
	DenseWeight  float64
	SparseWeight float64
	Timeout      time.Duration
}

// Fusion names the server-side rank fusion applied to hybrid prefetches.
type Fusion string

const (
	FusionRRF  Fusion = "rrf"
	FusionDBSF Fusion = "dbsf"
)

// ScoredDocument pairs a corpus document with a similarity score. Scores
// are comparable only within a single call.
type ScoredDocument struct {
	Document models.Document
	Score    float64
}

// Filter is an opaque Qdrant filter passed through to the backend. Only
// the standard clause keys are accepted; anything else is refused before
// the call is made.
type Filter map[string]interface{}

var allowedFilterClauses = map[string]struct{}{
	"must": {}, "should": {}, "must_not": {}, "min_should": {},
}

// Validate rejects filters with clause keys the backend does not define.
func (f Filter) Validate() error {
	for k := range f {
		if _, ok := allowedFilterClauses[k]; !ok {
			return ErrFilterInvalid
		}
	}
	return nil
}

// SparseVector is an inverted-index style query: parallel term indices
// and weights.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}
