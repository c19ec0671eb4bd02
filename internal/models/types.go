package models

import (
	"time"
)

// Document is an immutable corpus passage. Identity is ID, which stays
// stable across re-indexing as long as the content hash matches.
type Document struct {
	ID       string                 `json:"id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Source returns the originating file name from metadata, if present.
func (d Document) Source() string {
	if d.Metadata == nil {
		return ""
	}
	if s, ok := d.Metadata["source"].(string); ok {
		return s
	}
	return ""
}

// Classification tags a query with one of a small closed set of types.
type Classification string

const (
	ClassClarification Classification = "clarification"
	ClassElaboration   Classification = "elaboration"
	ClassExample       Classification = "example"
	ClassComparison    Classification = "comparison"
	ClassProcedure     Classification = "procedure"
	ClassDefinition    Classification = "definition"
	ClassFollowUp      Classification = "follow_up"
	ClassNewTopic      Classification = "new_topic"
	ClassFactual       Classification = "factual"
	ClassComplex       Classification = "complex"
)

// Valid reports whether c is one of the recognized classification tags.
func (c Classification) Valid() bool {
	switch c {
	case ClassClarification, ClassElaboration, ClassExample, ClassComparison,
		ClassProcedure, ClassDefinition, ClassFollowUp, ClassNewTopic,
		ClassFactual, ClassComplex:
		return true
	}
	return false
}

// QueryMode selects the pipeline depth for a request.
type QueryMode string

const (
	ModeSimple   QueryMode = "simple"
	ModeAdaptive QueryMode = "adaptive"
)

// QueryOptions carries per-request knobs supplied by the caller.
type QueryOptions struct {
	Mode           QueryMode `json:"mode"`
	UseContext     bool      `json:"use_context"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// RetrievalStrategy labels how a retrieval result was produced.
type RetrievalStrategy string

const (
	StrategySingle     RetrievalStrategy = "single"
	StrategyMultiQuery RetrievalStrategy = "multi_query"
	StrategyHyDE       RetrievalStrategy = "hyde_single"
)

// RetrievalResult is an ordered set of documents with parallel scores.
// Scores are normalized to [0,1] and non-increasing; len(Scores) always
// equals len(Documents).
type RetrievalResult struct {
	Documents []Document             `json:"documents"`
	Scores    []float64              `json:"scores"`
	Strategy  RetrievalStrategy      `json:"strategy"`
	QueryType Classification         `json:"query_type,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// DocumentIDs returns the ordered ids of the result documents.
func (r *RetrievalResult) DocumentIDs() []string {
	ids := make([]string, len(r.Documents))
	for i, d := range r.Documents {
		ids[i] = d.ID
	}
	return ids
}

// Empty reports whether the result carries no documents.
func (r *RetrievalResult) Empty() bool {
	return r == nil || len(r.Documents) == 0
}

// Citation points an answer back at a retrieved document.
type Citation struct {
	DocumentID string  `json:"document_id"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Relevance  float64 `json:"relevance"`
}

// AnswerMetadata carries per-answer observability fields.
type AnswerMetadata struct {
	Strategy   RetrievalStrategy  `json:"strategy,omitempty"`
	CacheHit   bool               `json:"cache_hit"`
	CacheLayer string             `json:"cache_layer,omitempty"`
	TimingsMs  map[string]float64 `json:"timings_ms,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	ErrorKind  string             `json:"error,omitempty"`
}

// Answer is the user-visible result of a query. When Error is true, Text
// holds a plain explanation, Citations is empty and Metadata.ErrorKind
// carries a short kind tag.
type Answer struct {
	Text      string         `json:"text"`
	Citations []Citation     `json:"citations"`
	Metadata  AnswerMetadata `json:"metadata"`
	Error     bool           `json:"error"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}
