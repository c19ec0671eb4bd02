package vectordb

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// sparseStopwords are dropped before term hashing; they carry no retrieval
// signal and bloat the sparse query.
var sparseStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "and": {},
	"or": {}, "it": {}, "this": {}, "that": {}, "what": {}, "how": {},
	"do": {}, "does": {}, "can": {}, "i": {}, "my": {}, "with": {},
}

// EncodeSparse turns free text into a sparse query vector: lowercased
// alphanumeric tokens, stopwords removed, term frequency as the weight,
// FNV-1a of the term as the index. The same hashing is used at indexing
// time, so term identities line up with the inverted index.
func EncodeSparse(text string) SparseVector {
	counts := make(map[string]float32)
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()
		if _, stop := sparseStopwords[tok]; stop {
			return
		}
		counts[tok]++
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	sv := SparseVector{
		Indices: make([]uint32, 0, len(counts)),
		Values:  make([]float32, 0, len(counts)),
	}
	for tok, tf := range counts {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sv.Indices = append(sv.Indices, h.Sum32())
		sv.Values = append(sv.Values, tf)
	}
	return sv
}
