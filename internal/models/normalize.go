package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// articles dropped during normalization so "the beard policy" and
// "beard policy" hash identically.
var articles = map[string]struct{}{
	"a": {}, "an": {}, "the": {},
}

// NormalizeQuery produces the canonical form of a query: lowercased,
// punctuation stripped, whitespace collapsed, articles removed. Two
// queries that normalize identically are answered from the same cache
// entry; asking with or without a trailing '?' must collapse to one key.
func NormalizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// punctuation becomes a separator so "don't" -> "don t"
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	out := fields[:0]
	for _, f := range fields {
		if _, drop := articles[f]; drop {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// ExactHash hashes the raw query text.
func ExactHash(q string) string {
	h := sha256.Sum256([]byte(q))
	return hex.EncodeToString(h[:])
}

// NormalizedHash hashes the normalized form of the query.
func NormalizedHash(q string) string {
	return ExactHash(NormalizeQuery(q))
}

// ContentHash hashes arbitrary text for content-addressed cache keys.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
