package httpapi

import (
	"errors"
	"strings"
	"unicode"
)

const maxQuestionLen = 10000

var (
	errEmptyQuestion = errors.New("question is empty")
	errOversize      = errors.New("question exceeds maximum length")
)

// injectionMarkers are logged when seen in a question. Detection is
// observational only: the answer stays grounded in retrieved context
// regardless, so a hostile prompt costs nothing beyond its own tokens.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"you are now",
	"system prompt",
}

// sanitizeQuestion strips control characters (keeping \n \r \t) and
// validates length bounds. The length check runs after stripping so a
// question padded with control bytes cannot sneak past the cap.
func sanitizeQuestion(q string) (string, error) {
	var b strings.Builder
	b.Grow(len(q))
	for _, r := range q {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return "", errEmptyQuestion
	}
	if len(clean) > maxQuestionLen {
		return "", errOversize
	}
	return clean, nil
}

// looksLikeInjection reports whether the question carries a known
// prompt-injection phrase.
func looksLikeInjection(q string) bool {
	lower := strings.ToLower(q)
	for _, m := range injectionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
