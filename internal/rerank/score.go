package rerank

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/doctrine-ai/doctrine/internal/metrics"
)

// neutralScore is assumed when a judge reply cannot be parsed at all.
const neutralScore = 5.0

var (
	firstNumberRe = regexp.MustCompile(`-?\d+(\.\d+)?`)
	scoreLabelRe  = regexp.MustCompile(`(?i)score\s*[:=]\s*(-?\d+(\.\d+)?)`)
)

// ParseScore extracts a 0-10 relevance score from a judge reply. The
// ladder is deterministic: direct numeric parse, then the first number in
// the text, then an explicit "score: X" label, then neutral 5.
func ParseScore(reply string) float64 {
	reply = strings.TrimSpace(reply)
	if v, err := strconv.ParseFloat(reply, 64); err == nil {
		return clampScore(v)
	}
	if m := firstNumberRe.FindString(reply); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			return clampScore(v)
		}
	}
	if m := scoreLabelRe.FindStringSubmatch(reply); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return clampScore(v)
		}
	}
	metrics.RerankScoreParseFallbacks.Inc()
	return neutralScore
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// minMaxNormalize maps scores onto [0,1] per call. A constant slice maps
// to all ones so it stays neutral under fusion.
func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}
