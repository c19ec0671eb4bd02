package prefetch

import (
	"sort"
	"strings"
	"sync"

	"github.com/doctrine-ai/doctrine/internal/models"
	"github.com/doctrine-ai/doctrine/internal/transform"
)

// predictorStopwords are excluded from keyword extraction.
var predictorStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "what": {},
	"how": {}, "do": {}, "does": {}, "can": {}, "i": {}, "my": {}, "me": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "and": {}, "or": {},
	"about": {}, "with": {}, "it": {}, "this": {}, "that": {}, "tell": {},
	"more": {}, "am": {}, "allowed": {},
}

// followupTemplates phrase the likely next question per current
// classification; {K} is filled with extracted keywords.
var followupTemplates = map[models.Classification][]string{
	models.ClassDefinition:  {"tell me more about {K}", "what are the requirements for {K}"},
	models.ClassElaboration: {"give me an example of {K}", "what is the policy on {K}"},
	models.ClassExample:     {"what are the exceptions to {K}"},
	models.ClassProcedure:   {"what documents do i need for {K}", "how long does {K} take"},
	models.ClassFactual:     {"tell me more about {K}", "{K} requirements"},
	models.ClassComparison:  {"what is {K}"},
	models.ClassFollowUp:    {"what is the policy on {K}"},
	models.ClassComplex:     {"what is {K}"},
}

// classSpecificity feeds the confidence model: the sharper the intent,
// the better the transition graph predicts the follow-up.
var classSpecificity = map[models.Classification]float64{
	models.ClassDefinition:  0.6,
	models.ClassProcedure:   0.6,
	models.ClassElaboration: 0.5,
	models.ClassExample:     0.5,
	models.ClassComparison:  0.4,
	models.ClassFollowUp:    0.4,
	models.ClassFactual:     0.3,
	models.ClassComplex:     0.2,
}

// Prediction is one candidate follow-up query.
type Prediction struct {
	Query      string
	Confidence float64
	Priority   Priority
}

// Predictor derives likely follow-up queries from the recent query
// stream. Classification is rules-only here: the predictor sits off the
// request path and must never touch the LLM.
type Predictor struct {
	mu     sync.Mutex
	window []string
	size   int
}

// NewPredictor creates a predictor over a sliding window of recent
// queries.
func NewPredictor(windowSize int) *Predictor {
	if windowSize <= 0 {
		windowSize = 5
	}
	return &Predictor{size: windowSize}
}

// Observe records a served query and returns predicted follow-ups,
// highest confidence first.
func (p *Predictor) Observe(query string) []Prediction {
	p.mu.Lock()
	p.window = append(p.window, query)
	if len(p.window) > p.size {
		p.window = p.window[len(p.window)-p.size:]
	}
	depth := len(p.window)
	keywords := p.topKeywordsLocked(5)
	p.mu.Unlock()

	class, _ := transform.ClassifyRules(query)
	templates := followupTemplates[class]
	if len(templates) == 0 || len(keywords) == 0 {
		return nil
	}

	conf := classSpecificity[class] +
		0.05*float64(len(keywords)) +
		0.03*float64(depth)
	if conf > 1 {
		conf = 1
	}

	key := strings.Join(keywords[:min(2, len(keywords))], " ")
	out := make([]Prediction, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, Prediction{
			Query:      strings.ReplaceAll(tpl, "{K}", key),
			Confidence: conf,
			Priority:   priorityFor(conf),
		})
	}
	return out
}

// priorityFor buckets a confidence into the queue priority.
func priorityFor(conf float64) Priority {
	switch {
	case conf >= 0.7:
		return PriorityHigh
	case conf >= 0.4:
		return PriorityMed
	default:
		return PriorityLow
	}
}

// topKeywordsLocked ranks window terms by frequency; ties break
// alphabetically for determinism. Caller holds p.mu.
func (p *Predictor) topKeywordsLocked(n int) []string {
	counts := map[string]int{}
	for _, q := range p.window {
		for _, tok := range strings.Fields(strings.ToLower(q)) {
			tok = strings.Trim(tok, "?.,!\"'")
			if len(tok) < 3 {
				continue
			}
			if _, stop := predictorStopwords[tok]; stop {
				continue
			}
			counts[tok]++
		}
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(a, b int) bool {
		if counts[terms[a]] != counts[terms[b]] {
			return counts[terms[a]] > counts[terms[b]]
		}
		return terms[a] < terms[b]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}
