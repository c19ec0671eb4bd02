package transform

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/models"
)

// Config holds query transformer settings.
type Config struct {
	EnableClassification bool
	EnableHyDE           bool
	EnableRewrites       bool
	MaxVariants          int
	HyDETemperature      float64
}

// Expansion is the transform output: the ordered retrieval variants, the
// hypothetical passage when one was generated, and the classification.
// The original query is always variant zero. Hypothetical is kept
// separately so downstream stages can use the passage without generating
// it again, even when the variant cap squeezed it out.
type Expansion struct {
	Variants       []string
	Hypothetical   string
	Classification models.Classification
}

// Transformer turns one user query into a short ordered list of retrieval
// variants plus an optional classification.
type Transformer struct {
	cfg        Config
	classifier *Classifier
	llm        Generator
	log        *zap.Logger
}

// NewTransformer creates the transformer; llm may be nil, which disables
// HyDE and LLM-refined classification.
func NewTransformer(cfg Config, llm Generator, logger *zap.Logger) *Transformer {
	if cfg.MaxVariants <= 0 {
		cfg.MaxVariants = 4
	}
	if cfg.HyDETemperature == 0 {
		cfg.HyDETemperature = 0.3
	}
	return &Transformer{
		cfg:        cfg,
		classifier: NewClassifier(llm, cfg.EnableClassification, logger),
		llm:        llm,
		log:        logger,
	}
}

// domainSynonyms rewrite service jargon so colloquial queries still hit
// the regulation's own vocabulary. Ordered: first match wins.
var domainSynonyms = []struct{ term, expansion string }{
	{"facial hair", "grooming standards facial hair"},
	{"beard", "facial hair"},
	{"pt test", "fitness assessment"},
	{"pt ", "physical training "},
	{"tattoo", "tattoo body marking"},
	{"pcs", "permanent change of station"},
	{"tdy", "temporary duty"},
	{"bah", "basic allowance for housing"},
	{"epr", "enlisted performance report"},
	{"uniform", "dress and appearance uniform"},
	{"leave", "leave authorization"},
}

const hydePrompt = `Write a short passage (2-3 sentences) from an Air Force instruction that would directly answer this question. Write only the passage, in regulation style, with no preamble.

Question: %s

Passage:`

// Transform produces the retrieval variants for a query. It never fails:
// any expansion error collapses to the original query alone.
func (t *Transformer) Transform(ctx context.Context, query string) Expansion {
	query = strings.TrimSpace(query)
	variants := []string{query}
	seen := map[string]struct{}{strings.ToLower(query): {}}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || len(variants) >= t.cfg.MaxVariants {
			return
		}
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		variants = append(variants, v)
	}

	exp := Expansion{Classification: models.ClassFactual}
	if t.cfg.EnableClassification {
		exp.Classification = t.classifier.Classify(ctx, query)
	}

	if t.cfg.EnableHyDE && t.llm != nil {
		if doc, err := t.Hypothetical(ctx, query); err == nil {
			exp.Hypothetical = doc
			add(doc)
		} else {
			t.log.Debug("hyde expansion unavailable", zap.Error(err))
		}
	}

	if t.cfg.EnableRewrites {
		for _, rw := range ruleRewrites(query) {
			add(rw)
		}
	}
	exp.Variants = variants
	return exp
}

// Hypothetical asks the LLM for a passage that would answer the query;
// retrieving against that passage's embedding often beats retrieving
// against the question itself.
func (t *Transformer) Hypothetical(ctx context.Context, query string) (string, error) {
	out, err := t.llm.Generate(ctx, strings.Replace(hydePrompt, "%s", query, 1),
		GenOptions{Temperature: t.cfg.HyDETemperature, MaxTokens: 160})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errEmptyExpansion
	}
	return out, nil
}

var errEmptyExpansion = errors.New("empty expansion")

// ruleRewrites derives cheap deterministic variants: policy/requirements
// suffixes and domain synonym substitution.
func ruleRewrites(query string) []string {
	var out []string
	lower := strings.ToLower(query)
	bare := strings.TrimRight(strings.TrimSpace(query), "?")

	if !strings.Contains(lower, "policy") {
		out = append(out, bare+" policy")
	}
	if !strings.Contains(lower, "requirement") {
		out = append(out, bare+" requirements")
	}
	for _, syn := range domainSynonyms {
		if strings.Contains(lower, syn.term) && !strings.Contains(lower, syn.expansion) {
			out = append(out, strings.Replace(lower, syn.term, syn.expansion, 1))
			break
		}
	}
	return out
}
