package transform

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/models"
)

// classifier rule order matters: the first matching rule wins, and the
// more specific intents are checked before the generic ones.
var classifierRules = []struct {
	class    models.Classification
	keywords []string
}{
	{models.ClassClarification, []string{"what do you mean", "clarify", "i don't understand", "confused"}},
	{models.ClassElaboration, []string{"tell me more", "more detail", "elaborate", "expand on"}},
	{models.ClassExample, []string{"for example", "example of", "such as", "give me an example"}},
	{models.ClassComparison, []string{"difference between", "compare", "versus", " vs ", "better than"}},
	{models.ClassProcedure, []string{"how do i", "how to", "steps to", "process for", "procedure", "apply for", "submit"}},
	{models.ClassDefinition, []string{"what is", "what are", "define", "definition of", "meaning of"}},
	{models.ClassFollowUp, []string{"what about", "and also", "additionally", "also,"}},
}

var complexMarkers = []string{" and ", " while ", " except ", " unless ", " but "}

// Classifier assigns a query classification. Deterministic keyword rules
// run first; when none fires and an LLM is available, it refines the
// ambiguous remainder.
type Classifier struct {
	llm    Generator
	useLLM bool
	log    *zap.Logger
}

// Generator is the minimal completion surface the transformer needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenOptions) (string, error)
}

// GenOptions mirrors the sampling knobs the generator accepts.
type GenOptions struct {
	Temperature float64
	MaxTokens   int
}

// NewClassifier creates a classifier; llm may be nil for rules-only use.
func NewClassifier(llm Generator, useLLM bool, logger *zap.Logger) *Classifier {
	return &Classifier{llm: llm, useLLM: useLLM && llm != nil, log: logger}
}

// ClassifyRules runs only the deterministic pass. Exported for callers
// that must stay off the LLM path (the prefetcher).
func ClassifyRules(query string) (models.Classification, bool) {
	q := " " + strings.ToLower(strings.TrimSpace(query)) + " "
	for _, rule := range classifierRules {
		for _, kw := range rule.keywords {
			if strings.Contains(q, kw) {
				return rule.class, true
			}
		}
	}
	clauses := 0
	for _, m := range complexMarkers {
		clauses += strings.Count(q, m)
	}
	if clauses >= 2 || len(strings.Fields(q)) > 25 {
		return models.ClassComplex, true
	}
	return models.ClassFactual, false
}

const classifyPrompt = `Classify the user question into exactly one category from this list:
clarification, elaboration, example, comparison, procedure, definition, follow_up, new_topic, factual, complex

Question: %s

Answer with the single category word only.`

// Classify returns the query classification. Never fails: ambiguous
// queries where the LLM is unavailable or returns garbage fall back to
// factual.
func (c *Classifier) Classify(ctx context.Context, query string) models.Classification {
	class, confident := ClassifyRules(query)
	if confident || !c.useLLM {
		return class
	}
	out, err := c.llm.Generate(ctx, strings.Replace(classifyPrompt, "%s", query, 1), GenOptions{Temperature: 0, MaxTokens: 8})
	if err != nil {
		c.log.Debug("llm classification unavailable, using rules result", zap.Error(err))
		return class
	}
	refined := models.Classification(strings.ToLower(strings.TrimSpace(strings.Trim(out, ".\"' \n"))))
	if refined.Valid() {
		return refined
	}
	return class
}
