package transform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/models"
)

type fakeGen struct {
	reply string
	err   error
	calls int
}

func (f *fakeGen) Generate(ctx context.Context, prompt string, opts GenOptions) (string, error) {
	f.calls++
	return f.reply, f.err
}

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		query string
		want  models.Classification
	}{
		{"What is a fitness assessment?", models.ClassDefinition},
		{"How do I submit a leave request?", models.ClassProcedure},
		{"Tell me more about shaving waivers", models.ClassElaboration},
		{"Difference between TDY and PCS?", models.ClassComparison},
		{"Give me an example of an authorized tattoo", models.ClassExample},
		{"What about officers?", models.ClassFollowUp},
		{"beard regulations", models.ClassFactual},
	}
	for _, tc := range cases {
		got, _ := ClassifyRules(tc.query)
		assert.Equal(t, tc.want, got, tc.query)
	}
}

func TestClassifyComplexQueries(t *testing.T) {
	got, confident := ClassifyRules("Can I wear a beard while deployed and keep my flight status unless a waiver says otherwise?")
	assert.True(t, confident)
	assert.Equal(t, models.ClassComplex, got)
}

func TestClassifierLLMRefinesAmbiguous(t *testing.T) {
	gen := &fakeGen{reply: "procedure\n"}
	c := NewClassifier(gen, true, zap.NewNop())

	got := c.Classify(context.Background(), "beard regulations")
	assert.Equal(t, models.ClassProcedure, got)
	assert.Equal(t, 1, gen.calls)

	// confident rule hit skips the LLM
	got = c.Classify(context.Background(), "what is a shaving waiver")
	assert.Equal(t, models.ClassDefinition, got)
	assert.Equal(t, 1, gen.calls)
}

func TestClassifierGarbageLLMFallsBack(t *testing.T) {
	gen := &fakeGen{reply: "I think this is probably about grooming"}
	c := NewClassifier(gen, true, zap.NewNop())
	got := c.Classify(context.Background(), "beard regulations")
	assert.Equal(t, models.ClassFactual, got)
}

func TestTransformOriginalAlwaysFirst(t *testing.T) {
	tr := NewTransformer(Config{EnableRewrites: true, EnableClassification: true}, nil, zap.NewNop())
	exp := tr.Transform(context.Background(), "Can I have a beard?")

	require.NotEmpty(t, exp.Variants)
	assert.Equal(t, "Can I have a beard?", exp.Variants[0])
	assert.LessOrEqual(t, len(exp.Variants), 4)
	assert.Equal(t, models.ClassFactual, exp.Classification)

	joined := strings.Join(exp.Variants, " | ")
	assert.Contains(t, joined, "policy")
}

func TestTransformIncludesHypotheticalDocument(t *testing.T) {
	gen := &fakeGen{reply: "Airmen may request a shaving waiver through their medical provider."}
	tr := NewTransformer(Config{EnableHyDE: true, MaxVariants: 4}, gen, zap.NewNop())

	exp := tr.Transform(context.Background(), "how do i get a shaving waiver")
	require.GreaterOrEqual(t, len(exp.Variants), 2)
	assert.Equal(t, gen.reply, exp.Variants[1])
	assert.Equal(t, gen.reply, exp.Hypothetical)
	assert.Equal(t, 1, gen.calls, "one expansion pass generates the passage once")
}

func TestTransformLLMFailureIsNonFatal(t *testing.T) {
	gen := &fakeGen{err: errors.New("engine down")}
	tr := NewTransformer(Config{EnableHyDE: true, EnableRewrites: false}, gen, zap.NewNop())

	exp := tr.Transform(context.Background(), "tattoo rules")
	assert.Equal(t, []string{"tattoo rules"}, exp.Variants)
	assert.Empty(t, exp.Hypothetical)
}

func TestTransformDeduplicatesVariants(t *testing.T) {
	// the hypothetical document echoing the query must not duplicate it,
	// but it is still carried for the hyde retrieval strategy
	gen := &fakeGen{reply: "Tattoo rules"}
	tr := NewTransformer(Config{EnableHyDE: true}, gen, zap.NewNop())
	exp := tr.Transform(context.Background(), "tattoo rules")
	assert.Equal(t, []string{"tattoo rules"}, exp.Variants)
	assert.Equal(t, "Tattoo rules", exp.Hypothetical)
}

func TestRuleRewritesSynonyms(t *testing.T) {
	rewrites := ruleRewrites("what are the beard rules?")
	joined := strings.Join(rewrites, " | ")
	assert.Contains(t, joined, "facial hair")
	assert.Contains(t, joined, "what are the beard rules policy")
}
