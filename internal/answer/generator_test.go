package answer

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
	reply  string
	err    error
	prompt string
}

func (f *fakeGen) Generate(ctx context.Context, prompt string, opts GenOptions) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func result(class models.Classification, texts ...string) *models.RetrievalResult {
	res := &models.RetrievalResult{QueryType: class, Strategy: models.StrategySingle}
	for i, txt := range texts {
		res.Documents = append(res.Documents, models.Document{
			ID:       string(rune('a' + i)),
			Text:     txt,
			Metadata: map[string]interface{}{"source": "afi36-2903.pdf"},
		})
		res.Scores = append(res.Scores, 1-float64(i)*0.1)
	}
	return res
}

func TestScrubCitations(t *testing.T) {
	text, cited := ScrubCitations("Waivers exist [1] and are medical [2]. See also [7].", 3)
	assert.Equal(t, "Waivers exist [1] and are medical [2]. See also .", text)
	assert.Equal(t, []int{1, 2}, cited)
}

func TestScrubCitationsDeduplicates(t *testing.T) {
	_, cited := ScrubCitations("[2] then [1] then [2] again", 2)
	assert.Equal(t, []int{1, 2}, cited)
}

func TestGenerateAttachesValidCitations(t *testing.T) {
	gen := &fakeGen{reply: "Members may request a shaving waiver [1]. Commanders approve them [2]."}
	s := NewService(Config{}, gen, zap.NewNop())

	ans, err := s.Generate(context.Background(), "shaving waivers?", result(models.ClassFactual, "waiver text", "approval text", "unused"))
	require.NoError(t, err)
	require.Len(t, ans.Citations, 2)
	assert.Equal(t, "a", ans.Citations[0].DocumentID)
	assert.Equal(t, "b", ans.Citations[1].DocumentID)
	assert.False(t, ans.Error)
	assert.Greater(t, ans.Metadata.Confidence, 0.0)
}

func TestGenerateStripsUnknownCitations(t *testing.T) {
	gen := &fakeGen{reply: "Answer [1] with a stray reference [9]."}
	s := NewService(Config{}, gen, zap.NewNop())

	ans, err := s.Generate(context.Background(), "q", result(models.ClassFactual, "only doc"))
	require.NoError(t, err)
	assert.NotContains(t, ans.Text, "[9]")
	assert.Contains(t, ans.Text, "[1]")
	assert.Len(t, ans.Citations, 1)
}

func TestGenerateRefusalCarriesNoCitations(t *testing.T) {
	gen := &fakeGen{reply: "That was not found in provided sources [1]."}
	s := NewService(Config{}, gen, zap.NewNop())

	ans, err := s.Generate(context.Background(), "q", result(models.ClassFactual, "doc"))
	require.NoError(t, err)
	assert.Empty(t, ans.Citations)
}

func TestGenerateNoDocumentsIsAnAnswer(t *testing.T) {
	s := NewService(Config{}, &fakeGen{}, zap.NewNop())
	ans, err := s.Generate(context.Background(), "q", &models.RetrievalResult{})
	require.NoError(t, err)
	assert.Equal(t, noDocumentsText, ans.Text)
	assert.Empty(t, ans.Citations)
}

func TestGenerateEngineErrorPropagates(t *testing.T) {
	busy := errors.New("llm busy")
	s := NewService(Config{}, &fakeGen{err: busy}, zap.NewNop())
	_, err := s.Generate(context.Background(), "q", result(models.ClassFactual, "doc"))
	assert.ErrorIs(t, err, busy)
}

func TestPromptShapeSimpleVsComplex(t *testing.T) {
	long := strings.Repeat("policy detail ", 100) // ~1400 chars
	gen := &fakeGen{reply: "ok"}
	s := NewService(Config{}, gen, zap.NewNop())

	_, err := s.Generate(context.Background(), "q", result(models.ClassFactual, long, long, long, long, long))
	require.NoError(t, err)
	simplePrompt := gen.prompt
	assert.Contains(t, simplePrompt, "[3]")
	assert.NotContains(t, simplePrompt, "[4]", "simple queries take three context blocks")

	_, err = s.Generate(context.Background(), "q", result(models.ClassComplex, long, long, long, long, long))
	require.NoError(t, err)
	complexPrompt := gen.prompt
	assert.Contains(t, complexPrompt, "[5]")
	assert.Greater(t, len(complexPrompt), len(simplePrompt), "complex queries carry more and longer blocks")
	assert.Contains(t, complexPrompt, "afi36-2903.pdf")
	assert.Contains(t, complexPrompt, "Question: q")
}

func TestTruncateBreaksOnWordBoundary(t *testing.T) {
	got := truncate("alpha bravo charlie delta echo", 20)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.NotContains(t, got, "charlie delta")
}
