package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/models"
)

// Generator is the completion surface the answer stage needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenOptions) (string, error)
}

// GenOptions mirrors the sampling knobs the generator accepts.
type GenOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Config holds answer generation settings.
type Config struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	// ContextDocsSimple / ContextDocsComplex bound how many retrieved
	// documents enter the prompt.
	ContextDocsSimple  int
	ContextDocsComplex int
	// BlockCharsSimple / BlockCharsComplex bound each context block.
	BlockCharsSimple  int
	BlockCharsComplex int
}

// noDocumentsText is returned when retrieval produced nothing; this is a
// normal answer, not an error.
const noDocumentsText = "No relevant documents were found for this question. Try rephrasing, or ask about a specific instruction or policy area."

// refusalMarkers flag answers where the model declined to ground itself;
// such answers carry no citations.
var refusalMarkers = []string{
	"not found in provided sources",
	"not in the provided context",
	"cannot be answered from the provided",
	"insufficient information in the provided",
	"the provided context does not",
}

// Service builds grounded prompts and post-processes model output into
// an Answer with validated citations.
type Service struct {
	cfg Config
	llm Generator
	log *zap.Logger
}

// NewService creates the answer generator.
func NewService(cfg Config, llm Generator, logger *zap.Logger) *Service {
	if cfg.ContextDocsSimple <= 0 {
		cfg.ContextDocsSimple = 3
	}
	if cfg.ContextDocsComplex <= 0 {
		cfg.ContextDocsComplex = 5
	}
	if cfg.BlockCharsSimple <= 0 {
		cfg.BlockCharsSimple = 350
	}
	if cfg.BlockCharsComplex <= 0 {
		cfg.BlockCharsComplex = 900
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Service{cfg: cfg, llm: llm, log: logger}
}

// Generate produces the final answer for a query from its retrieval
// result. An empty result yields the fixed no-documents answer; engine
// busy/timeout errors propagate to the caller as retriable.
func (s *Service) Generate(ctx context.Context, query string, res *models.RetrievalResult) (*models.Answer, error) {
	if res.Empty() {
		return NoDocumentsAnswer(res), nil
	}

	prompt, docs := s.BuildPrompt(query, res)
	raw, err := s.llm.Generate(ctx, prompt, GenOptions{
		Temperature: s.cfg.Temperature,
		TopP:        s.cfg.TopP,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return s.Finalize(raw, docs, res), nil
}

// NoDocumentsAnswer is the fixed answer for an empty retrieval.
func NoDocumentsAnswer(res *models.RetrievalResult) *models.Answer {
	return &models.Answer{
		Text:      noDocumentsText,
		Citations: []models.Citation{},
		Metadata:  models.AnswerMetadata{Strategy: strategyOf(res)},
		CreatedAt: time.Now().UTC(),
	}
}

// BuildPrompt assembles the grounded prompt and returns the context
// documents that back its numbered blocks. Exposed so the streaming
// path can drive the engine itself and finalize afterwards.
func (s *Service) BuildPrompt(query string, res *models.RetrievalResult) (string, []models.Document) {
	docs := s.contextDocs(res)
	return s.buildPrompt(query, docs), docs
}

// Options returns the sampling knobs answer generation uses.
func (s *Service) Options() GenOptions {
	return GenOptions{Temperature: s.cfg.Temperature, TopP: s.cfg.TopP, MaxTokens: s.cfg.MaxTokens}
}

// Finalize post-processes raw model output: trims, scrubs citations that
// point at unsupplied blocks and attaches the surviving ones. Refusals
// carry no citations.
func (s *Service) Finalize(raw string, docs []models.Document, res *models.RetrievalResult) *models.Answer {
	text, cited := ScrubCitations(strings.TrimSpace(raw), len(docs))
	ans := &models.Answer{
		Text:      text,
		Citations: []models.Citation{},
		Metadata: models.AnswerMetadata{
			Strategy:   res.Strategy,
			Confidence: confidence(res),
		},
		CreatedAt: time.Now().UTC(),
	}
	if isRefusal(text) {
		return ans
	}
	for _, idx := range cited {
		d := docs[idx-1]
		ans.Citations = append(ans.Citations, models.Citation{
			DocumentID: d.ID,
			Excerpt:    truncate(d.Text, 200),
			Relevance:  scoreAt(res, idx-1),
		})
	}
	return ans
}

func strategyOf(res *models.RetrievalResult) models.RetrievalStrategy {
	if res == nil {
		return ""
	}
	return res.Strategy
}

func scoreAt(res *models.RetrievalResult, i int) float64 {
	if i < len(res.Scores) {
		return res.Scores[i]
	}
	return 0
}

// confidence is the mean of the final scores; a rough but monotone
// signal for the caller.
func confidence(res *models.RetrievalResult) float64 {
	if len(res.Scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range res.Scores {
		sum += s
	}
	return sum / float64(len(res.Scores))
}

// contextDocs picks and truncates the documents that enter the prompt.
// Complex queries get more and longer blocks.
func (s *Service) contextDocs(res *models.RetrievalResult) []models.Document {
	n, chars := s.cfg.ContextDocsSimple, s.cfg.BlockCharsSimple
	if res.QueryType == models.ClassComplex || res.QueryType == models.ClassComparison {
		n, chars = s.cfg.ContextDocsComplex, s.cfg.BlockCharsComplex
	}
	if n > len(res.Documents) {
		n = len(res.Documents)
	}
	out := make([]models.Document, n)
	for i := 0; i < n; i++ {
		d := res.Documents[i]
		d.Text = truncate(d.Text, chars)
		out[i] = d
	}
	return out
}

func (s *Service) buildPrompt(query string, docs []models.Document) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the numbered context below. ")
	b.WriteString("Cite sources with bracketed numbers like [1]. ")
	b.WriteString("If the context does not contain the answer, say the answer was not found in provided sources.\n\n")
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] ", i+1)
		if src := d.Source(); src != "" {
			fmt.Fprintf(&b, "(%s) ", src)
		}
		b.WriteString(d.Text)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

func isRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	// break on a word boundary when one is close
	if i := strings.LastIndex(cut, " "); i > max-40 {
		cut = cut[:i]
	}
	return cut + "..."
}
