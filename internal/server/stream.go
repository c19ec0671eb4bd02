package server

import (
	"context"
	"time"

	"github.com/doctrine-ai/doctrine/internal/answer"
	"github.com/doctrine-ai/doctrine/internal/llm"
	"github.com/doctrine-ai/doctrine/internal/models"
	"github.com/doctrine-ai/doctrine/internal/streaming"
)

// SourceEvent is the payload of the sources stream event.
type SourceEvent struct {
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source,omitempty"`
	Score      float64 `json:"score"`
}

// ErrorEvent is the payload of the error stream event.
type ErrorEvent struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func errorEvent(ans *models.Answer) ErrorEvent {
	return ErrorEvent{Kind: ans.Metadata.ErrorKind, Text: ans.Text}
}

// StreamQuery runs the pipeline for one question and publishes events
// under requestID: sources once retrieval settles, token per generated
// fragment, metadata, then done or error. It blocks until the stream
// ends; transports run it in a goroutine and subscribe beforehand.
func (s *Service) StreamQuery(ctx context.Context, requestID string, req QueryRequest) {
	start := time.Now()

	prep := s.prepare(ctx, req)
	switch {
	case prep.cached != nil:
		s.publishAnswer(requestID, prep.cached)
		return
	case prep.errAnswer != nil:
		s.streams.Publish(requestID, streaming.EventError, errorEvent(prep.errAnswer))
		return
	case prep.result.Empty():
		ans := s.finish(ctx, req, answer.NoDocumentsAnswer(prep.result), prep, start)
		s.publishAnswer(requestID, ans)
		return
	}

	s.streams.Publish(requestID, streaming.EventSources, sourcesFor(prep.result))

	prompt, docs := prep.answerer.BuildPrompt(req.Question, prep.result)
	genStart := time.Now()
	tokens, err := s.llm.Stream(ctx, prompt, llm.Options{
		Temperature: prep.snap.LLM.Temperature,
		TopP:        prep.snap.LLM.TopP,
		TopK:        prep.snap.LLM.TopK,
		MaxTokens:   prep.snap.LLM.MaxTokens,
	})
	if err != nil {
		s.streams.Publish(requestID, streaming.EventError, errorEvent(errorAnswer(err)))
		return
	}

	var raw []byte
	for tok := range tokens {
		if tok.Err != nil {
			s.streams.Publish(requestID, streaming.EventError, errorEvent(errorAnswer(tok.Err)))
			return
		}
		raw = append(raw, tok.Text...)
		s.streams.Publish(requestID, streaming.EventToken, tok.Text)
	}
	if ctx.Err() != nil {
		// cancelled mid-generation; the token loop already stopped at a
		// token boundary
		s.streams.Publish(requestID, streaming.EventError, ErrorEvent{Kind: ErrKindCancelled, Text: "request cancelled"})
		return
	}
	prep.timings["generate_ms"] = msSince(genStart)

	ans := prep.answerer.Finalize(string(raw), docs, prep.result)
	ans = s.finish(ctx, req, ans, prep, start)

	s.streams.Publish(requestID, streaming.EventMetadata, ans.Metadata)
	s.streams.Publish(requestID, streaming.EventDone, nil)
}

// publishAnswer replays a complete answer over the event stream; used
// for cache hits and fixed answers.
func (s *Service) publishAnswer(requestID string, ans *models.Answer) {
	s.streams.Publish(requestID, streaming.EventSources, citationsAsSources(ans))
	s.streams.Publish(requestID, streaming.EventToken, ans.Text)
	s.streams.Publish(requestID, streaming.EventMetadata, ans.Metadata)
	s.streams.Publish(requestID, streaming.EventDone, nil)
}

func sourcesFor(res *models.RetrievalResult) []SourceEvent {
	out := make([]SourceEvent, len(res.Documents))
	for i, d := range res.Documents {
		out[i] = SourceEvent{DocumentID: d.ID, Source: d.Source()}
		if i < len(res.Scores) {
			out[i].Score = res.Scores[i]
		}
	}
	return out
}

func citationsAsSources(ans *models.Answer) []SourceEvent {
	out := make([]SourceEvent, len(ans.Citations))
	for i, c := range ans.Citations {
		out[i] = SourceEvent{DocumentID: c.DocumentID, Score: c.Relevance}
	}
	return out
}
