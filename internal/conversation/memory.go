package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/models"
)

// Entry is one exchange in a conversation.
type Entry struct {
	Query           string                   `json:"query"`
	Answer          string                   `json:"answer"`
	RetrievedDocIDs []string                 `json:"retrieved_doc_ids,omitempty"`
	Classification  models.Classification    `json:"classification,omitempty"`
	Strategy        models.RetrievalStrategy `json:"strategy,omitempty"`
	Summary         bool                     `json:"summary,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
}

// Summarizer compresses old history; optional.
type Summarizer interface {
	Generate(ctx context.Context, prompt string, opts SummarizeOptions) (string, error)
}

// SummarizeOptions mirrors the sampling knobs the summarizer accepts.
type SummarizeOptions struct {
	Temperature float64
	MaxTokens   int
}

// Config holds conversation memory settings.
type Config struct {
	// MaxEntries bounds per-conversation history.
	MaxEntries int
	// SummarizeAfter triggers compression of the oldest half once
	// history reaches this length. Zero disables summarization.
	SummarizeAfter int
	// TTL drops whole conversations idle longer than this.
	TTL time.Duration
}

type conversation struct {
	mu       sync.Mutex
	entries  []Entry
	lastSeen time.Time
}

// Memory is a bounded per-conversation exchange log. Conversations are
// independent: each carries its own lock, so concurrent requests on
// different conversations never contend.
type Memory struct {
	cfg  Config
	llm  Summarizer
	log  *zap.Logger
	mu   sync.RWMutex
	byID map[string]*conversation
}

// NewMemory creates conversation memory; llm may be nil to disable
// summarization.
func NewMemory(cfg Config, llm Summarizer, logger *zap.Logger) *Memory {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	return &Memory{cfg: cfg, llm: llm, log: logger, byID: make(map[string]*conversation)}
}

func (m *Memory) get(id string, create bool) *conversation {
	m.mu.RLock()
	c := m.byID[id]
	m.mu.RUnlock()
	if c != nil || !create {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.byID[id]; c == nil {
		c = &conversation{}
		m.byID[id] = c
		metrics.ConversationsActive.Set(float64(len(m.byID)))
	}
	return c
}

// Add appends one exchange. History beyond MaxEntries is compressed via
// the summarizer when configured, otherwise truncated from the front.
func (m *Memory) Add(ctx context.Context, id string, e Entry) {
	if id == "" {
		return
	}
	e.CreatedAt = time.Now().UTC()
	c := m.get(id, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	c.lastSeen = time.Now()

	if m.cfg.SummarizeAfter > 0 && m.llm != nil && len(c.entries) >= m.cfg.SummarizeAfter {
		m.compressLocked(ctx, c)
	}
	if len(c.entries) > m.cfg.MaxEntries {
		c.entries = c.entries[len(c.entries)-m.cfg.MaxEntries:]
	}
}

// compressLocked folds the oldest half of the history into one summary
// entry. Summarization failure reduces to plain truncation, which the
// MaxEntries bound in Add performs anyway.
func (m *Memory) compressLocked(ctx context.Context, c *conversation) {
	half := len(c.entries) / 2
	if half < 2 {
		return
	}
	var b strings.Builder
	b.WriteString("Condense the following Q&A exchanges into two sentences preserving the topics discussed.\n\n")
	for _, e := range c.entries[:half] {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", e.Query, firstChars(e.Answer, 200))
	}
	b.WriteString("Summary:")

	summary, err := m.llm.Generate(ctx, b.String(), SummarizeOptions{Temperature: 0.2, MaxTokens: 96})
	if err != nil || strings.TrimSpace(summary) == "" {
		metrics.ConversationSummarizations.WithLabelValues("error").Inc()
		m.log.Debug("history summarization failed, truncating instead", zap.Error(err))
		return
	}
	metrics.ConversationSummarizations.WithLabelValues("ok").Inc()

	head := Entry{
		Query:     "(earlier conversation)",
		Answer:    strings.TrimSpace(summary),
		Summary:   true,
		CreatedAt: c.entries[half-1].CreatedAt,
	}
	c.entries = append([]Entry{head}, c.entries[half:]...)
}

// ContextFor augments a query with recent history for retrieval. The
// original query always closes the string, so downstream consumers that
// need the user's words can recover them; classification and
// user-visible output must use the raw query, never this form.
func (m *Memory) ContextFor(id, query string, maxEntries int) (string, []Entry) {
	if maxEntries <= 0 {
		maxEntries = 3
	}
	c := m.get(id, false)
	if c == nil {
		return query, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return query, nil
	}

	start := len(c.entries) - maxEntries
	if start < 0 {
		start = 0
	}
	used := make([]Entry, len(c.entries[start:]))
	copy(used, c.entries[start:])

	var b strings.Builder
	b.WriteString("Previous exchanges:\n")
	for _, e := range used {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", e.Query, firstChars(e.Answer, 150))
	}
	b.WriteString("\nCurrent question: ")
	b.WriteString(query)
	return b.String(), used
}

// History returns a copy of the conversation log.
func (m *Memory) History(id string) []Entry {
	c := m.get(id, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clear drops one conversation.
func (m *Memory) Clear(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; ok {
		delete(m.byID, id)
		metrics.ConversationsActive.Set(float64(len(m.byID)))
	}
}

// Sweep drops conversations idle past the TTL; called periodically by
// the server.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, c := range m.byID {
		c.mu.Lock()
		idle := time.Since(c.lastSeen)
		c.mu.Unlock()
		if idle > m.cfg.TTL {
			delete(m.byID, id)
			dropped++
		}
	}
	if dropped > 0 {
		metrics.ConversationsActive.Set(float64(len(m.byID)))
	}
	return dropped
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
