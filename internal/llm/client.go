package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/metrics"
)

// Errors surfaced by the LLM client.
var (
	// ErrBusy is returned when the request queue is full; callers fast-fail
	// instead of waiting indefinitely.
	ErrBusy = errors.New("llm busy")
	// ErrTimeout marks a generation that exceeded its deadline.
	ErrTimeout = errors.New("llm timeout")
	// ErrInit marks a fatal startup failure of the engine.
	ErrInit = errors.New("llm init failed")
)

// Options are per-call sampling knobs.
type Options struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
	Stop        []string
}

// Token is one streamed fragment. Err is set on the final event when the
// stream ended abnormally.
type Token struct {
	Text string
	Err  error
}

// Config holds LLM client settings.
type Config struct {
	BaseURL         string
	QueueDepth      int
	Timeout         time.Duration
	PreserveKVCache bool
}

// Client serializes all engine invocations onto one worker goroutine: the
// underlying engine is not thread-safe, so at most one generate or stream
// runs per process. Callers enqueue and await; a full queue fast-fails
// with ErrBusy.
type Client struct {
	cfg    Config
	http   *http.Client
	log    *zap.Logger
	reqs   chan *request
	done   chan struct{}
	active atomic.Int32
}

type request struct {
	ctx    context.Context
	prompt string
	opts   Options
	stream bool
	tokens chan<- Token  // stream mode
	result chan<- result // generate mode
}

type result struct {
	text string
	err  error
}

// NewClient starts the worker and verifies the engine is reachable.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{}, // per-request deadlines via context
		log:  logger,
		reqs: make(chan *request, cfg.QueueDepth),
		done: make(chan struct{}),
	}
	if err := c.ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInit, err)
	}
	go c.worker()
	return c, nil
}

// Close stops the worker after the queue drains.
func (c *Client) Close() {
	close(c.reqs)
	<-c.done
}

// ActiveCount reports how many engine invocations are running right now.
// It is 0 or 1 by construction; exposed for tests and health checks.
func (c *Client) ActiveCount() int { return int(c.active.Load()) }

// Healthy probes the engine health endpoint.
func (c *Client) Healthy(ctx context.Context) error { return c.ping(ctx) }

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health status %d", resp.StatusCode)
	}
	return nil
}

// Generate runs one completion and returns the full text.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	resCh := make(chan result, 1)
	req := &request{ctx: ctx, prompt: prompt, opts: opts, result: resCh}

	select {
	case c.reqs <- req:
		metrics.LLMQueueDepth.Set(float64(len(c.reqs)))
	default:
		metrics.LLMBusyRejections.Inc()
		return "", ErrBusy
	}

	select {
	case <-ctx.Done():
		// the worker will skip the request when it sees the dead context
		return "", mapCtxErr(ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			metrics.LLMRequests.WithLabelValues("generate", "error").Inc()
			return "", res.err
		}
		metrics.LLMRequests.WithLabelValues("generate", "ok").Inc()
		return res.text, nil
	}
}

// Stream runs one completion and emits tokens as they arrive. The channel
// is closed when generation finishes, fails, or ctx is cancelled;
// cancellation stops emission at the next token boundary.
func (c *Client) Stream(ctx context.Context, prompt string, opts Options) (<-chan Token, error) {
	tokens := make(chan Token, 16)
	req := &request{ctx: ctx, prompt: prompt, opts: opts, stream: true, tokens: tokens}

	select {
	case c.reqs <- req:
		metrics.LLMQueueDepth.Set(float64(len(c.reqs)))
	default:
		metrics.LLMBusyRejections.Inc()
		return nil, ErrBusy
	}
	return tokens, nil
}

func (c *Client) worker() {
	defer close(c.done)
	for req := range c.reqs {
		metrics.LLMQueueDepth.Set(float64(len(c.reqs)))
		if err := req.ctx.Err(); err != nil {
			c.finish(req, "", mapCtxErr(err))
			continue
		}

		c.active.Add(1)
		start := time.Now()
		if req.stream {
			c.runStream(req)
		} else {
			text, err := c.runGenerate(req)
			c.finish(req, text, err)
		}
		metrics.LLMGenerationDuration.Observe(time.Since(start).Seconds())
		c.active.Add(-1)
	}
}

func (c *Client) finish(req *request, text string, err error) {
	if req.stream {
		if err != nil {
			select {
			case req.tokens <- Token{Err: err}:
			default:
			}
		}
		close(req.tokens)
		return
	}
	req.result <- result{text: text, err: err}
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	NPredict    int      `json:"n_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	CachePrompt bool     `json:"cache_prompt"`
}

type completionResponse struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func (c *Client) post(ctx context.Context, req *request, stream bool) (*http.Response, error) {
	body := completionRequest{
		Prompt:      req.prompt,
		Temperature: req.opts.Temperature,
		TopP:        req.opts.TopP,
		TopK:        req.opts.TopK,
		NPredict:    req.opts.MaxTokens,
		Stop:        req.opts.Stop,
		Stream:      stream,
		CachePrompt: c.cfg.PreserveKVCache,
	}
	buf, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/completion", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, mapCtxErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("engine status %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) runGenerate(req *request) (string, error) {
	ctx, cancel := context.WithTimeout(req.ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	return cr.Content, nil
}

func (c *Client) runStream(req *request) {
	ctx, cancel := context.WithTimeout(req.ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.post(ctx, req, true)
	if err != nil {
		c.finish(req, "", err)
		return
	}
	defer resp.Body.Close()

	status := "ok"
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var cr completionResponse
		if err := json.Unmarshal([]byte(payload), &cr); err != nil {
			continue
		}
		if cr.Content != "" {
			select {
			case req.tokens <- Token{Text: cr.Content}:
			case <-ctx.Done():
				// caller gone; stop at this token boundary
				status = "cancelled"
				close(req.tokens)
				metrics.LLMRequests.WithLabelValues("stream", status).Inc()
				return
			}
		}
		if cr.Stop {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case req.tokens <- Token{Err: err}:
		default:
		}
		status = "error"
	}
	close(req.tokens)
	metrics.LLMRequests.WithLabelValues("stream", status).Inc()
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Discard drains a token stream; used when the caller only needed the
// side effects of a warm-up call.
func Discard(tokens <-chan Token) {
	for range tokens {
	}
}
