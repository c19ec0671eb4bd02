package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEngine mimics the completion server: /health plus /completion in
// both blocking and SSE modes. delay stretches each call so tests can
// observe overlap.
type fakeEngine struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	tokens   []string
}

func (f *fakeEngine) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		cur := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			max := f.maxSeen.Load()
			if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
				break
			}
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}

		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			_ = json.NewEncoder(w).Encode(completionResponse{Content: "answer to: " + req.Prompt, Stop: true})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		toks := f.tokens
		if len(toks) == 0 {
			toks = []string{"per ", "AFI ", "36-2903"}
		}
		for i, tok := range toks {
			b, _ := json.Marshal(completionResponse{Content: tok, Stop: i == len(toks)-1})
			fmt.Fprintf(w, "data: %s\n\n", b)
			fl.Flush()
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
		}
	}
}

func newTestClient(t *testing.T, engine *fakeEngine, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(engine.handler())
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	c, err := NewClient(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGenerate(t *testing.T) {
	c := newTestClient(t, &fakeEngine{}, Config{})
	out, err := c.Generate(context.Background(), "who may wear a beard?", Options{Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "answer to: who may wear a beard?", out)
}

func TestStreamConcatenatesToGenerate(t *testing.T) {
	engine := &fakeEngine{tokens: []string{"see ", "paragraph ", "3.1"}}
	c := newTestClient(t, engine, Config{})

	tokens, err := c.Stream(context.Background(), "grooming standards", Options{})
	require.NoError(t, err)

	var got string
	for tok := range tokens {
		require.NoError(t, tok.Err)
		got += tok.Text
	}
	assert.Equal(t, "see paragraph 3.1", got)
}

func TestRequestsAreSerialized(t *testing.T) {
	engine := &fakeEngine{delay: 30 * time.Millisecond}
	c := newTestClient(t, engine, Config{QueueDepth: 16})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Generate(context.Background(), fmt.Sprintf("q%d", i), Options{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, engine.maxSeen.Load(), "engine must never see concurrent calls")
}

func TestQueueFullFastFails(t *testing.T) {
	engine := &fakeEngine{delay: 200 * time.Millisecond}
	c := newTestClient(t, engine, Config{QueueDepth: 1})

	// occupy the worker, fill the single queue slot, then overflow
	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = c.Generate(context.Background(), "busy", Options{})
	}()
	time.Sleep(20 * time.Millisecond)
	go func() { _, _ = c.Generate(context.Background(), "queued", Options{}) }()
	time.Sleep(20 * time.Millisecond)

	_, err := c.Generate(context.Background(), "overflow", Options{})
	assert.ErrorIs(t, err, ErrBusy)
	<-first
}

func TestCancelledWhileQueuedIsSkipped(t *testing.T) {
	engine := &fakeEngine{delay: 100 * time.Millisecond}
	c := newTestClient(t, engine, Config{QueueDepth: 4})

	go func() { _, _ = c.Generate(context.Background(), "first", Options{}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, "second", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamCancellationStopsAtTokenBoundary(t *testing.T) {
	engine := &fakeEngine{delay: 50 * time.Millisecond, tokens: []string{"a", "b", "c", "d", "e", "f"}}
	c := newTestClient(t, engine, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tokens, err := c.Stream(ctx, "long answer", Options{})
	require.NoError(t, err)

	n := 0
	for tok := range tokens {
		if tok.Err != nil {
			break
		}
		n++
		if n == 2 {
			cancel()
		}
	}
	assert.Less(t, n, 6, "cancellation should cut the stream short")
}

func TestTimeoutMapsToErrTimeout(t *testing.T) {
	engine := &fakeEngine{delay: 300 * time.Millisecond}
	c := newTestClient(t, engine, Config{Timeout: 50 * time.Millisecond})

	_, err := c.Generate(context.Background(), "slow", Options{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInitFailsWhenEngineDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(context.Background(), Config{BaseURL: srv.URL}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInit)
}
