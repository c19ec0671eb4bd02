package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/doctrine-ai/doctrine/internal/metrics"
	"github.com/doctrine-ai/doctrine/internal/models"
)

// Warmer executes one prefetch: typically embed-and-cache, optionally a
// full retrieval. It must tolerate failure silently.
type Warmer interface {
	Warm(ctx context.Context, query string) error
}

// WarmerFunc adapts a function to the Warmer interface.
type WarmerFunc func(ctx context.Context, query string) error

func (f WarmerFunc) Warm(ctx context.Context, query string) error { return f(ctx, query) }

// Config holds prefetcher settings.
type Config struct {
	Enabled       bool
	MaxConcurrent int
	WindowSize    int
	QueueCapacity int
	// WarmTTL bounds how long a warmed entry counts for hit attribution.
	WarmTTL time.Duration
	// Rate paces executions so prefetch never crowds out real traffic.
	Rate rate.Limit
}

// Prefetcher watches the query stream, predicts follow-ups and warms
// caches for them in the background. It never blocks the request path
// and sheds its own work under load.
type Prefetcher struct {
	cfg       Config
	predictor *Predictor
	queue     *queue
	warmer    Warmer
	limiter   *rate.Limiter
	log       *zap.Logger

	busy   atomic.Int32
	warmed sync.Map // exact hash -> time.Time warmed
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPrefetcher creates the prefetcher; call Start to launch workers.
func NewPrefetcher(cfg Config, warmer Warmer, logger *zap.Logger) *Prefetcher {
	if cfg.MaxConcurrent <= 0 || cfg.MaxConcurrent > 3 {
		cfg.MaxConcurrent = 3
	}
	if cfg.WarmTTL == 0 {
		cfg.WarmTTL = 5 * time.Minute
	}
	if cfg.Rate == 0 {
		cfg.Rate = 10
	}
	return &Prefetcher{
		cfg:       cfg,
		predictor: NewPredictor(cfg.WindowSize),
		queue:     newQueue(cfg.QueueCapacity),
		warmer:    warmer,
		limiter:   rate.NewLimiter(cfg.Rate, 1),
		log:       logger,
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the worker pool.
func (p *Prefetcher) Start() {
	if !p.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop halts the workers; queued work is abandoned.
func (p *Prefetcher) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}

// Observe feeds one served query into the predictor and enqueues the
// resulting prefetch tasks. Synchronous cost is bounded to prediction
// and a mutexed enqueue; it never waits on workers.
func (p *Prefetcher) Observe(query string) {
	if !p.cfg.Enabled {
		return
	}
	if p.attributeHit(query) {
		metrics.PrefetchHits.Inc()
	}
	for _, pred := range p.predictor.Observe(query) {
		p.queue.push(Task{Query: pred.Query, Priority: pred.Priority, CreatedAt: time.Now()})
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// attributeHit reports whether the query matches a still-valid warmed
// entry, consuming it.
func (p *Prefetcher) attributeHit(query string) bool {
	key := models.ExactHash(query)
	v, ok := p.warmed.LoadAndDelete(key)
	if !ok {
		return false
	}
	warmedAt, _ := v.(time.Time)
	return time.Since(warmedAt) <= p.cfg.WarmTTL
}

// QueueDepth reports outstanding prefetch work; used by stats handlers.
func (p *Prefetcher) QueueDepth() int { return p.queue.len() }

func (p *Prefetcher) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		for {
			task, ok := p.queue.pop(p.minServablePriority())
			if !ok {
				break
			}
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			p.run(ctx, task)
		}
	}
}

// minServablePriority gates work by current pool utilization: HIGH is
// always served, MED only when utilization is below 50%, LOW below 25%.
func (p *Prefetcher) minServablePriority() Priority {
	util := float64(p.busy.Load()) / float64(p.cfg.MaxConcurrent)
	switch {
	case util < 0.25:
		return PriorityLow
	case util < 0.5:
		return PriorityMed
	default:
		return PriorityHigh
	}
}

func (p *Prefetcher) run(ctx context.Context, task Task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.warmer.Warm(wctx, task.Query); err != nil {
		// prefetch failures are counted, never surfaced
		metrics.PrefetchExecuted.WithLabelValues("error").Inc()
		p.log.Debug("prefetch warm failed", zap.String("query", task.Query), zap.Error(err))
		return
	}
	metrics.PrefetchExecuted.WithLabelValues("ok").Inc()
	p.warmed.Store(models.ExactHash(task.Query), time.Now())
}
