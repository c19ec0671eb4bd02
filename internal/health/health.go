package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one component or of the service overall.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// CheckResult is the outcome of probing one component.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	// Critical components take the whole service unhealthy when they
	// fail; non-critical ones only degrade it.
	Critical() bool
}

// Report is the aggregate service health.
type Report struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers on an interval and caches the latest
// results, so health endpoints never block on live probes.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]CheckResult
	interval time.Duration
	timeout  time.Duration
	stop     chan struct{}
	done     chan struct{}
	log      *zap.Logger
}

// NewManager creates a health manager. interval defaults to 30s, probe
// timeout to 5s.
func NewManager(interval, timeout time.Duration, logger *zap.Logger) *Manager {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		results:  make(map[string]CheckResult),
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger,
	}
}

// Register adds a checker. Call before Start.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.log.Info("health checker registered",
		zap.String("component", c.Name()),
		zap.Bool("critical", c.Critical()))
}

// Start probes everything once synchronously, then keeps probing in the
// background until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.runAll(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runAll(ctx)
			}
		}
	}()
}

// Stop halts background probing.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) runAll(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runOne(ctx, c)
		}()
	}
	wg.Wait()
}

func (m *Manager) runOne(ctx context.Context, c Checker) {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(cctx)
	res := CheckResult{
		Component: c.Name(),
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
		Critical:  c.Critical(),
	}
	if err != nil {
		res.Error = err.Error()
		if c.Critical() {
			res.Status = StatusUnhealthy
		} else {
			res.Status = StatusDegraded
		}
		m.log.Warn("health check failed",
			zap.String("component", c.Name()),
			zap.Bool("critical", c.Critical()),
			zap.Error(err))
	}

	m.mu.Lock()
	m.results[c.Name()] = res
	m.mu.Unlock()
}

// Report returns the cached aggregate health.
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := StatusHealthy
	components := make(map[string]CheckResult, len(m.results))
	for name, res := range m.results {
		components[name] = res
		switch res.Status {
		case StatusUnhealthy:
			if res.Critical {
				overall = StatusUnhealthy
			} else if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	if len(m.results) == 0 {
		overall = StatusUnknown
	}
	return Report{Status: overall, Components: components, Timestamp: time.Now().UTC()}
}

// Ready reports whether every critical component is currently healthy.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, res := range m.results {
		if res.Critical && res.Status != StatusHealthy {
			return false
		}
	}
	return len(m.results) > 0
}
