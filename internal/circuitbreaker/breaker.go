package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen rejects calls while the dependency is considered down.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects calls beyond the half-open probe budget.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker tuning.
type Config struct {
	MaxRequests      uint32        // probe budget while half-open
	Interval         time.Duration // failure streak forgiveness window while closed
	Timeout          time.Duration // open -> half-open wait
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // consecutive half-open successes that close it
}

// DefaultConfig returns the tuning shared by every sidecar the service
// calls.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker guards one sidecar (embedding, vector store,
// cross-encoder, LLM, Redis) with the closed/open/half-open pattern.
// Outcomes are classified before they count: only failures that speak to
// the sidecar's health move the streaks.
type CircuitBreaker struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu         sync.Mutex
	state      State
	gen        uint64 // bumped on every transition; stale settles are dropped
	failStreak uint32
	okStreak   uint32
	inflight   uint32 // half-open probes currently out
	openedAt   time.Time
	windowEnd  time.Time // next closed-state streak forgiveness
}

// New creates a circuit breaker.
func New(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{name: name, cfg: cfg, log: logger, state: StateClosed}
	if cfg.Interval > 0 {
		cb.windowEnd = time.Now().Add(cfg.Interval)
	}
	return cb
}

// outcome is what one call result says about the sidecar.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeDiscard
)

// classify maps a call result onto sidecar health. Caller cancellation
// is discarded: a client abandoning a streamed answer mid-generation is
// not evidence the sidecar is unhealthy.
func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return outcomeDiscard
	default:
		return outcomeFailure
	}
}

// Execute runs fn if the breaker admits the request.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(gen, outcomeFailure)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(gen, classify(ctx, err))
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())
	return cb.state
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())

	switch cb.state {
	case StateOpen:
		return cb.gen, ErrOpen
	case StateHalfOpen:
		if cb.inflight >= cb.cfg.MaxRequests {
			return cb.gen, ErrTooManyRequests
		}
		cb.inflight++
	}
	return cb.gen, nil
}

func (cb *CircuitBreaker) settle(gen uint64, o outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cb.advance(now)
	if gen != cb.gen {
		return
	}
	if cb.state == StateHalfOpen && cb.inflight > 0 {
		cb.inflight--
	}
	switch o {
	case outcomeSuccess:
		cb.onSuccess(now)
	case outcomeFailure:
		cb.onFailure(now)
	}
}

// advance applies the time-based transitions: open cools down to
// half-open, and a quiet closed interval forgives the failure streak.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.cfg.Timeout {
			cb.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if cb.cfg.Interval > 0 && now.After(cb.windowEnd) {
			cb.failStreak = 0
			cb.windowEnd = now.Add(cb.cfg.Interval)
		}
	}
}

func (cb *CircuitBreaker) onSuccess(now time.Time) {
	switch cb.state {
	case StateClosed:
		cb.failStreak = 0
	case StateHalfOpen:
		cb.okStreak++
		if cb.okStreak >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(now time.Time) {
	switch cb.state {
	case StateClosed:
		cb.failStreak++
		if cb.failStreak >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		cb.transition(StateOpen, now)
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.gen++
	cb.failStreak = 0
	cb.okStreak = 0
	cb.inflight = 0
	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.windowEnd = now.Add(cb.cfg.Interval)
		}
	}

	breakerState.WithLabelValues(cb.name).Set(float64(to))
	cb.log.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
