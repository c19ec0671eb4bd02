package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cb := New("test", cfg, zap.NewNop())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errBoom })
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.Timeout = 10 * time.Millisecond
	cb := New("test", cfg, zap.NewNop())

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.MaxRequests = 1
	cfg.Timeout = 5 * time.Millisecond
	cb := New("test", cfg, zap.NewNop())

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	time.Sleep(10 * time.Millisecond)

	gen, err := cb.admit()
	require.NoError(t, err)

	_, err = cb.admit()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	// the settled probe frees its slot
	cb.settle(gen, outcomeSuccess)
	_, err = cb.admit()
	assert.NoError(t, err)
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cb := New("test", cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State(), "abandoned requests say nothing about the sidecar")

	// genuine failures still open it
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errBoom })
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cb := New("test", cfg, zap.NewNop())

	_ = cb.Execute(context.Background(), func() error { return errBoom })
	_ = cb.Execute(context.Background(), func() error { return errBoom })
	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return errBoom })

	assert.Equal(t, StateClosed, cb.State())
}
