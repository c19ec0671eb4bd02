package health

import "context"

// ProbeFunc adapts a component's Healthy method to the Checker
// interface.
type ProbeFunc func(ctx context.Context) error

type probeChecker struct {
	name     string
	probe    ProbeFunc
	critical bool
}

// NewChecker wraps a probe function as a named checker. The vector
// store, LLM engine and embedding sidecar are critical; Redis caches are
// not: losing them costs latency, not correctness.
func NewChecker(name string, critical bool, probe ProbeFunc) Checker {
	return &probeChecker{name: name, probe: probe, critical: critical}
}

func (c *probeChecker) Name() string                    { return c.name }
func (c *probeChecker) Critical() bool                  { return c.critical }
func (c *probeChecker) Check(ctx context.Context) error { return c.probe(ctx) }
