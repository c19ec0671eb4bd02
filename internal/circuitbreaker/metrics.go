package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "doctrine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doctrine_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers by outcome",
		},
		[]string{"name", "outcome"}, // ok | failure | rejected
	)
)

func recordRequest(name string, err error) {
	switch {
	case err == nil:
		breakerRequests.WithLabelValues(name, "ok").Inc()
	case err == ErrOpen || err == ErrTooManyRequests:
		breakerRequests.WithLabelValues(name, "rejected").Inc()
	default:
		breakerRequests.WithLabelValues(name, "failure").Inc()
	}
}
