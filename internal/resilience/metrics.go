package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	// BreakerState is the current state per target, valued as State
	// (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "breaker_state",
		Help: "Circuit breaker state per outbound target: 0=closed, 1=open, 2=half-open.",
	}, []string{"target"})
	// BreakerTransitions counts state changes per target.
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_transitions_total",
		Help: "Circuit breaker state transitions per outbound target.",
	}, []string{"target", "from", "to"})
)

// Collectors returns the breaker collectors, unnamespaced.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{BreakerState, BreakerTransitions}
}
