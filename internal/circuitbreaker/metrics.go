package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// There is exactly one Breaker in this process (StoreWrapper's), so unlike
// Shannon's original per-service breaker registry these gauges carry no
// service-name label: "store" is the only component they will ever report.
var (
	storeBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldflow_store_breaker_state",
			Help: "Current state of the store circuit breaker (0=closed, 1=half-open, 2=open)",
		},
	)

	storeBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldflow_store_breaker_requests_total",
			Help: "Total store calls made through the circuit breaker",
		},
		[]string{"state", "result"},
	)

	storeBreakerFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldflow_store_breaker_failures_total",
			Help: "Total failed store calls",
		},
	)

	storeBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldflow_store_breaker_state_changes_total",
			Help: "Total store breaker state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	storeBreakerOpenSince = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldflow_store_breaker_open_since_seconds",
			Help: "Timestamp when the store breaker last entered open state (0 if not open)",
		},
	)
)

// storeMetrics drives the gauges/counters above from one registered
// Breaker's OnStateChange callback and from StoreWrapper's per-call
// record(). A sync.Once guards against StoreWrapper constructing more than
// one breaker in a process (e.g. in tests that build several wrappers)
// double-wrapping the callback chain.
type storeMetrics struct {
	once sync.Once
}

var globalStoreMetrics storeMetrics

// register wires cb's state-change callback to update the gauges, chaining
// onto whatever callback the caller already set.
func (m *storeMetrics) register(cb *Breaker) {
	m.once.Do(func() {
		original := cb.config.OnStateChange
		cb.config.OnStateChange = func(name string, from State, to State) {
			if original != nil {
				original(name, from, to)
			}

			storeBreakerStateChanges.WithLabelValues(from.String(), to.String()).Inc()
			storeBreakerState.Set(float64(to))

			if to == StateOpen {
				storeBreakerOpenSince.SetToCurrentTime()
			} else if from == StateOpen {
				storeBreakerOpenSince.Set(0)
			}
		}
	})
}

// recordRequest records one store call's outcome.
func (m *storeMetrics) recordRequest(state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
		storeBreakerFailures.Inc()
	}
	storeBreakerRequests.WithLabelValues(state.String(), result).Inc()
}
