// Package metrics defines the Prometheus instrumentation surfaced at GET /metrics, per
// SPEC_FULL.md §6.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns a private registry and the metric families required by SPEC_FULL.md §6.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal         *prometheus.CounterVec
	requestDuration       *prometheus.HistogramVec
	keyHealthScore        *prometheus.GaugeVec
	circuitBreakerState   *prometheus.GaugeVec
	requestTokenCount     prometheus.Histogram
	tokenLimitBlocksTotal prometheus.Counter
}

// New builds a Metrics instance registered on a fresh private registry, so test suites can spin
// up independent instances without colliding on the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total proxied requests by final HTTP status.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "End-to-end latency of proxied requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		keyHealthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "key_health_score",
			Help: "1 if the key is currently selectable, 0 otherwise.",
		}, []string{"key_id", "group"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker phase per target URL: 0=closed, 1=half_open, 2=open.",
		}, []string{"target"}),
		requestTokenCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "request_token_count",
			Help:    "Measured token count of inbound requests.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 14),
		}),
		tokenLimitBlocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_limit_blocks_total",
			Help: "Requests rejected for exceeding max_tokens_per_request.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.keyHealthScore,
		m.circuitBreakerState,
		m.requestTokenCount,
		m.tokenLimitBlocksTotal,
	)

	return m
}

func (m *Metrics) ObserveRequest(status string, d time.Duration) {
	m.requestsTotal.WithLabelValues(status).Inc()
	m.requestDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) SetKeyHealth(keyID, group string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.keyHealthScore.WithLabelValues(keyID, group).Set(v)
}

// KeyHealthGauge exposes the per-key gauge directly, for tests that assert on the reported value
// via prometheus/client_golang/prometheus/testutil rather than scraping /metrics.
func (m *Metrics) KeyHealthGauge(keyID, group string) prometheus.Gauge {
	return m.keyHealthScore.WithLabelValues(keyID, group)
}

// circuitPhaseValue maps a phase name to the gauge value documented in circuitBreakerState's
// help text.
func circuitPhaseValue(phase string) float64 {
	switch phase {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func (m *Metrics) SetCircuitBreakerState(target, phase string) {
	m.circuitBreakerState.WithLabelValues(target).Set(circuitPhaseValue(phase))
}

// CircuitBreakerStateGauge exposes the per-target gauge directly, for tests that assert on the
// reported value via prometheus/client_golang/prometheus/testutil rather than scraping /metrics.
func (m *Metrics) CircuitBreakerStateGauge(target string) prometheus.Gauge {
	return m.circuitBreakerState.WithLabelValues(target)
}

func (m *Metrics) ObserveRequestTokenCount(count int) {
	m.requestTokenCount.Observe(float64(count))
}

func (m *Metrics) IncTokenLimitBlock() {
	m.tokenLimitBlocksTotal.Inc()
}
