package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the executor's scrape-facing counters. One set per wrapped
// venue, registered once at construction.
type Metrics struct {
	attempts  *prometheus.CounterVec
	successes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	circuit   prometheus.Gauge
	errorRate prometheus.Gauge
}

func NewMetrics(venue string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	labels := prometheus.Labels{"venue": venue}

	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "executor_call_attempts_total",
			Help:        "Adapter call attempts, including retries.",
			ConstLabels: labels,
		}, []string{"op"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "executor_call_successes_total",
			Help:        "Adapter calls that returned without error.",
			ConstLabels: labels,
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "executor_call_failures_total",
			Help:        "Adapter call failures by taxonomy kind.",
			ConstLabels: labels,
		}, []string{"op", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "executor_call_duration_seconds",
			Help:        "Adapter call latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		circuit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "executor_circuit_state",
			Help:        "Circuit state: 0 closed, 1 half-open, 2 open.",
			ConstLabels: labels,
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "executor_error_rate",
			Help:        "Failure rate over the breaker window.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.attempts, m.successes, m.failures, m.latency, m.circuit, m.errorRate)
	return m
}

func (m *Metrics) observeState(state string) {
	switch state {
	case StateClosed:
		m.circuit.Set(0)
	case StateHalfOpen:
		m.circuit.Set(1)
	case StateOpen:
		m.circuit.Set(2)
	}
}
