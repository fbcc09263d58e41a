// Package middleware provides cross-cutting concerns for the optimizer:
// Prometheus metrics, OpenTelemetry run and budget observers, and the cost
// budget guard that wraps an oracle provider.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/internal/ports"
)

// Score buckets follow the rubric bands the oracle scores against.
var scoreBuckets = []float64{10, 20, 30, 40, 55, 65, 75, 80, 85, 90, 95, 100}

// PrometheusMetrics implements ports.MetricsCollector using Prometheus.
// Well-known metric names are routed to dedicated vectors; anything else
// lands in the generic operation vectors.
type PrometheusMetrics struct {
	oracleRequests *prometheus.CounterVec
	oracleLatency  *prometheus.HistogramVec
	oracleTokens   *prometheus.CounterVec
	oracleImages   *prometheus.CounterVec
	oracleCost     *prometheus.CounterVec

	iterationScore *prometheus.HistogramVec
	decisions      *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	budgetGauges   *prometheus.GaugeVec

	breakerState prometheus.Gauge
	breakerCalls *prometheus.CounterVec

	executionLatency *prometheus.HistogramVec
	operationCounter *prometheus.CounterVec
	systemGauges     *prometheus.GaugeVec
	histograms       *prometheus.HistogramVec
}

// NewPrometheusMetrics registers all metrics with reg. A nil reg uses the
// default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	breakerState := factory.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_circuit_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
	})

	return &PrometheusMetrics{
		oracleRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_requests_total",
				Help: "Oracle calls by provider, model and outcome.",
			},
			[]string{"provider", "model", "status"},
		),
		oracleLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oracle_latency_seconds",
				Help:    "Wall-clock duration of oracle calls.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 180},
			},
			[]string{"provider", "model", "status"},
		),
		oracleTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_tokens_total",
				Help: "Tokens consumed by oracle calls.",
			},
			[]string{"provider", "model", "token_type"},
		),
		oracleImages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_images_total",
				Help: "Images submitted to the oracle.",
			},
			[]string{"provider", "model", "status"},
		),
		oracleCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_cost_usd_total",
				Help: "Oracle spend in US dollars.",
			},
			[]string{"provider", "model", "status"},
		),

		iterationScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iteration_score",
				Help:    "Match score reported for each iteration.",
				Buckets: scoreBuckets,
			},
			[]string{"mode", "decision"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoint_decisions_total",
				Help: "Checkpoint decisions by outcome.",
			},
			[]string{"decision"},
		),
		runsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_finished_total",
				Help: "Completed runs by terminal state.",
			},
			[]string{"terminal"},
		),
		budgetGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "budget_usd",
				Help: "Budget spend and headroom in US dollars.",
			},
			[]string{"kind"},
		),

		breakerState: breakerState,
		breakerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_circuit_breaker_events_total",
				Help: "Circuit breaker trips and recorded call outcomes.",
			},
			[]string{"event"},
		),

		executionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operation_duration_seconds",
				Help:    "Execution time of optimizer operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "component"},
		),
		operationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operations_total",
				Help: "Total number of optimizer operations.",
			},
			[]string{"operation", "status", "component"},
		),
		systemGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "system_state",
				Help: "Current optimizer state values.",
			},
			[]string{"metric", "component"},
		),
		histograms: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "observed_values",
				Help:    "Values observed by metric name.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"metric", "component"},
		),
	}
}

// component returns the component label, defaulting to "unknown".
func component(labels map[string]string) string {
	if c, ok := labels["component"]; ok && c != "" {
		return c
	}
	return "unknown"
}

// RecordLatency records execution latency in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	pm.executionLatency.WithLabelValues(operation, component(labels)).Observe(duration.Seconds())
}

// RecordCounter increments the counter matching metric.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	switch metric {
	case "oracle_requests_total":
		pm.oracleRequests.WithLabelValues(labels["provider"], labels["model"], labels["status"]).Add(value)
	case "oracle_images_total":
		pm.oracleImages.WithLabelValues(labels["provider"], labels["model"], labels["status"]).Add(value)
	case "oracle_cost_usd_total":
		pm.oracleCost.WithLabelValues(labels["provider"], labels["model"], labels["status"]).Add(value)
	case "oracle_tokens_total":
		pm.oracleTokens.WithLabelValues(labels["provider"], labels["model"], labels["token_type"]).Add(value)
	case "checkpoint_decisions_total":
		pm.decisions.WithLabelValues(labels["decision"]).Add(value)
	case "runs_finished_total":
		pm.runsFinished.WithLabelValues(labels["terminal"]).Add(value)
	case "budget_exceeded_total":
		pm.operationCounter.WithLabelValues("budget_check", "exceeded_"+labels["limit_type"], component(labels)).Add(value)
	default:
		status := labels["status"]
		if status == "" {
			status = "success"
		}
		pm.operationCounter.WithLabelValues(metric, status, component(labels)).Add(value)
	}
}

// RecordGauge sets the gauge matching metric.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, labels map[string]string) {
	switch metric {
	case "budget_spent_usd":
		pm.budgetGauges.WithLabelValues("spent").Set(value)
	case "budget_remaining_usd":
		pm.budgetGauges.WithLabelValues("remaining").Set(value)
	default:
		pm.systemGauges.WithLabelValues(metric, component(labels)).Set(value)
	}
}

// RecordHistogram observes value in the histogram matching metric.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	switch metric {
	case "oracle_latency_seconds":
		pm.oracleLatency.WithLabelValues(labels["provider"], labels["model"], labels["status"]).Observe(value)
	case "iteration_score":
		pm.iterationScore.WithLabelValues(labels["mode"], labels["decision"]).Observe(value)
	default:
		pm.histograms.WithLabelValues(metric, component(labels)).Observe(value)
	}
}

// RecordState publishes the circuit breaker state.
func (pm *PrometheusMetrics) RecordState(state oracle.CircuitBreakerState) {
	pm.breakerState.Set(float64(state))
}

// RecordTrip counts a transition to open.
func (pm *PrometheusMetrics) RecordTrip() { pm.breakerCalls.WithLabelValues("trip").Inc() }

// RecordSuccess counts a call the breaker let through that succeeded.
func (pm *PrometheusMetrics) RecordSuccess() { pm.breakerCalls.WithLabelValues("success").Inc() }

// RecordFailure counts a call that counted against the breaker.
func (pm *PrometheusMetrics) RecordFailure() { pm.breakerCalls.WithLabelValues("failure").Inc() }

var (
	_ ports.MetricsCollector       = (*PrometheusMetrics)(nil)
	_ oracle.CircuitBreakerMetrics = (*PrometheusMetrics)(nil)
)
