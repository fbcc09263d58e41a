package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

type metricsProvider struct {
	passthrough
	collector ports.MetricsCollector
}

// MetricsMiddleware records latency, request counts, token counts and cost
// for every call.
func MetricsMiddleware(collector ports.MetricsCollector) Middleware {
	return func(next Provider) Provider {
		return &metricsProvider{passthrough: passthrough{next: next}, collector: collector}
	}
}

// Analyze forwards the call and records its outcome.
func (m *metricsProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	start := time.Now()
	res, err := m.next.Analyze(ctx, req)

	if m.collector == nil {
		return res, err
	}

	labels := map[string]string{
		"provider": m.Name(),
		"model":    m.Model(),
		"status":   metricsStatus(err),
	}
	m.collector.RecordHistogram("oracle_latency_seconds", time.Since(start).Seconds(), labels)
	m.collector.RecordCounter("oracle_requests_total", 1, labels)

	if err == nil {
		m.collector.RecordCounter("oracle_images_total", float64(req.ImageCount()), labels)
		m.collector.RecordCounter("oracle_cost_usd_total", res.Usage.CostUSD, labels)

		tokenLabels := map[string]string{"provider": labels["provider"], "model": labels["model"]}
		for kind, n := range map[string]int{
			"input":     res.Usage.InputTokens,
			"output":    res.Usage.OutputTokens,
			"reasoning": res.Usage.ReasoningTokens,
		} {
			tokenLabels["token_type"] = kind
			m.collector.RecordCounter("oracle_tokens_total", float64(n), tokenLabels)
		}
	}
	return res, err
}

// metricsStatus maps an outcome onto the status label.
func metricsStatus(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	var oe *ports.OracleError
	if errors.As(err, &oe) {
		return string(oe.Kind)
	}
	return "error"
}
