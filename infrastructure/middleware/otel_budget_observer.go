package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

const tracerName = "go-blocking"

// Budget usage fractions that raise span events.
const (
	budgetWarningThreshold  = 0.8
	budgetCriticalThreshold = 0.9
)

var (
	_ BudgetObserver    = (*OTelBudgetObserver)(nil)
	_ ports.RunObserver = (*OTelRunObserver)(nil)
)

// OTelBudgetObserver traces budget checks and publishes spend gauges.
// Each call gets its own span carried in the context, so one observer can
// serve concurrent calls.
type OTelBudgetObserver struct {
	metrics ports.MetricsCollector
	tracer  trace.Tracer
}

// NewOTelBudgetObserver creates a budget observer. metrics may be nil.
func NewOTelBudgetObserver(metrics ports.MetricsCollector) *OTelBudgetObserver {
	return &OTelBudgetObserver{metrics: metrics, tracer: otel.Tracer(tracerName)}
}

// PreCheck starts a span recording the usage before the call and raises
// threshold events as the budget runs low.
func (o *OTelBudgetObserver) PreCheck(ctx context.Context, usage Usage, budget Budget) context.Context {
	ctx, span := o.tracer.Start(ctx, "budget.check")
	setBudgetAttributes(span, usage, budget)
	checkBudgetThresholds(span, usage, budget)
	return ctx
}

// PostCheck finalizes the span and records spend metrics.
func (o *OTelBudgetObserver) PostCheck(ctx context.Context, usage Usage, budget Budget, elapsed time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	setBudgetAttributes(span, usage, budget)
	labels := map[string]string{"component": "budget", "budget_limit": budgetLimitLabel(budget)}
	if o.metrics != nil {
		o.metrics.RecordLatency("budget_guarded_call", elapsed, labels)
	}

	if err != nil {
		var be *BudgetExceededError
		if errors.As(err, &be) {
			span.AddEvent("budget.exceeded", trace.WithAttributes(
				attribute.String("limit_type", be.LimitType),
				attribute.Float64("limit_value", be.Limit),
				attribute.Float64("used_value", be.Used),
			))
			span.SetStatus(codes.Error, "budget limit exceeded")
			if o.metrics != nil {
				labels["limit_type"] = be.LimitType
				o.metrics.RecordCounter("budget_exceeded_total", 1, labels)
			}
			return
		}
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if o.metrics != nil {
		o.metrics.RecordGauge("budget_spent_usd", usage.CostUSD, labels)
		if budget.MaxCostUSD > 0 {
			o.metrics.RecordGauge("budget_remaining_usd", max(0, budget.MaxCostUSD-usage.CostUSD), labels)
		}
	}
	span.SetStatus(codes.Ok, "")
}

func setBudgetAttributes(span trace.Span, usage Usage, budget Budget) {
	span.SetAttributes(
		attribute.Float64("budget.spent_usd", usage.CostUSD),
		attribute.Int64("budget.calls", usage.Calls),
	)
	if budget.MaxCostUSD > 0 {
		span.SetAttributes(
			attribute.Float64("budget.max_cost_usd", budget.MaxCostUSD),
			attribute.Float64("budget.remaining_usd", budget.MaxCostUSD-usage.CostUSD),
		)
	}
	if budget.MaxCalls > 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_calls", budget.MaxCalls),
			attribute.Int64("budget.remaining_calls", budget.MaxCalls-usage.Calls),
		)
	}
}

func checkBudgetThresholds(span trace.Span, usage Usage, budget Budget) {
	fractions := map[string]float64{}
	if budget.MaxCostUSD > 0 {
		fractions["cost_usd"] = usage.CostUSD / budget.MaxCostUSD
	}
	if budget.MaxCalls > 0 {
		fractions["calls"] = float64(usage.Calls) / float64(budget.MaxCalls)
	}
	for resource, f := range fractions {
		event := ""
		switch {
		case f >= budgetCriticalThreshold:
			event = "budget.threshold.critical"
		case f >= budgetWarningThreshold:
			event = "budget.threshold.warning"
		default:
			continue
		}
		span.AddEvent(event, trace.WithAttributes(
			attribute.String("resource_type", resource),
			attribute.Float64("usage_percentage", f*100),
		))
	}
}

func budgetLimitLabel(budget Budget) string {
	switch {
	case budget.MaxCostUSD > 0 && budget.MaxCalls > 0:
		return "cost_and_calls"
	case budget.MaxCostUSD > 0:
		return "cost_only"
	case budget.MaxCalls > 0:
		return "calls_only"
	default:
		return "unlimited"
	}
}

// OTelRunObserver traces runs and iterations and records their outcomes
// as metrics.
type OTelRunObserver struct {
	metrics ports.MetricsCollector
	tracer  trace.Tracer
}

// NewOTelRunObserver creates a run observer. metrics may be nil.
func NewOTelRunObserver(metrics ports.MetricsCollector) *OTelRunObserver {
	return &OTelRunObserver{metrics: metrics, tracer: otel.Tracer(tracerName)}
}

// RunStarted opens the run span.
func (o *OTelRunObserver) RunStarted(ctx context.Context, run ports.RunRecord) context.Context {
	ctx, _ = o.tracer.Start(ctx, "optimizer.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.provider", run.Provider),
		attribute.String("run.model", run.Model),
		attribute.String("run.mode", string(run.Mode)),
	))
	return ctx
}

// IterationStarted opens a child span for one iteration.
func (o *OTelRunObserver) IterationStarted(ctx context.Context, index int) context.Context {
	ctx, _ = o.tracer.Start(ctx, "optimizer.iteration", trace.WithAttributes(
		attribute.Int("iteration.index", index),
	))
	return ctx
}

// IterationFinished closes the iteration span.
func (o *OTelRunObserver) IterationFinished(ctx context.Context, it domain.Iteration) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.Int("iteration.score", it.Score),
		attribute.Int("iteration.raw_score", it.RawScore()),
		attribute.String("iteration.decision", string(it.Decision)),
		attribute.String("iteration.mode", string(it.Mode)),
		attribute.String("iteration.strategy", string(it.Selection.Strategy)),
		attribute.Int("iteration.images", it.Selection.ImageCount),
		attribute.Float64("iteration.cost_usd", it.CostUSD),
	)
	if it.Failed() {
		span.SetStatus(codes.Error, it.FailureReason)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if o.metrics == nil {
		return
	}
	labels := map[string]string{"decision": string(it.Decision), "mode": string(it.Mode)}
	o.metrics.RecordCounter("checkpoint_decisions_total", 1, labels)
	if !it.Failed() {
		o.metrics.RecordHistogram("iteration_score", float64(it.Score), labels)
	}
}

// RunFinished closes the run span.
func (o *OTelRunObserver) RunFinished(ctx context.Context, summary ports.RunSummary, err error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.String("run.terminal", string(summary.Terminal)),
		attribute.Int("run.best_score", summary.Checkpoint.BestScore),
		attribute.Int("run.iterations", len(summary.Checkpoint.History)),
		attribute.Float64("run.total_cost_usd", summary.Checkpoint.TotalCost()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, summary.Reason)
	}

	if o.metrics != nil {
		o.metrics.RecordCounter("runs_finished_total", 1, map[string]string{"terminal": string(summary.Terminal)})
		labels := map[string]string{"component": "controller"}
		o.metrics.RecordGauge("last_run_best_score", float64(summary.Checkpoint.BestScore), labels)
		o.metrics.RecordGauge("last_run_iterations", float64(len(summary.Checkpoint.History)), labels)
	}
}
