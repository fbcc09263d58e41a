package oracle

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

type tracedProvider struct {
	passthrough
	tracer trace.Tracer
}

// TracingMiddleware creates middleware that wraps each call in an
// OpenTelemetry span named "oracle.analyze".
func TracingMiddleware(serviceName string) Middleware {
	tracer := otel.Tracer(serviceName)
	return func(next Provider) Provider {
		return &tracedProvider{passthrough: passthrough{next: next}, tracer: tracer}
	}
}

// Analyze records request shape, usage and failure kind on the span.
func (t *tracedProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	ctx, span := t.tracer.Start(ctx, "oracle.analyze",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("oracle.provider", t.Name()),
			attribute.String("oracle.model", t.Model()),
			attribute.Int("oracle.images", req.ImageCount()),
			attribute.Int("oracle.prompt_chars", len(req.Prompt)),
			attribute.String("oracle.mode", string(req.Mode)),
		),
	)
	defer span.End()

	res, err := t.next.Analyze(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var oe *ports.OracleError
		if errors.As(err, &oe) {
			span.SetAttributes(attribute.String("oracle.failure_kind", string(oe.Kind)))
		}
		return res, err
	}

	span.SetAttributes(
		attribute.Int("oracle.input_tokens", res.Usage.InputTokens),
		attribute.Int("oracle.output_tokens", res.Usage.OutputTokens),
		attribute.Int("oracle.reasoning_tokens", res.Usage.ReasoningTokens),
		attribute.Float64("oracle.cost_usd", res.Usage.CostUSD),
		attribute.Bool("oracle.cached", res.Cached),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}
