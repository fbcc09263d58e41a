package oracle

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

type rateLimitedProvider struct {
	passthrough
	limiter *rate.Limiter
}

// RateLimitMiddleware creates middleware that enforces a token-bucket rate
// limit. The limiter is shared by every provider the middleware wraps.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(limit, burst)
	return func(next Provider) Provider {
		return &rateLimitedProvider{passthrough: passthrough{next: next}, limiter: limiter}
	}
}

// Analyze waits for a token, then forwards the call. A context that ends
// while waiting is reported as a Timeout or TransportError.
func (r *rateLimitedProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		ec := &ErrorClassifier{Provider: r.Name(), Model: r.Model()}
		oe := ec.ClassifyContextError(err)
		oe.Message = "rate limit wait: " + oe.Message
		return ports.OracleResult{Provider: r.Name(), Model: r.Model()}, oe
	}
	return r.next.Analyze(ctx, req)
}
