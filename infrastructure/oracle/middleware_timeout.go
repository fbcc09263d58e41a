package oracle

import (
	"context"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// timeoutProvider bounds the whole call, including any retries it wraps.
type timeoutProvider struct {
	passthrough
	timeout time.Duration
}

// TimeoutMiddleware creates middleware that enforces a deadline on every
// Analyze call.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Provider) Provider {
		return &timeoutProvider{passthrough: passthrough{next: next}, timeout: timeout}
	}
}

// Analyze runs the wrapped call under a derived deadline.
func (t *timeoutProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Analyze(ctx, req)
}
