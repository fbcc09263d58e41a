package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// retryProvider retries transient failures with exponential backoff.
// Credential and validation failures are returned on the first attempt.
type retryProvider struct {
	passthrough
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// RetryMiddleware creates middleware that retries transient failures
// (rate limits, timeouts, transport errors) with exponential backoff.
func RetryMiddleware(maxRetries int, baseDelay, maxDelay time.Duration) Middleware {
	return func(next Provider) Provider {
		return &retryProvider{
			passthrough: passthrough{next: next},
			maxRetries:  maxRetries,
			baseDelay:   baseDelay,
			maxDelay:    maxDelay,
		}
	}
}

// Analyze executes the request, retrying while the failure is transient.
func (r *retryProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	var (
		lastRes ports.OracleResult
		lastErr error
		elapsed time.Duration
	)

	attempts := 0
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		attempts++
		res, err := r.next.Analyze(ctx, req)
		elapsed += res.Elapsed
		if err == nil {
			return res, nil
		}
		lastRes, lastErr = res, err

		if !retryable(err) || ctx.Err() != nil || attempt == r.maxRetries {
			break
		}

		delay := r.calculateDelay(attempt, err)
		select {
		case <-ctx.Done():
			lastRes.Elapsed = elapsed
			return lastRes, lastErr
		case <-time.After(delay):
		}
	}

	lastRes.Elapsed = elapsed
	if attempts == 1 {
		return lastRes, lastErr
	}
	return lastRes, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// retryable reports whether err is a transient oracle failure.
func retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var oe *ports.OracleError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.IsRetryable()
}

func (r *retryProvider) calculateDelay(attempt int, err error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	// #nosec G115 - attempt is bounded between 0 and 30
	multiplier := 1 << uint(attempt)
	delay := time.Duration(float64(r.baseDelay) * float64(multiplier))

	// Add jitter (±25%)
	// #nosec G404 - Using weak RNG is acceptable for jitter calculation
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.5)
	delay = delay + jitter - (delay / 4)

	var oe *ports.OracleError
	if errors.As(err, &oe) && oe.RetryAfter != nil && *oe.RetryAfter > delay {
		delay = *oe.RetryAfter
	}

	if r.maxDelay > 0 && delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}
