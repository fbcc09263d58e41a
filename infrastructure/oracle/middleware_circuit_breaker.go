package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState int

// Circuit breaker states.
const (
	// StateClosed allows all requests to pass through normally.
	StateClosed CircuitBreakerState = iota
	// StateOpen rejects all requests until the cooldown expires.
	StateOpen
	// StateHalfOpen lets one trial request through to test recovery.
	StateHalfOpen
)

// String returns the state name.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerMetrics enables observability for circuit breaker behavior.
type CircuitBreakerMetrics interface {
	// RecordState updates the current circuit breaker state metric.
	RecordState(state CircuitBreakerState)
	// RecordTrip increments the circuit breaker trip counter.
	RecordTrip()
	// RecordSuccess increments the successful request counter.
	RecordSuccess()
	// RecordFailure increments the failed request counter.
	RecordFailure()
}

// CircuitBreaker opens after maxFailures consecutive transient failures
// and rejects calls until the cooldown has elapsed. Credential and
// validation failures do not count: retrying them cannot help, but they
// say nothing about the backend's health either.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitBreakerState
	failureCount     int
	maxFailures      int
	cooldownDuration time.Duration
	lastFailure      time.Time
	trialInFlight    bool
	now              func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the specified configuration.
func NewCircuitBreaker(maxFailures int, cooldownDuration time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		maxFailures:      maxFailures,
		cooldownDuration: cooldownDuration,
		now:              time.Now,
	}
}

// allow reports whether a call may proceed and moves Open to HalfOpen once
// the cooldown has passed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cooldownDuration {
			return false
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		return true
	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return true
	}
}

// record updates the state with the outcome of an allowed call.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == StateHalfOpen
	cb.trialInFlight = false

	if err == nil || !countsAsFailure(err) {
		if wasTrial || err == nil {
			cb.failureCount = 0
			cb.state = StateClosed
		}
		return
	}

	cb.failureCount++
	cb.lastFailure = cb.now()
	if wasTrial || cb.failureCount >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func countsAsFailure(err error) bool {
	var oe *ports.OracleError
	if errors.As(err, &oe) {
		return oe.IsRetryable()
	}
	return true
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type circuitBreakerProvider struct {
	passthrough
	cb      *CircuitBreaker
	metrics CircuitBreakerMetrics
}

// CircuitBreakerMiddleware creates middleware that implements the circuit breaker pattern.
func CircuitBreakerMiddleware(maxFailures int, cooldown time.Duration) Middleware {
	return CircuitBreakerMiddlewareWithMetrics(maxFailures, cooldown, nil)
}

// CircuitBreakerMiddlewareWithMetrics creates circuit breaker middleware with metrics support.
// One breaker is shared by every provider the middleware wraps.
func CircuitBreakerMiddlewareWithMetrics(maxFailures int, cooldown time.Duration, metrics CircuitBreakerMetrics) Middleware {
	cb := NewCircuitBreaker(maxFailures, cooldown)
	return func(next Provider) Provider {
		return &circuitBreakerProvider{
			passthrough: passthrough{next: next},
			cb:          cb,
			metrics:     metrics,
		}
	}
}

// Analyze fails fast with a TransportError wrapping ErrCircuitOpen while
// the circuit is open.
func (c *circuitBreakerProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	if !c.cb.allow() {
		if c.metrics != nil {
			c.metrics.RecordTrip()
			c.metrics.RecordState(c.cb.GetState())
		}
		ec := &ErrorClassifier{Provider: c.Name(), Model: c.Model()}
		return ports.OracleResult{Provider: c.Name(), Model: c.Model()},
			ec.newError(ports.FailureTransport, 0, "circuit breaker is open", ErrCircuitOpen)
	}

	res, err := c.next.Analyze(ctx, req)
	c.cb.record(err)

	if c.metrics != nil {
		if err == nil {
			c.metrics.RecordSuccess()
		} else {
			c.metrics.RecordFailure()
		}
		c.metrics.RecordState(c.cb.GetState())
	}
	return res, err
}
