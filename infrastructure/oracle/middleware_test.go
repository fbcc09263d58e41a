package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

func TestRetryMiddleware_SuccessOnFirstAttempt(t *testing.T) {
	// Given a mock that succeeds immediately
	mock := NewMockProvider()
	wrapped := RetryMiddleware(3, 100*time.Millisecond, time.Second)(mock)

	// When making a request
	res, err := wrapped.Analyze(context.Background(), testRequest())

	// Then it should succeed without retries
	require.NoError(t, err)
	assert.Equal(t, mock.Response, res.Text)
	assert.Equal(t, 1, mock.GetCallCount())
}

func TestRetryMiddleware_RetriesTransientErrors(t *testing.T) {
	// Given a mock that fails twice with a 503 then succeeds
	mock := NewMockProvider()
	mock.FailUntilAttempt = 2
	wrapped := RetryMiddleware(3, 10*time.Millisecond, time.Second)(mock)

	// When making a request
	res, err := wrapped.Analyze(context.Background(), testRequest())

	// Then it eventually succeeds
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, mock.GetCallCount())
}

func TestRetryMiddleware_FailsAfterMaxRetries(t *testing.T) {
	// Given a mock that always times out
	mock := NewMockProvider()
	mock.Error = ports.NewOracleError(ports.FailureTimeout, "mock", "slow", nil)
	wrapped := RetryMiddleware(2, 10*time.Millisecond, time.Second)(mock)

	// When making a request
	_, err := wrapped.Analyze(context.Background(), testRequest())

	// Then it fails after exhausting retries and keeps the kind
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed after 3 attempts")
	assert.ErrorIs(t, err, ports.ErrTimeout)
	assert.Equal(t, 3, mock.GetCallCount())
}

func TestRetryMiddleware_DoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "unauthorized", err: ports.NewOracleError(ports.FailureUnauthorized, "mock", "bad key", nil)},
		{name: "missing credentials", err: ports.NewOracleError(ports.FailureMissingCredentials, "mock", "", nil)},
		{name: "bad request", err: ports.NewOracleError(ports.FailureBadRequest, "mock", "too many images", nil)},
		{name: "malformed", err: ports.NewOracleError(ports.FailureMalformedResponse, "mock", "empty", nil)},
		{name: "circuit open", err: ports.NewOracleError(ports.FailureTransport, "mock", "open", ErrCircuitOpen)},
		{name: "unclassified", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a mock failing permanently
			mock := NewMockProvider()
			mock.Error = tt.err
			wrapped := RetryMiddleware(3, time.Millisecond, time.Second)(mock)

			// When making a request
			_, err := wrapped.Analyze(context.Background(), testRequest())

			// Then exactly one attempt is made and the error is returned as is
			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1, mock.GetCallCount())
		})
	}
}

func TestRetryMiddleware_RespectsContextCancellation(t *testing.T) {
	// Given a mock that always fails transiently
	mock := NewMockProvider()
	mock.Error = ports.NewOracleError(ports.FailureTransport, "mock", "reset", nil)
	wrapped := RetryMiddleware(5, 200*time.Millisecond, time.Second)(mock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// When the context ends during backoff
	_, err := wrapped.Analyze(ctx, testRequest())

	// Then no further attempts are made
	require.Error(t, err)
	assert.Equal(t, 1, mock.GetCallCount())
}

func TestRetryMiddleware_HonorsRetryAfter(t *testing.T) {
	r := &retryProvider{baseDelay: time.Millisecond, maxDelay: time.Second}
	hint := 500 * time.Millisecond
	err := &ports.OracleError{Kind: ports.FailureRateLimited, RetryAfter: &hint}

	assert.Equal(t, hint, r.calculateDelay(0, err))

	long := time.Minute
	err.RetryAfter = &long
	assert.Equal(t, time.Second, r.calculateDelay(0, err), "capped at max delay")
}

func TestTimeoutMiddleware(t *testing.T) {
	// Given a slow mock
	mock := NewMockProvider()
	mock.ResponseDelay = 200 * time.Millisecond
	wrapped := TimeoutMiddleware(20 * time.Millisecond)(mock)

	// When making a request
	_, err := wrapped.Analyze(context.Background(), testRequest())

	// Then the call times out
	assert.ErrorIs(t, err, ports.ErrTimeout)
}

func TestRateLimitMiddleware_SpacesCalls(t *testing.T) {
	// Given a limit of one call per 50ms with no burst headroom
	mock := NewMockProvider()
	wrapped := RateLimitMiddleware(rate.Every(50*time.Millisecond), 1)(mock)

	// When making two calls back to back
	for range 2 {
		_, err := wrapped.Analyze(context.Background(), testRequest())
		require.NoError(t, err)
	}

	// Then the second waited for a token
	gap := mock.GetTimeBetweenCalls(0, 1)
	require.NotNil(t, gap)
	assert.GreaterOrEqual(t, *gap, 40*time.Millisecond)
}

func TestRateLimitMiddleware_ContextEndsWhileWaiting(t *testing.T) {
	mock := NewMockProvider()
	wrapped := RateLimitMiddleware(rate.Every(time.Hour), 1)(mock)
	_, err := wrapped.Analyze(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = wrapped.Analyze(ctx, testRequest())

	var oe *ports.OracleError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 1, mock.GetCallCount())
}

func TestCircuitBreaker_OpensAfterTransientFailures(t *testing.T) {
	// Given a breaker tripping after two failures
	mock := NewMockProvider()
	mock.Error = ports.NewOracleError(ports.FailureTransport, "mock", "reset", nil)
	wrapped := CircuitBreakerMiddleware(2, time.Hour)(mock)

	// When three calls fail
	for range 3 {
		_, _ = wrapped.Analyze(context.Background(), testRequest())
	}

	// Then the third is rejected without reaching the provider
	assert.Equal(t, 2, mock.GetCallCount())
	_, err := wrapped.Analyze(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ports.ErrTransport)
}

func TestCircuitBreaker_IgnoresPermanentFailures(t *testing.T) {
	mock := NewMockProvider()
	mock.Error = ports.NewOracleError(ports.FailureBadRequest, "mock", "bad", nil)
	wrapped := CircuitBreakerMiddleware(1, time.Hour)(mock)

	for range 3 {
		_, _ = wrapped.Analyze(context.Background(), testRequest())
	}

	assert.Equal(t, 3, mock.GetCallCount())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	// Given an open breaker whose cooldown has elapsed
	now := time.Now()
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }
	require.True(t, cb.allow())
	cb.record(ports.NewOracleError(ports.FailureTimeout, "mock", "", nil))
	require.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.allow())

	now = now.Add(2 * time.Minute)

	// When a trial call is allowed
	require.True(t, cb.allow())
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.False(t, cb.allow(), "only one trial in flight")

	// Then success closes the circuit
	cb.record(nil)
	assert.Equal(t, StateClosed, cb.GetState())
}

type fakeBreakerMetrics struct {
	trips, success, failures int
}

func (f *fakeBreakerMetrics) RecordState(CircuitBreakerState) {}
func (f *fakeBreakerMetrics) RecordTrip()                     { f.trips++ }
func (f *fakeBreakerMetrics) RecordSuccess()                  { f.success++ }
func (f *fakeBreakerMetrics) RecordFailure()                  { f.failures++ }

func TestCircuitBreakerMiddlewareWithMetrics(t *testing.T) {
	mock := NewMockProvider()
	mock.FailUntilAttempt = 1
	metrics := &fakeBreakerMetrics{}
	wrapped := CircuitBreakerMiddlewareWithMetrics(1, time.Hour, metrics)(mock)

	_, _ = wrapped.Analyze(context.Background(), testRequest())
	_, _ = wrapped.Analyze(context.Background(), testRequest())

	assert.Equal(t, 1, metrics.failures)
	assert.Equal(t, 1, metrics.trips)
	assert.Equal(t, 0, metrics.success)
}

type recordingCollector struct {
	mu         sync.Mutex
	counters   map[string]float64
	histograms map[string]int
	statuses   []string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{counters: map[string]float64{}, histograms: map[string]int{}}
}

func (c *recordingCollector) RecordLatency(string, time.Duration, map[string]string) {}

func (c *recordingCollector) RecordGauge(string, float64, map[string]string) {}

func (c *recordingCollector) RecordCounter(metric string, v float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := metric
	if tt, ok := labels["token_type"]; ok {
		key += "/" + tt
	}
	c.counters[key] += v
	if metric == "oracle_requests_total" {
		c.statuses = append(c.statuses, labels["status"])
	}
}

func (c *recordingCollector) RecordHistogram(metric string, _ float64, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histograms[metric]++
}

func TestMetricsMiddleware(t *testing.T) {
	// Given a collector around a succeeding then failing mock
	collector := newRecordingCollector()
	mock := NewMockProvider()
	wrapped := MetricsMiddleware(collector)(mock)

	// When one call succeeds and one fails
	_, err := wrapped.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	mock.Error = ports.NewOracleError(ports.FailureRateLimited, "mock", "", nil)
	_, _ = wrapped.Analyze(context.Background(), testRequest())

	// Then both are counted with their status and tokens only for the success
	assert.Equal(t, []string{"success", "RateLimited"}, collector.statuses)
	assert.Equal(t, 2, collector.histograms["oracle_latency_seconds"])
	assert.Equal(t, 10.0, collector.counters["oracle_tokens_total/input"])
	assert.Equal(t, 20.0, collector.counters["oracle_tokens_total/output"])
	assert.InDelta(t, 0.01, collector.counters["oracle_cost_usd_total"], 1e-12)
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	mock := NewMockProvider()
	wrapped := TracingMiddleware("test")(mock)

	res, err := wrapped.Analyze(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, mock.Response, res.Text)
	assert.Equal(t, "mock", wrapped.Name())
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, v []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memCache) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string][]byte{}
	return nil
}

func TestCacheMiddleware(t *testing.T) {
	// Given a cache in front of the mock
	store := &memCache{data: map[string][]byte{}}
	mock := NewMockProvider()
	wrapped := CacheMiddleware(store, time.Hour, nil)(mock)

	// When the same request is made twice
	first, err := wrapped.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := wrapped.Analyze(context.Background(), testRequest())
	require.NoError(t, err)

	// Then the second is served from cache at no cost
	assert.Equal(t, 1, mock.GetCallCount())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Zero(t, second.Usage.CostUSD)

	// And a different prompt misses
	req := testRequest()
	req.Prompt = "different"
	_, err = wrapped.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.GetCallCount())
}

func TestCacheMiddleware_DoesNotCacheFailures(t *testing.T) {
	store := &memCache{data: map[string][]byte{}}
	mock := NewMockProvider()
	mock.FailUntilAttempt = 1
	wrapped := CacheMiddleware(store, time.Hour, nil)(mock)

	_, err := wrapped.Analyze(context.Background(), testRequest())
	require.Error(t, err)
	_, err = wrapped.Analyze(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, 2, mock.GetCallCount())
}

func TestCacheKey_ChangesWithImages(t *testing.T) {
	a := testRequest()
	b := testRequest()
	b.Views[0].Image = domain.Image{Data: []byte("other"), MediaType: domain.MediaTypePNG}

	assert.NotEqual(t, CacheKey("p", "m", a), CacheKey("p", "m", b))
	assert.Equal(t, CacheKey("p", "m", a), CacheKey("p", "m", testRequest()))
}

func TestChain_FirstMiddlewareIsOutermost(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Provider) Provider {
			order = append(order, name)
			return next
		}
	}

	Chain(NewMockProvider(), mark("outer"), mark("inner"))

	assert.Equal(t, []string{"inner", "outer"}, order, "inner wraps first so outer ends up outermost")
}
