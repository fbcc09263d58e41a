package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// MockProvider is a configurable Provider for tests of middleware and
// callers. It is safe for concurrent use.
type MockProvider struct {
	mu sync.Mutex

	ProviderName  string
	ModelName     string
	Caps          Capabilities
	Response      string
	Usage         domain.Usage
	Error         error
	AvailableErr  error
	ResponseDelay time.Duration

	FailUntilAttempt int // Fail for first N attempts, then succeed

	CallCount      int
	LastRequest    domain.OracleRequest
	CallTimestamps []time.Time
}

// NewMockProvider returns a mock that answers every call with a fixed reply.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		ProviderName: "mock",
		ModelName:    "mock-model",
		Caps: Capabilities{
			MaxImages:         20,
			HonorsTemperature: true,
		},
		Response: `{"match_score": 50}`,
		Usage:    domain.Usage{InputTokens: 10, OutputTokens: 20, CostUSD: 0.01},
	}
}

// Analyze records the call and returns the configured outcome.
func (m *MockProvider) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	m.mu.Lock()
	m.CallCount++
	call := m.CallCount
	m.LastRequest = req
	m.CallTimestamps = append(m.CallTimestamps, time.Now())
	delay, failUntil, callErr := m.ResponseDelay, m.FailUntilAttempt, m.Error
	res := ports.OracleResult{Provider: m.ProviderName, Model: m.ModelName}
	m.mu.Unlock()

	ec := &ErrorClassifier{Provider: res.Provider, Model: res.Model}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return res, ec.ClassifyContextError(ctx.Err())
		}
	}

	if failUntil > 0 && call <= failUntil {
		if callErr != nil {
			return res, callErr
		}
		return res, ec.ClassifyHTTPError(503, "simulated failure", nil)
	}
	if failUntil == 0 && callErr != nil {
		return res, callErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res.Success = true
	res.Text = m.Response
	res.Usage = m.Usage
	res.Usage.Images = req.ImageCount()
	return res, nil
}

// Name returns the configured provider name.
func (m *MockProvider) Name() string { return m.ProviderName }

// Model returns the configured model name.
func (m *MockProvider) Model() string { return m.ModelName }

// Capabilities returns the configured capabilities.
func (m *MockProvider) Capabilities() Capabilities { return m.Caps }

// IsAvailable returns AvailableErr.
func (m *MockProvider) IsAvailable(context.Context) error { return m.AvailableErr }

// GetCallCount returns the number of Analyze calls so far.
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// GetTimeBetweenCalls returns the time between two recorded calls.
func (m *MockProvider) GetTimeBetweenCalls(call1, call2 int) *time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if call1 < 0 || call2 < 0 || call1 >= len(m.CallTimestamps) || call2 >= len(m.CallTimestamps) {
		return nil
	}
	d := m.CallTimestamps[call2].Sub(m.CallTimestamps[call1])
	return &d
}
