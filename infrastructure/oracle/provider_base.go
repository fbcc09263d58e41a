package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// DefaultMaxOutputTokens bounds replies when neither the request nor the
// configuration sets a limit.
const DefaultMaxOutputTokens = 1024

// BaseProvider provides common, thread-safe functionality for all providers:
// model name, request preconditions, cost accounting and result shaping.
type BaseProvider struct {
	model           string
	name            string
	apiKey          string
	caps            Capabilities
	prices          PriceTable
	tracker         CostTracker
	timeout         time.Duration
	temperature     *float64
	maxOutputTokens int
	httpClient      *http.Client
	logger          *slog.Logger
}

// newBaseProvider applies configuration overrides on top of the family's
// defaults.
func newBaseProvider(name, defaultModel string, cfg Config, caps Capabilities) *BaseProvider {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	if cfg.MaxImages > 0 && cfg.MaxImages < caps.MaxImages {
		caps.MaxImages = cfg.MaxImages
	}
	prices := PricesFor(name)
	if cfg.Prices != nil {
		prices = *cfg.Prices
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &BaseProvider{
		model:           model,
		name:            name,
		apiKey:          cfg.APIKey,
		caps:            caps,
		prices:          prices,
		timeout:         cfg.Timeout,
		temperature:     cfg.Temperature,
		maxOutputTokens: cfg.MaxOutputTokens,
		httpClient:      httpClient,
		logger:          cfg.logger().With("provider", name),
	}
}

// Name returns the provider family name.
func (b *BaseProvider) Name() string { return b.name }

// Model returns the name of the model configured for the provider.
func (b *BaseProvider) Model() string { return b.model }

// Capabilities returns the provider's limits.
func (b *BaseProvider) Capabilities() Capabilities { return b.caps }

// Statistics returns the provider instance's running cost totals.
func (b *BaseProvider) Statistics() CostStatistics { return b.tracker.Statistics() }

// IsAvailable reports whether a credential is configured.
func (b *BaseProvider) IsAvailable(context.Context) error {
	if b.caps.RequiresCredentials && b.apiKey == "" {
		return b.classifier().MissingCredentials()
	}
	return nil
}

func (b *BaseProvider) classifier() *ErrorClassifier {
	return &ErrorClassifier{Provider: b.name, Model: b.Model()}
}

// checkRequest enforces the preconditions that must hold before any
// network call.
func (b *BaseProvider) checkRequest(req domain.OracleRequest) error {
	if b.caps.RequiresCredentials && b.apiKey == "" {
		return b.classifier().MissingCredentials()
	}
	limit := b.caps.MaxImages
	if req.MaxImages > 0 && req.MaxImages < limit {
		limit = req.MaxImages
	}
	if err := validateImages(req, limit); err != nil {
		return b.classifier().BadRequest(err.Error())
	}
	return nil
}

// callTimeout returns the effective per-call timeout.
func (b *BaseProvider) callTimeout() time.Duration {
	if b.timeout > 0 {
		return b.timeout
	}
	return b.caps.DefaultTimeout
}

// withTimeout derives the per-call context.
func (b *BaseProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := b.callTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// requestTemperature picks the request temperature over the configured one.
func (b *BaseProvider) requestTemperature(req domain.OracleRequest) *float64 {
	t := req.Temperature
	if t == nil {
		t = b.temperature
	}
	if t == nil {
		return nil
	}
	v := ClampFloat64(*t, MinTemperature, MaxTemperature)
	return &v
}

// requestMaxTokens picks the reply size limit.
func (b *BaseProvider) requestMaxTokens(req domain.OracleRequest) int {
	switch {
	case req.MaxOutputTokens > 0:
		return req.MaxOutputTokens
	case b.maxOutputTokens > 0:
		return b.maxOutputTokens
	default:
		return DefaultMaxOutputTokens
	}
}

// failure shapes a failed call: Success false, zero cost, elapsed set.
func (b *BaseProvider) failure(start time.Time, err error) (ports.OracleResult, error) {
	oe := asOracleError(b.classifier(), err)
	b.logger.Warn("oracle call failed",
		"model", b.Model(),
		"kind", oe.Kind,
		"status", oe.StatusCode,
		"error", oe.Message,
	)
	return ports.OracleResult{
		Success:  false,
		Elapsed:  time.Since(start),
		Provider: b.name,
		Model:    b.Model(),
	}, oe
}

// success prices the usage, records it and shapes the result.
func (b *BaseProvider) success(start time.Time, text string, usage domain.Usage, meta map[string]any) (ports.OracleResult, error) {
	if text == "" {
		return b.failure(start, b.classifier().Malformed("no text content in response", ErrEmptyResponse))
	}
	usage.CostUSD = b.prices.Cost(usage)
	b.tracker.Add(usage.CostUSD)
	elapsed := time.Since(start)
	b.logger.Info("oracle call complete",
		"model", b.Model(),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cache_read_tokens", usage.CacheReadTokens,
		"reasoning_tokens", usage.ReasoningTokens,
		"cost_usd", usage.CostUSD,
		"elapsed", elapsed,
	)
	return ports.OracleResult{
		Success:  true,
		Text:     text,
		Usage:    usage,
		Elapsed:  elapsed,
		Provider: b.name,
		Model:    b.Model(),
		Metadata: meta,
	}, nil
}

// recoverPanic converts a panic inside a provider into a failed result.
func (b *BaseProvider) recoverPanic(start time.Time, res *ports.OracleResult, err *error) {
	if r := recover(); r != nil {
		*res, *err = b.failure(start, b.classifier().Malformed(fmt.Sprintf("provider panic: %v", r), nil))
	}
}
