// Package oracle provides a uniform interface to vision-capable AI backends
// that score a rendered scene against a reference image.
//
// Each provider family (Anthropic, OpenAI chat, OpenAI responses, Google,
// Ollama) hides its own wire format, usage fields, structured-output support
// and temperature semantics behind the Provider interface. Cross-cutting
// concerns are layered on with Middleware.
//
// Basic usage:
//
//	p, err := oracle.NewProvider(oracle.Config{
//	    Name:   "anthropic",
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    Middleware: []oracle.Middleware{
//	        oracle.RetryMiddleware(3, time.Second, 30*time.Second),
//	        oracle.MetricsMiddleware(collector),
//	    },
//	})
//	result, err := p.Analyze(ctx, req)
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/go-blocking/internal/ports"
)

// Capabilities describes what a provider can accept.
type Capabilities struct {
	// MaxImages is the largest number of images one request may carry.
	MaxImages int
	// SupportsStructuredOutput reports strict JSON-schema constrained output.
	SupportsStructuredOutput bool
	// HonorsTemperature is false when the provider ignores or overrides the
	// caller's sampling temperature.
	HonorsTemperature bool
	// DefaultTimeout bounds a single call when no timeout is configured.
	DefaultTimeout time.Duration
	// RequiresCredentials is false for local providers.
	RequiresCredentials bool
}

// Provider is an oracle backend. It satisfies ports.Oracle and adds the
// introspection the factory and middleware need.
type Provider interface {
	ports.Oracle

	// Capabilities returns the provider's limits.
	Capabilities() Capabilities

	// IsAvailable reports whether the provider can be used right now:
	// a credential for hosted providers, a liveness probe for local ones.
	IsAvailable(ctx context.Context) error
}

// StatisticsReporter is implemented by providers that track spend.
type StatisticsReporter interface {
	Statistics() CostStatistics
}

// Config holds all configuration options for creating a provider.
type Config struct {
	// Name selects the provider family, or "auto".
	Name string

	// Model overrides the provider's default model.
	Model string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// APIKey authenticates requests. Empty means calls fail fast with
	// MissingCredentials for hosted providers.
	APIKey string

	// Timeout overrides the provider's default per-call timeout.
	Timeout time.Duration

	// MaxImages lowers the provider's image limit. Zero keeps the default.
	MaxImages int

	// ExtendedThinking enables extended deliberation where supported.
	ExtendedThinking bool

	// ThinkingBudget is the reasoning token budget used with ExtendedThinking.
	ThinkingBudget int

	// Temperature is the default sampling temperature.
	Temperature *float64

	// MaxOutputTokens bounds the reply length.
	MaxOutputTokens int

	// Prices overrides the provider's default price table.
	Prices *PriceTable

	// HTTPClient is used for all network calls when set.
	HTTPClient *http.Client

	// Logger receives provider diagnostics. Nil uses slog.Default().
	Logger *slog.Logger

	// Middleware is applied in the order specified, first outermost.
	Middleware []Middleware
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Middleware wraps a Provider to add cross-cutting functionality.
type Middleware func(Provider) Provider

// ProviderFactory creates a Provider from configuration.
type ProviderFactory func(Config) (Provider, error)

var (
	factoriesMu       sync.RWMutex
	providerFactories = map[string]ProviderFactory{}
)

// RegisterProviderFactory makes a provider family available to NewProvider.
// Providers register themselves in init.
func RegisterProviderFactory(name string, factory ProviderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	providerFactories[name] = factory
}

// RegisteredProviders returns the registered provider names, sorted.
func RegisteredProviders() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookupFactory(name string) (ProviderFactory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := providerFactories[name]
	return f, ok
}

// NewProvider creates the named provider and wraps it in the configured
// middleware. A missing credential is not an error here: hosted providers
// report MissingCredentials from Analyze without touching the network.
func NewProvider(cfg Config) (Provider, error) {
	cfg.Name = resolveFamily(cfg)
	factory, ok := lookupFactory(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}

	if cfg.BaseURL != "" {
		u, err := ValidateBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		cfg.BaseURL = u
	}
	cfg.Timeout = ValidateTimeout(cfg.Timeout)

	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	return Chain(p, cfg.Middleware...), nil
}

// Chain applies middleware in reverse order so the first is the outermost.
func Chain(p Provider, middleware ...Middleware) Provider {
	for i := len(middleware) - 1; i >= 0; i-- {
		p = middleware[i](p)
	}
	return p
}

// passthrough forwards the introspection methods to the wrapped provider so
// that each middleware only implements Analyze.
type passthrough struct{ next Provider }

func (p passthrough) Name() string                          { return p.next.Name() }
func (p passthrough) Model() string                         { return p.next.Model() }
func (p passthrough) Capabilities() Capabilities            { return p.next.Capabilities() }
func (p passthrough) IsAvailable(ctx context.Context) error { return p.next.IsAvailable(ctx) }

// Statistics forwards spend tracking when the wrapped provider has it.
func (p passthrough) Statistics() CostStatistics {
	if r, ok := p.next.(StatisticsReporter); ok {
		return r.Statistics()
	}
	return CostStatistics{}
}
