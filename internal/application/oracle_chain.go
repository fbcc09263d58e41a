package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-blocking/infrastructure/cache"
	"github.com/ahrav/go-blocking/infrastructure/middleware"
	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/internal/ports"
)

// tracerName names the oracle spans.
const tracerName = "go-blocking"

// OracleOptions carries the process-wide collaborators of the oracle chain.
type OracleOptions struct {
	// Metrics feeds the metrics, circuit breaker and budget middleware.
	// Nil disables metrics.
	Metrics *middleware.PrometheusMetrics
	Logger  *slog.Logger
	// Base replaces provider selection, for tests and simulations.
	Base oracle.Provider
}

// OracleStack is a provider wrapped in the configured middleware, plus the
// stateful pieces a caller may inspect or share between runs.
type OracleStack struct {
	Provider oracle.Provider
	Budget   *middleware.BudgetManager
	// Cache is nil unless cache.enabled is set.
	Cache *cache.Store
}

// BuildOracle selects the configured provider and wraps it, outermost
// first, in tracing, metrics, the analysis cache, the cost budget, the
// circuit breaker, retry, rate limiting and the per-attempt timeout.
// Cache hits therefore cost nothing and each retry is rate limited.
func BuildOracle(ctx context.Context, cfg Config, opts OracleOptions) (*OracleStack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var collector ports.MetricsCollector
	if opts.Metrics != nil {
		collector = opts.Metrics
	}

	base := opts.Base
	if base == nil {
		ocfg := cfg.OracleConfig()
		ocfg.Logger = logger
		p, err := oracle.SelectProvider(ctx, ocfg, "")
		if err != nil {
			return nil, fmt.Errorf("failed to select oracle provider: %w", err)
		}
		base = p
	}

	budget, err := middleware.NewBudgetManager(middleware.Budget{
		MaxCostUSD: cfg.Budget.MaxCostUSD,
		MaxCalls:   cfg.Budget.MaxCalls,
	}, middleware.NewOTelBudgetObserver(collector))
	if err != nil {
		return nil, fmt.Errorf("invalid budget: %w", err)
	}

	stack := &OracleStack{Budget: budget}
	chain := []oracle.Middleware{oracle.TracingMiddleware(tracerName)}
	if collector != nil {
		chain = append(chain, oracle.MetricsMiddleware(collector))
	}
	if cfg.Cache.Enabled {
		store, err := cache.New(cache.Config{Dir: cfg.Cache.Dir, DefaultTTL: cfg.Cache.TTL, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open analysis cache: %w", err)
		}
		stack.Cache = store
		chain = append(chain, oracle.CacheMiddleware(store, cfg.Cache.TTL, logger))
	}
	chain = append(chain, budget.Middleware())

	if cb := cfg.CircuitBreaker; cb.MaxFailures > 0 {
		if opts.Metrics != nil {
			chain = append(chain, oracle.CircuitBreakerMiddlewareWithMetrics(cb.MaxFailures, cb.Cooldown, opts.Metrics))
		} else {
			chain = append(chain, oracle.CircuitBreakerMiddleware(cb.MaxFailures, cb.Cooldown))
		}
	}
	if r := cfg.Retry; r.MaxAttempts > 1 {
		chain = append(chain, oracle.RetryMiddleware(
			r.MaxAttempts-1,
			time.Duration(r.InitialWaitMS)*time.Millisecond,
			time.Duration(r.MaxWaitMS)*time.Millisecond,
		))
	}
	if rl := cfg.RateLimit; rl.RPS > 0 {
		chain = append(chain, oracle.RateLimitMiddleware(rate.Limit(rl.RPS), max(1, rl.Burst)))
	}
	if cfg.Provider.Timeout > 0 {
		chain = append(chain, oracle.TimeoutMiddleware(cfg.Provider.Timeout))
	}

	stack.Provider = oracle.Chain(base, chain...)
	logger.Info("oracle ready",
		"provider", stack.Provider.Name(),
		"model", stack.Provider.Model(),
		"middleware", len(chain),
		"cache", cfg.Cache.Enabled,
		"max_cost_usd", cfg.Budget.MaxCostUSD,
	)
	return stack, nil
}
