package oracle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// AutoProvider selects the first available provider.
const AutoProvider = "auto"

// ProviderDefaults holds per-family defaults used when building configs
// from the environment.
type ProviderDefaults struct {
	// EnvVar names the environment variable holding the API key.
	EnvVar string
	// DefaultModel is used when no model is configured.
	DefaultModel string
}

// DefaultProviders lists the built-in provider families.
var DefaultProviders = map[string]ProviderDefaults{
	"openai":           {EnvVar: "OPENAI_API_KEY", DefaultModel: OpenAIDefaultModel},
	"openai-responses": {EnvVar: "OPENAI_API_KEY", DefaultModel: OpenAIResponsesDefaultModel},
	"anthropic":        {EnvVar: "ANTHROPIC_API_KEY", DefaultModel: AnthropicDefaultModel},
	"google":           {EnvVar: "GOOGLE_API_KEY", DefaultModel: GoogleDefaultModel},
	"ollama":           {DefaultModel: OllamaDefaultModel},
}

// autoFallbackOrder is tried after the configured preference.
var autoFallbackOrder = []string{"openai", "anthropic", "ollama"}

// ConfigFromEnv fills an empty APIKey from the family's environment variable.
func ConfigFromEnv(cfg Config) Config {
	if cfg.APIKey != "" {
		return cfg
	}
	if d, ok := DefaultProviders[cfg.Name]; ok && d.EnvVar != "" {
		cfg.APIKey = os.Getenv(d.EnvVar)
	}
	return cfg
}

// resolveFamily routes OpenAI reasoning models to the responses API.
func resolveFamily(cfg Config) string {
	if cfg.Name != "openai" {
		return cfg.Name
	}
	for _, prefix := range ResponsesModelPrefixes {
		if strings.HasPrefix(cfg.Model, prefix) {
			return "openai-responses"
		}
	}
	return cfg.Name
}

// SelectProvider builds the configured provider. For "auto" it tries
// prefer, then openai, anthropic and ollama, returning the first provider
// whose IsAvailable succeeds. cfg.Model only applies to prefer.
func SelectProvider(ctx context.Context, cfg Config, prefer string) (Provider, error) {
	if cfg.Name != AutoProvider {
		return NewProvider(ConfigFromEnv(cfg))
	}

	order := make([]string, 0, len(autoFallbackOrder)+1)
	if prefer != "" && prefer != AutoProvider {
		order = append(order, prefer)
	}
	for _, name := range autoFallbackOrder {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	var errs []error
	for _, name := range order {
		c := cfg
		c.Name = name
		if name != prefer {
			c.Model = ""
		}
		p, err := NewProvider(ConfigFromEnv(c))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := p.IsAvailable(ctx); err != nil {
			cfg.logger().Debug("provider unavailable", "provider", name, "reason", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		cfg.logger().Info("auto-selected provider", "provider", p.Name(), "model", p.Model())
		return p, nil
	}
	return nil, fmt.Errorf("no oracle provider available: %w", errors.Join(errs...))
}

// ProviderStatus reports one provider's availability.
type ProviderStatus struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// ProbeProviders checks every configured provider concurrently. Results keep
// the order of cfgs; a probe failure is reported, never returned.
func ProbeProviders(ctx context.Context, cfgs []Config) ([]ProviderStatus, error) {
	statuses := make([]ProviderStatus, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			cfg = ConfigFromEnv(cfg)
			status := ProviderStatus{Name: cfg.Name, Model: cfg.Model}
			p, err := NewProvider(cfg)
			if err != nil {
				status.Reason = err.Error()
				statuses[i] = status
				return nil
			}
			status.Name, status.Model = p.Name(), p.Model()
			if err := p.IsAvailable(gctx); err != nil {
				status.Reason = err.Error()
			} else {
				status.Available = true
			}
			statuses[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}
