package application

import (
	"time"

	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/internal/domain"
)

// Config is the complete description of an optimization run and the
// primary configuration entry point for the system.
// Use Config to tune the loop, pick the oracle provider and point the
// optimizer at its collaborators.
type Config struct {
	// PositioningMode decides whether oracle adjustments are target
	// coordinates (absolute) or deltas from the live transform (relative).
	PositioningMode string `yaml:"positioning_mode" validate:"required,positioning_mode"`
	// AdaptiveMode allows the controller to switch a relative run to
	// absolute mode when it keeps reverting or scoring poorly.
	AdaptiveMode bool `yaml:"adaptive_mode"`
	// Checkpointing keeps the best scene seen so far and reverts to it
	// after a regression. When disabled every iteration is accepted.
	Checkpointing bool `yaml:"checkpointing"`
	// MaxIterations bounds the number of oracle round trips in one run.
	MaxIterations int `yaml:"max_iterations" validate:"min=1,max=100"`
	// SuccessThreshold is the score at or above which the run converges.
	SuccessThreshold int `yaml:"success_threshold" validate:"min=1,max=100"`
	// OscillationThreshold is the minimum gap between alternating scores
	// for the run to be stopped as oscillating.
	OscillationThreshold int `yaml:"oscillation_threshold" validate:"min=0,max=100"`
	// LowQualityFloor is the score below which three consecutive results
	// trigger the adaptive switch to absolute mode.
	LowQualityFloor int `yaml:"low_quality_floor" validate:"min=0,max=100"`
	// MaxConsecutiveFailures aborts the run after this many oracle calls in
	// a row fail to produce a usable score.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" validate:"min=1,max=20"`
	// MinViews is the minimum number of captured views needed to score.
	MinViews int `yaml:"min_views" validate:"min=1,max=7"`
	// Views is the capture set requested from the renderer every
	// iteration. The view selection policy narrows it further.
	Views []string `yaml:"views" validate:"required,min=1,unique,dive,view_id"`
	// HeroView is the camera that must match the reference image.
	HeroView string `yaml:"hero_view" validate:"required,view_id"`

	Scene          SceneConfig          `yaml:"scene"`
	ViewSelection  ViewSelectionConfig  `yaml:"view_selection"`
	Provider       ProviderConfig       `yaml:"provider"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Budget         BudgetConfig         `yaml:"budget"`
	Cache          CacheConfig          `yaml:"cache"`
	Artifacts      ArtifactsConfig      `yaml:"artifacts"`
	Store          StoreConfig          `yaml:"store"`
	Renderer       RendererConfig       `yaml:"renderer"`
	Camera         CameraConfig         `yaml:"camera"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// SceneConfig describes the shot being blocked.
type SceneConfig struct {
	// Shot selects the framing rules given to the oracle.
	Shot string `yaml:"shot" validate:"required,oneof=wide medium close_up over_shoulder two_shot"`
	// Complexity steers how many views the selection policy asks for.
	Complexity string `yaml:"complexity" validate:"required,oneof=simple medium complex"`
	// Roster lists the entities the operator expects in the shot. Roster
	// names without a live binding are shown to the oracle as unbound.
	Roster []string `yaml:"roster" validate:"max=100,dive,min=1,max=255"`
}

// ViewSelectionConfig controls the adaptive view policy.
type ViewSelectionConfig struct {
	// Enabled turns on strategy-based view selection. When disabled every
	// captured view is sent on every iteration.
	Enabled bool `yaml:"enabled"`
	// InputPricePerMillion prices image tokens for cost estimates. Zero
	// uses the configured provider's input price.
	InputPricePerMillion float64 `yaml:"input_price_per_million" validate:"min=0"`
}

// ProviderConfig selects and tunes the oracle provider.
type ProviderConfig struct {
	// Name is a registered provider family or "auto".
	Name string `yaml:"name" validate:"required,provider_name"`
	// Model overrides the provider's default model.
	Model string `yaml:"model" validate:"max=255"`
	// BaseURL overrides the provider endpoint, for proxies and local
	// servers.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// APIKey is normally supplied as ${ENV_VAR}. When empty the provider's
	// standard environment variable is consulted.
	APIKey string `yaml:"api_key"`
	// Timeout bounds one oracle call. Zero uses the provider default.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
	// MaxImages caps the images sent in one request, never below the
	// reference plus the hero view. Zero uses the provider's capability.
	MaxImages int `yaml:"max_images" validate:"omitempty,min=2,max=100"`
	// ExtendedThinking enables reasoning on providers that support it.
	ExtendedThinking bool `yaml:"extended_thinking"`
	// Temperature is passed to providers that honour it.
	Temperature *float64 `yaml:"temperature" validate:"omitempty,min=0,max=2"`
	// MaxOutputTokens bounds the reply length. Zero uses the provider
	// default.
	MaxOutputTokens int `yaml:"max_output_tokens" validate:"min=0,max=200000"`
}

// RetryConfig bounds the retry middleware. Only transient failures retry.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts" validate:"min=0,max=10"`
	InitialWaitMS int `yaml:"initial_wait_ms" validate:"min=0"`
	MaxWaitMS     int `yaml:"max_wait_ms" validate:"min=0,gtefield=InitialWaitMS"`
}

// RateLimitConfig configures the token bucket in front of the provider.
// Zero RPS disables rate limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"min=0"`
	Burst int     `yaml:"burst" validate:"min=0"`
}

// CircuitBreakerConfig configures the provider circuit breaker. Zero
// MaxFailures disables it.
type CircuitBreakerConfig struct {
	MaxFailures int           `yaml:"max_failures" validate:"min=0"`
	Cooldown    time.Duration `yaml:"cooldown" validate:"min=0"`
}

// BudgetConfig caps oracle spend. Zero values are unlimited.
type BudgetConfig struct {
	MaxCostUSD float64 `yaml:"max_cost_usd" validate:"min=0"`
	MaxCalls   int64   `yaml:"max_calls" validate:"min=0"`
}

// CacheConfig configures the analysis cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir persists cached analyses across runs. Empty keeps them in memory.
	Dir string        `yaml:"dir"`
	TTL time.Duration `yaml:"ttl" validate:"min=0"`
	// ResetEvery clears the cache after this many oracle calls so that a
	// long run does not keep replaying stale analyses. Zero never resets.
	ResetEvery int `yaml:"reset_every" validate:"min=0"`
}

// ArtifactsConfig controls the per-run debug directory. An empty Dir
// disables artifacts.
type ArtifactsConfig struct {
	Dir      string `yaml:"dir"`
	Annotate bool   `yaml:"annotate"`
}

// StoreConfig points at the SQLite run ledger. An empty Path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RendererConfig locates the render bridge.
type RendererConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

// CameraConfig controls hero camera placement.
type CameraConfig struct {
	// Entity names the scene entity the hero camera is bound to. Its live
	// transform is the base for camera adjustments and it is excluded from
	// the look-at target.
	Entity string `yaml:"entity"`
	// LookAt aims the camera at the centroid of the other entities after
	// every move instead of using the oracle's rotation.
	LookAt bool `yaml:"look_at"`
	// HeadOffset raises the look-at target above the entity origins, in
	// centimetres, so that the camera frames the upper body rather than feet.
	HeadOffset float64 `yaml:"head_offset"`
}

// MetricsConfig exposes Prometheus metrics. An empty Listen disables the
// endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the configuration used for keys a file omits.
func DefaultConfig() Config {
	return Config{
		PositioningMode:        string(domain.ModeRelative),
		AdaptiveMode:           true,
		Checkpointing:          true,
		MaxIterations:          10,
		SuccessThreshold:       80,
		OscillationThreshold:   30,
		LowQualityFloor:        40,
		MaxConsecutiveFailures: 3,
		MinViews:               1,
		Views:                  []string{string(domain.ViewHero), string(domain.ViewFront), string(domain.ViewRight), string(domain.ViewTop)},
		HeroView:               string(domain.ViewHero),
		Scene: SceneConfig{
			Shot:       string(domain.ShotMedium),
			Complexity: string(domain.ComplexityMedium),
		},
		ViewSelection: ViewSelectionConfig{Enabled: true},
		Provider:      ProviderConfig{Name: oracle.AutoProvider},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialWaitMS: 1000,
			MaxWaitMS:     30000,
		},
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second},
		Cache:          CacheConfig{TTL: 24 * time.Hour},
		Artifacts:      ArtifactsConfig{Annotate: true},
		Renderer:       RendererConfig{URL: "http://127.0.0.1:8765"},
		Camera:         CameraConfig{HeadOffset: 85},
	}
}

// Mode returns the configured positioning mode.
func (c Config) Mode() domain.PositioningMode { return domain.PositioningMode(c.PositioningMode) }

// Hero returns the configured hero view.
func (c Config) Hero() domain.ViewID { return domain.ViewID(c.HeroView) }

// CaptureViews returns the configured capture set.
func (c Config) CaptureViews() []domain.ViewID {
	ids := make([]domain.ViewID, len(c.Views))
	for i, v := range c.Views {
		ids[i] = domain.ViewID(v)
	}
	return ids
}

// OracleConfig converts the provider section into an oracle.Config.
func (c Config) OracleConfig() oracle.Config {
	return oracle.Config{
		Name:             c.Provider.Name,
		Model:            c.Provider.Model,
		BaseURL:          c.Provider.BaseURL,
		APIKey:           c.Provider.APIKey,
		Timeout:          c.Provider.Timeout,
		MaxImages:        c.Provider.MaxImages,
		ExtendedThinking: c.Provider.ExtendedThinking,
		Temperature:      c.Provider.Temperature,
		MaxOutputTokens:  c.Provider.MaxOutputTokens,
	}
}
