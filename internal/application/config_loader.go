package application

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// ConfigLoader parses, expands and validates run configuration files.
// Validated configs are cached by the SHA256 of their expanded source so
// that a batch loading the same file many times decodes it once.
type ConfigLoader struct {
	// validator checks struct tags and the custom config rules.
	validator *validator.Validate
	// lookupEnv resolves ${VAR} references.
	lookupEnv func(string) (string, bool)
	// cache maps the hash of the expanded source to its validated config.
	// Cached configs are returned by value, so callers may modify them.
	cache   map[string]Config
	cacheMu sync.RWMutex
	// sf collapses concurrent loads of the same source.
	sf singleflight.Group
}

// NewConfigLoader creates a loader that expands references from the
// process environment.
// NewConfigLoader returns an error if validator registration fails.
func NewConfigLoader() (*ConfigLoader, error) {
	v := validator.New()
	if err := registerConfigValidators(v); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	return &ConfigLoader{
		validator: v,
		lookupEnv: os.LookupEnv,
		cache:     make(map[string]Config),
	}, nil
}

// LoadConfig reads, expands and validates the configuration at path.
func LoadConfig(path string) (Config, error) {
	loader, err := NewConfigLoader()
	if err != nil {
		return Config{}, err
	}
	return loader.LoadFromFile(path)
}

// LoadFromFile loads a configuration file. A missing file is reported as
// ports.ErrConfigNotFound.
func (l *ConfigLoader) LoadFromFile(path string) (Config, error) {
	cleanPath := filepath.Clean(path)

	data, err := os.ReadFile(cleanPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, ports.NewConfigError(cleanPath, ports.ErrConfigNotFound)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read file: %w", err)
	}
	return l.load(data)
}

// LoadFromReader loads a configuration from r.
func (l *ConfigLoader) LoadFromReader(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read data: %w", err)
	}
	return l.load(data)
}

// Validate checks a config built in code, for example after CLI flag
// overrides.
func (l *ConfigLoader) Validate(cfg Config) error {
	if err := l.validateConfig(&cfg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	return nil
}

func (l *ConfigLoader) load(data []byte) (Config, error) {
	expanded, err := l.expandEnv(data)
	if err != nil {
		return Config{}, err
	}

	sum := sha256.Sum256(expanded)
	hash := hex.EncodeToString(sum[:])

	v, err, _ := l.sf.Do(hash, func() (any, error) {
		if cfg, ok := l.cached(hash); ok {
			return cfg, nil
		}

		cfg, err := l.parseYAML(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if err := l.validateConfig(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
		}

		l.cacheMu.Lock()
		l.cache[hash] = cfg
		l.cacheMu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return Config{}, err
	}
	return cloneConfig(v.(Config)), nil
}

func (l *ConfigLoader) cached(hash string) (Config, bool) {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	cfg, ok := l.cache[hash]
	return cfg, ok
}

// ClearCache drops every cached config.
func (l *ConfigLoader) ClearCache() {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.cache = make(map[string]Config)
}

// envRef matches ${NAME}. A bare $NAME is left alone so that keys and
// URLs containing '$' survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references. Every unset variable is reported.
func (l *ConfigLoader) expandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		val, ok := l.lookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: unset environment variables %v", domain.ErrInvalidConfiguration, missing)
	}
	return out, nil
}

// parseYAML decodes data over DefaultConfig so that omitted keys keep their
// defaults. Unknown keys are rejected.
func (l *ConfigLoader) parseYAML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict mode - fail on unknown fields.

	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("YAML decode failed: %w", err)
	}
	return cfg, nil
}

// validateConfig runs struct tag validation and then the cross-field rules.
func (l *ConfigLoader) validateConfig(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}
	if err := validateSemantics(cfg); err != nil {
		return fmt.Errorf("semantic validation failed: %w", err)
	}
	return nil
}

// validateSemantics checks relationships that struct tags cannot express.
func validateSemantics(cfg *Config) error {
	hero := false
	for _, v := range cfg.Views {
		if v == cfg.HeroView {
			hero = true
			break
		}
	}
	if !hero {
		return fmt.Errorf("hero_view %q is not in views", cfg.HeroView)
	}
	if cfg.MinViews > len(cfg.Views) {
		return fmt.Errorf("min_views %d exceeds the %d configured views", cfg.MinViews, len(cfg.Views))
	}
	if cfg.LowQualityFloor >= cfg.SuccessThreshold {
		return fmt.Errorf("low_quality_floor %d must be below success_threshold %d", cfg.LowQualityFloor, cfg.SuccessThreshold)
	}
	if cfg.Cache.ResetEvery > 0 && !cfg.Cache.Enabled {
		return fmt.Errorf("cache.reset_every requires cache.enabled")
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	out.Views = append([]string(nil), c.Views...)
	out.Scene.Roster = append([]string(nil), c.Scene.Roster...)
	if c.Provider.Temperature != nil {
		t := *c.Provider.Temperature
		out.Provider.Temperature = &t
	}
	return out
}
