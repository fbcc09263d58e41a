package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
)

// OracleResult is the normalized outcome of one oracle call.
// It is populated on failure as well: Success is false, Usage.CostUSD is
// zero and Elapsed is set.
type OracleResult struct {
	Success  bool           `json:"success"`
	Text     string         `json:"text"`
	Usage    domain.Usage   `json:"usage"`
	Elapsed  time.Duration  `json:"elapsed"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Cached   bool           `json:"cached,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Oracle executes a scoring request against a vision-capable model.
// Implementations must return a *OracleError on failure and never panic.
type Oracle interface {
	// Analyze submits the request and returns the raw reply text with
	// usage and cost accounting.
	Analyze(ctx context.Context, req domain.OracleRequest) (OracleResult, error)

	// Name returns the provider family name.
	Name() string

	// Model returns the model identifier in use.
	Model() string
}
