package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
)

// CacheStore defines the interface for caching oracle results.
// Values are opaque bytes; callers own the encoding.
type CacheStore interface {
	// Get retrieves a cached value by key.
	// Returns the value and true if found, or nil and false if not found
	// or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with an expiration time.
	// A zero duration means the item doesn't expire.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value from the cache.
	// Returns nil if the key doesn't exist.
	Delete(ctx context.Context, key string) error

	// Clear removes all values from the cache. The controller calls it
	// periodically to bound the cache footprint across long batches.
	Clear(ctx context.Context) error
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus or OpenTelemetry.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram, such as match scores
	// or per-call cost.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// IterationArtifact is everything persisted for post-hoc inspection of one
// iteration. It is never read back by the optimizer.
type IterationArtifact struct {
	Index       int
	Captures    domain.CaptureSet
	Selection   domain.ViewSelection
	Prompt      string
	RawText     string
	Score       int
	Decision    domain.CheckpointStatus
	Mode        domain.PositioningMode
	Adjustments []domain.EntityAdjustment
	Camera      *domain.CameraAdjustment
	CostUSD     float64
	Failure     string
}

// Diagnostic is the snapshot written when a run fails fatally, so the
// failure can be reproduced without repeating paid oracle calls.
type Diagnostic struct {
	RunID     string                `json:"run_id"`
	Iteration int                   `json:"iteration"`
	State     string                `json:"state"`
	Error     string                `json:"error"`
	Prompt    string                `json:"prompt,omitempty"`
	RawText   string                `json:"raw_text,omitempty"`
	Selection *domain.ViewSelection `json:"selection,omitempty"`
	Expected  *domain.Transform     `json:"expected,omitempty"`
	Actual    *domain.Transform     `json:"actual,omitempty"`
	Entity    string                `json:"entity,omitempty"`
	Bindings  []string              `json:"bindings"`
	Scene     domain.SceneState     `json:"scene,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// ArtifactSink persists the per-run debug artifact tree.
type ArtifactSink interface {
	WriteReference(ctx context.Context, runID string, reference domain.Image, depth *domain.Image) error
	WriteIteration(ctx context.Context, runID string, it IterationArtifact) error
	WriteDiagnostic(ctx context.Context, runID string, d Diagnostic) error
}

// RunRecord describes a run when it starts.
type RunRecord struct {
	ID        string
	Provider  string
	Model     string
	Mode      domain.PositioningMode
	StartedAt time.Time
}

// RunSummary describes a run when it ends.
type RunSummary struct {
	Terminal   domain.TerminalState
	Reason     string
	Checkpoint domain.Checkpoint
	FinishedAt time.Time
}

// RunStore keeps a durable ledger of runs and their iterations.
type RunStore interface {
	BeginRun(ctx context.Context, run RunRecord) error
	RecordIteration(ctx context.Context, runID string, it domain.Iteration) error
	FinishRun(ctx context.Context, runID string, summary RunSummary) error
}

// RunObserver receives run lifecycle events for tracing and metrics. The
// context returned by RunStarted and IterationStarted scopes the later
// calls for the same run or iteration.
type RunObserver interface {
	RunStarted(ctx context.Context, run RunRecord) context.Context
	IterationStarted(ctx context.Context, index int) context.Context
	IterationFinished(ctx context.Context, it domain.Iteration)
	RunFinished(ctx context.Context, summary RunSummary, err error)
}
