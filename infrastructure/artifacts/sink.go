// Package artifacts writes the per-run debug tree: the reference image,
// every iteration's captures with annotated copies, iteration metadata and a
// diagnostic snapshot when a run fails.
//
// Layout:
//
//	<root>/<run-id>/reference.<ext>
//	<root>/<run-id>/reference_depth.<ext>
//	<root>/<run-id>/iteration_NNN/views/<view>.<ext>
//	<root>/<run-id>/iteration_NNN/depth/<view>.<ext>
//	<root>/<run-id>/iteration_NNN/annotated/<view>.png
//	<root>/<run-id>/iteration_NNN/prompt.txt
//	<root>/<run-id>/iteration_NNN/response.txt
//	<root>/<run-id>/iteration_NNN/metadata.json
//	<root>/<run-id>/diagnostic.json
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// FileSink implements ports.ArtifactSink on the local filesystem.
// Safe for concurrent use across runs.
type FileSink struct {
	root     string
	annotate bool
	logger   *slog.Logger

	filesWritten atomic.Uint64
	annotateFail atomic.Uint64
}

var _ ports.ArtifactSink = (*FileSink)(nil)

// Config configures a FileSink.
type Config struct {
	Root string
	// Annotate enables rule-of-thirds overlays for every RGB view.
	Annotate bool
	Logger   *slog.Logger
}

// NewFileSink creates the root directory and returns a sink.
func NewFileSink(cfg Config) (*FileSink, error) {
	if cfg.Root == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{root: cfg.Root, annotate: cfg.Annotate, logger: logger}, nil
}

// RunDir returns the directory holding a run's artifacts.
func (s *FileSink) RunDir(runID string) string { return filepath.Join(s.root, runID) }

// IterationDir returns the directory holding one iteration's artifacts.
func (s *FileSink) IterationDir(runID string, index int) string {
	return filepath.Join(s.RunDir(runID), fmt.Sprintf("iteration_%03d", index))
}

// Stats returns the number of files written and annotations that failed.
func (s *FileSink) Stats() (written, annotateFailed uint64) {
	return s.filesWritten.Load(), s.annotateFail.Load()
}

// WriteReference stores the reference image and its optional depth layer.
func (s *FileSink) WriteReference(ctx context.Context, runID string, reference domain.Image, depth *domain.Image) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.RunDir(runID)
	if err := s.writeFile(filepath.Join(dir, "reference"+reference.Extension()), reference.Data); err != nil {
		return err
	}
	if depth != nil {
		return s.writeFile(filepath.Join(dir, "reference_depth"+depth.Extension()), depth.Data)
	}
	return nil
}

type iterationMetadata struct {
	Index       int                       `json:"index"`
	Score       int                       `json:"score"`
	Decision    domain.CheckpointStatus   `json:"decision"`
	Mode        domain.PositioningMode    `json:"mode"`
	Selection   domain.ViewSelection      `json:"selection"`
	Views       []domain.ViewID           `json:"views"`
	DepthViews  []domain.ViewID           `json:"depth_views,omitempty"`
	Adjustments []domain.EntityAdjustment `json:"adjustments"`
	Camera      *domain.CameraAdjustment  `json:"camera,omitempty"`
	CostUSD     float64                   `json:"cost_usd"`
	Failure     string                    `json:"failure,omitempty"`
}

// WriteIteration stores the captures, annotated copies, prompt, raw reply
// and metadata for one iteration. Annotation failures are logged, not
// returned.
func (s *FileSink) WriteIteration(ctx context.Context, runID string, it ports.IterationArtifact) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	dir := s.IterationDir(runID, it.Index)

	views := sortedViews(it.Captures.Views)
	for _, id := range views {
		if err := ctx.Err(); err != nil {
			return err
		}
		img := it.Captures.Views[id]
		if err := s.writeFile(filepath.Join(dir, "views", string(id)+img.Extension()), img.Data); err != nil {
			return err
		}
		if s.annotate {
			s.writeAnnotated(filepath.Join(dir, "annotated", string(id)+".png"), img, it.Score, it.Decision)
		}
	}

	depthViews := sortedViews(it.Captures.Depth)
	for _, id := range depthViews {
		img := it.Captures.Depth[id]
		if err := s.writeFile(filepath.Join(dir, "depth", string(id)+img.Extension()), img.Data); err != nil {
			return err
		}
	}

	if it.Prompt != "" {
		if err := s.writeFile(filepath.Join(dir, "prompt.txt"), []byte(it.Prompt)); err != nil {
			return err
		}
	}
	if it.RawText != "" {
		if err := s.writeFile(filepath.Join(dir, "response.txt"), []byte(it.RawText)); err != nil {
			return err
		}
	}

	meta := iterationMetadata{
		Index:       it.Index,
		Score:       it.Score,
		Decision:    it.Decision,
		Mode:        it.Mode,
		Selection:   it.Selection,
		Views:       views,
		DepthViews:  depthViews,
		Adjustments: it.Adjustments,
		Camera:      it.Camera,
		CostUSD:     it.CostUSD,
		Failure:     it.Failure,
	}
	return s.writeJSON(filepath.Join(dir, "metadata.json"), meta)
}

// WriteDiagnostic stores the failure snapshot for a run.
func (s *FileSink) WriteDiagnostic(ctx context.Context, runID string, d ports.Diagnostic) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Bindings == nil {
		d.Bindings = []string{}
	}
	return s.writeJSON(filepath.Join(s.RunDir(runID), "diagnostic.json"), d)
}

func (s *FileSink) writeAnnotated(path string, img domain.Image, score int, decision domain.CheckpointStatus) {
	data, err := Annotate(img, score, decision)
	if err != nil {
		s.annotateFail.Add(1)
		s.logger.Debug("skipping annotation", "path", path, "error", err)
		return
	}
	if err := s.writeFile(path, data); err != nil {
		s.annotateFail.Add(1)
		s.logger.Warn("failed to write annotated capture", "path", path, "error", err)
	}
}

func (s *FileSink) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return s.writeFile(path, data)
}

func (s *FileSink) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	s.filesWritten.Add(1)
	return nil
}

func checkRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

func sortedViews(m map[domain.ViewID]domain.Image) []domain.ViewID {
	ids := make([]domain.ViewID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
