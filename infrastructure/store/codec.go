// Package store persists the run ledger: one row per run, one row per
// iteration, and the final checkpoint in a versioned JSON encoding.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ahrav/go-blocking/internal/domain"
)

// CurrentCodecVersion is written into every encoded checkpoint.
const CurrentCodecVersion = 1

var (
	// ErrVersionMismatch is returned when decoding a record written by a
	// different codec version.
	ErrVersionMismatch = errors.New("record version mismatch")

	// ErrNonFinite is returned when a value to be encoded is NaN or infinite.
	ErrNonFinite = errors.New("non-finite value")
)

type checkpointRecord struct {
	CodecVersion int               `json:"codec_version"`
	Checkpoint   domain.Checkpoint `json:"checkpoint"`
}

// EncodeCheckpoint encodes a checkpoint. Floats are written in their
// shortest round-tripping form, so decoding yields bit-identical values.
func EncodeCheckpoint(c domain.Checkpoint) ([]byte, error) {
	if err := checkCheckpoint(c); err != nil {
		return nil, err
	}
	return json.Marshal(checkpointRecord{CodecVersion: CurrentCodecVersion, Checkpoint: c})
}

// DecodeCheckpoint decodes a checkpoint written by EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (domain.Checkpoint, error) {
	var rec checkpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if rec.CodecVersion != CurrentCodecVersion {
		return domain.Checkpoint{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, rec.CodecVersion, CurrentCodecVersion)
	}
	return rec.Checkpoint, nil
}

// EncodeIteration encodes one iteration record.
func EncodeIteration(it domain.Iteration) ([]byte, error) {
	if err := checkIteration(it); err != nil {
		return nil, err
	}
	return json.Marshal(it)
}

// DecodeIteration decodes an iteration written by EncodeIteration.
func DecodeIteration(data []byte) (domain.Iteration, error) {
	var it domain.Iteration
	if err := json.Unmarshal(data, &it); err != nil {
		return domain.Iteration{}, fmt.Errorf("decode iteration: %w", err)
	}
	return it, nil
}

func checkCheckpoint(c domain.Checkpoint) error {
	for _, name := range c.BestState.Entities() {
		if !c.BestState[name].IsFinite() {
			return fmt.Errorf("%w: best state entity %q", ErrNonFinite, name)
		}
	}
	for _, it := range c.History {
		if err := checkIteration(it); err != nil {
			return err
		}
	}
	return nil
}

func checkIteration(it domain.Iteration) error {
	fields := map[string]float64{
		"cost_usd":                     it.CostUSD,
		"selection.estimated_cost_usd": it.Selection.EstimatedCostUSD,
	}
	if r := it.Response; r != nil {
		fields["response.confidence"] = r.Confidence
		fields["response.usage.cost_usd"] = r.Usage.CostUSD
	}
	for field, v := range fields {
		if !finite(v) {
			return fmt.Errorf("%w: iteration %d %s", ErrNonFinite, it.Index, field)
		}
	}
	if it.Response == nil {
		return nil
	}
	for _, adj := range it.Response.Adjustments {
		if !adjustmentFinite(adj) {
			return fmt.Errorf("%w: iteration %d adjustment for %q", ErrNonFinite, it.Index, adj.Entity)
		}
	}
	if cam := it.Response.Camera; cam != nil && !adjustmentFinite(cam.EntityAdjustment) {
		return fmt.Errorf("%w: iteration %d camera adjustment", ErrNonFinite, it.Index)
	}
	return nil
}

func adjustmentFinite(a domain.EntityAdjustment) bool {
	var t domain.Transform
	if a.Position != nil {
		t.Position = *a.Position
	}
	if a.Rotation != nil {
		t.Rotation = *a.Rotation
	}
	return t.IsFinite()
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
