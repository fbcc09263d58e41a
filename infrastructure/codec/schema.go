package codec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// WireVector is a position or offset in the reply.
// A nil component keeps the current value in absolute mode and is zero in
// relative mode.
type WireVector struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// WireRotator is a rotation or rotation delta in the reply, in degrees.
type WireRotator struct {
	Pitch *float64 `json:"pitch"`
	Yaw   *float64 `json:"yaw"`
	Roll  *float64 `json:"roll"`
}

// WireAdjustment is one entity adjustment as the oracle sends it.
type WireAdjustment struct {
	Entity   string       `json:"entity" description:"Entity name exactly as listed in the scene" validate:"required"`
	Type     string       `json:"type" enum:"move,rotate" validate:"required,oneof=move rotate"`
	Position *WireVector  `json:"position,omitempty" description:"Target position (absolute mode) or offset (relative mode)"`
	Rotation *WireRotator `json:"rotation,omitempty" description:"Target rotation (absolute mode) or delta (relative mode)"`
	Reason   string       `json:"reason,omitempty"`
}

// WireCamera is the hero camera adjustment as the oracle sends it.
type WireCamera struct {
	NeedsAdjustment bool         `json:"needs_adjustment"`
	Position        *WireVector  `json:"position,omitempty"`
	Rotation        *WireRotator `json:"rotation,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

// WireResponse is the reply shape requested from the oracle.
type WireResponse struct {
	MatchScore  *int             `json:"match_score" description:"How closely the render matches the reference, 0-100" validate:"required,min=0,max=100"`
	Analysis    string           `json:"analysis" description:"Main differences between render and reference"`
	Adjustments []WireAdjustment `json:"adjustments" validate:"dive"`
	Camera      *WireCamera      `json:"camera,omitempty"`
	Confidence  float64          `json:"confidence,omitempty" validate:"min=0,max=1"`
	Suggestions []string         `json:"suggestions,omitempty"`
}

var (
	schemaOnce sync.Once
	schemaMap  map[string]any
	schemaErr  error
)

// ResponseSchema returns the JSON schema of WireResponse as a generic map,
// ready to attach to an oracle request. Callers get their own copy.
func ResponseSchema() (map[string]any, error) {
	schemaOnce.Do(func() {
		def, err := jsonschema.GenerateSchemaForType(WireResponse{})
		if err != nil {
			schemaErr = fmt.Errorf("failed to generate response schema: %w", err)
			return
		}
		raw, err := json.Marshal(def)
		if err != nil {
			schemaErr = fmt.Errorf("failed to encode response schema: %w", err)
			return
		}
		schemaErr = json.Unmarshal(raw, &schemaMap)
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return cloneMap(schemaMap), nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
