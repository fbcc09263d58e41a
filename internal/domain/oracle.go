package domain

import "fmt"

// PositioningMode controls how oracle coordinates are interpreted.
type PositioningMode string

const (
	// ModeAbsolute treats oracle values as target coordinates.
	ModeAbsolute PositioningMode = "absolute"
	// ModeRelative treats oracle values as deltas added to the current transform.
	ModeRelative PositioningMode = "relative"
)

// Valid reports whether m is a known positioning mode.
func (m PositioningMode) Valid() bool {
	return m == ModeAbsolute || m == ModeRelative
}

// AdjustmentKind is the kind of change an adjustment requests.
type AdjustmentKind string

const (
	KindMove   AdjustmentKind = "move"
	KindRotate AdjustmentKind = "rotate"
)

// EntityAdjustment is a single oracle-proposed change to one entity.
type EntityAdjustment struct {
	Entity   string         `json:"entity"`
	Kind     AdjustmentKind `json:"kind"`
	Position *Vector        `json:"position,omitempty"`
	Rotation *Rotator       `json:"rotation,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Apply returns the transform that results from applying the adjustment to
// current under the given mode. Absent components are left unchanged.
func (a EntityAdjustment) Apply(current Transform, mode PositioningMode) Transform {
	next := current
	if a.Position != nil {
		if mode == ModeAbsolute {
			next.Position = *a.Position
		} else {
			next.Position = current.Position.Add(*a.Position)
		}
	}
	if a.Rotation != nil {
		if mode == ModeAbsolute {
			next.Rotation = *a.Rotation
		} else {
			next.Rotation = current.Rotation.Add(*a.Rotation)
		}
	}
	return next
}

// IsNoop reports whether the adjustment carries no position or rotation.
func (a EntityAdjustment) IsNoop() bool { return a.Position == nil && a.Rotation == nil }

// String renders a compact description used in prompts and logs.
func (a EntityAdjustment) String() string {
	s := fmt.Sprintf("%s %s", a.Kind, a.Entity)
	if a.Position != nil {
		s += fmt.Sprintf(" pos=(%.1f, %.1f, %.1f)", a.Position.X, a.Position.Y, a.Position.Z)
	}
	if a.Rotation != nil {
		s += fmt.Sprintf(" rot=(%.1f, %.1f, %.1f)", a.Rotation.Pitch, a.Rotation.Yaw, a.Rotation.Roll)
	}
	return s
}

// CameraAdjustment is an adjustment for the hero camera.
type CameraAdjustment struct {
	EntityAdjustment
	NeedsAdjustment bool `json:"needs_adjustment"`
}

// ViewImage is one rendered view submitted to the oracle.
type ViewImage struct {
	ID    ViewID `json:"id"`
	Image Image  `json:"-"`
	Depth *Image `json:"-"`

	// HighDetail is set on the hero view.
	HighDetail bool `json:"high_detail"`
}

// OracleRequest is a complete, provider-neutral scoring request.
type OracleRequest struct {
	Reference       Image
	ReferenceDepth  *Image
	Views           []ViewImage
	Prompt          string
	System          string
	Temperature     *float64
	Mode            PositioningMode
	MaxImages       int
	MaxOutputTokens int
	// ResponseSchema is the JSON schema of the expected reply; providers
	// with strict structured output sanitize and enforce it.
	ResponseSchema map[string]any
}

// ImageCount returns the number of images the request carries.
func (r OracleRequest) ImageCount() int {
	n := 1
	if r.ReferenceDepth != nil {
		n++
	}
	for _, v := range r.Views {
		n++
		if v.Depth != nil {
			n++
		}
	}
	return n
}

// Images returns every image in submission order: reference, reference
// depth, then each view followed by its depth layer.
func (r OracleRequest) Images() []Image {
	out := make([]Image, 0, r.ImageCount())
	out = append(out, r.Reference)
	if r.ReferenceDepth != nil {
		out = append(out, *r.ReferenceDepth)
	}
	for _, v := range r.Views {
		out = append(out, v.Image)
		if v.Depth != nil {
			out = append(out, *v.Depth)
		}
	}
	return out
}

// Usage records token accounting and cost for a single oracle call.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	ReasoningTokens  int     `json:"reasoning_tokens,omitempty"`
	Images           int     `json:"images"`
	CostUSD          float64 `json:"cost_usd"`
}

// OracleResponse is the parsed, normalized oracle reply.
type OracleResponse struct {
	MatchScore  int                `json:"match_score"`
	Analysis    string             `json:"analysis"`
	Adjustments []EntityAdjustment `json:"adjustments"`
	Camera      *CameraAdjustment  `json:"camera,omitempty"`
	Confidence  float64            `json:"confidence,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	Usage       Usage              `json:"usage"`
	Provider    string             `json:"provider"`
	Model       string             `json:"model"`
	RawText     string             `json:"raw_text"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}
