package domain

import (
	"net/http"
	"slices"
)

// ViewID names a rendered viewpoint such as a camera angle.
type ViewID string

// Well-known view identifiers produced by the renderer.
const (
	ViewHero         ViewID = "hero"
	ViewFront        ViewID = "front"
	ViewBack         ViewID = "back"
	ViewLeft         ViewID = "left"
	ViewRight        ViewID = "right"
	ViewTop          ViewID = "top"
	ViewThreeQuarter ViewID = "three_quarter"
)

// AllViews lists the well-known views in canonical order.
var AllViews = []ViewID{
	ViewHero, ViewFront, ViewBack, ViewLeft, ViewRight, ViewTop, ViewThreeQuarter,
}

// Supported image media types.
const (
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
	MediaTypeWebP = "image/webp"
)

// Image is an encoded image payload.
type Image struct {
	Data      []byte `json:"data"`
	MediaType string `json:"media_type"`
}

// DetectedMediaType returns the declared media type, or sniffs it from the
// payload when none was declared.
func (i Image) DetectedMediaType() string {
	if i.MediaType != "" {
		return i.MediaType
	}
	return http.DetectContentType(i.Data)
}

// IsSupported reports whether the image is non-empty and uses a supported encoding.
func (i Image) IsSupported() bool {
	if len(i.Data) == 0 {
		return false
	}
	switch i.DetectedMediaType() {
	case MediaTypePNG, MediaTypeJPEG, MediaTypeWebP:
		return true
	default:
		return false
	}
}

// Extension returns a file extension for the image's media type.
func (i Image) Extension() string {
	switch i.DetectedMediaType() {
	case MediaTypeJPEG:
		return ".jpg"
	case MediaTypeWebP:
		return ".webp"
	default:
		return ".png"
	}
}

// CaptureSet is the renderer's output for one iteration: RGB views and
// optional depth visualizations keyed by view.
type CaptureSet struct {
	Views map[ViewID]Image `json:"views"`
	Depth map[ViewID]Image `json:"depth,omitempty"`
}

// Has reports whether an RGB capture exists for the view.
func (c CaptureSet) Has(id ViewID) bool {
	_, ok := c.Views[id]
	return ok
}

// HasDepth reports whether a depth capture exists for the view.
func (c CaptureSet) HasDepth(id ViewID) bool {
	_, ok := c.Depth[id]
	return ok
}

// ViewIDs returns the captured RGB view ids, canonical views first.
func (c CaptureSet) ViewIDs() []ViewID {
	ids := make([]ViewID, 0, len(c.Views))
	for _, id := range AllViews {
		if c.Has(id) {
			ids = append(ids, id)
		}
	}
	var extra []ViewID
	for id := range c.Views {
		if !slices.Contains(AllViews, id) {
			extra = append(extra, id)
		}
	}
	slices.Sort(extra)
	return append(ids, extra...)
}

// Strategy names a view selection strategy.
type Strategy string

// View selection strategies, from cheapest to most expensive.
const (
	StrategyMinimal       Strategy = "MINIMAL"
	StrategyFocused       Strategy = "FOCUSED"
	StrategyRefinement    Strategy = "REFINEMENT"
	StrategyExploration   Strategy = "EXPLORATION"
	StrategyComprehensive Strategy = "COMPREHENSIVE"
	// StrategyAll is used when view selection is disabled.
	StrategyAll Strategy = "ALL"
)

// ViewSelection is the subset of captures submitted to the oracle in one
// iteration. It is created fresh per iteration and never mutated.
type ViewSelection struct {
	RGBViews         []ViewID `json:"rgb_views"`
	DepthViews       []ViewID `json:"depth_views"`
	ReferenceDepth   bool     `json:"reference_depth"`
	Strategy         Strategy `json:"strategy"`
	Rationale        string   `json:"rationale"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
	EstimatedTokens  int      `json:"estimated_tokens"`
	ImageCount       int      `json:"image_count"`
}

// Flat per-image token estimates used for cost planning.
const (
	HighDetailImageTokens = 765
	LowDetailImageTokens  = 510
)

// HighDetail reports whether a view is submitted at high detail when it
// is the default hero. The hero view carries the composition being judged;
// other angles only corroborate.
func (id ViewID) HighDetail() bool { return id == ViewHero }
