// Package views decides which captured views are submitted to the oracle
// each iteration. Early and struggling iterations get many angles; a
// converging scene gets few, which keeps token spend proportional to how
// much the oracle still needs to see.
package views

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/ahrav/go-blocking/internal/domain"
)

// Score thresholds that drive strategy and depth decisions.
const (
	MinimalScore        = 85
	StrugglingScore     = 55
	PolishingScore      = 75
	DepthStruggleScore  = 60
	DepthMidRangeScore  = 80
	OscillationVariance = 100.0
	PlateauDelta        = 5.0
	ScoreWindow         = 3
	ComplexEntityCount  = 7
	CrowdedEntityCount  = 5
	SparseEntityCount   = 2
	perMillion          = 1_000_000.0
	maxAdjustedRGBViews = 7
)

type viewSet struct {
	rgb            []domain.ViewID
	depth          []domain.ViewID
	referenceDepth bool
}

// viewSets returns a fresh copy of the strategy's base view set. The
// ViewHero entries stand for whichever view is configured as the hero.
func viewSets(s domain.Strategy) viewSet {
	switch s {
	case domain.StrategyMinimal:
		return viewSet{rgb: []domain.ViewID{domain.ViewHero}}
	case domain.StrategyFocused:
		return viewSet{
			rgb:   []domain.ViewID{domain.ViewHero, domain.ViewTop},
			depth: []domain.ViewID{domain.ViewHero},
		}
	case domain.StrategyRefinement:
		return viewSet{
			rgb:            []domain.ViewID{domain.ViewHero, domain.ViewFront, domain.ViewTop},
			depth:          []domain.ViewID{domain.ViewHero, domain.ViewTop},
			referenceDepth: true,
		}
	case domain.StrategyExploration:
		return viewSet{
			rgb:            []domain.ViewID{domain.ViewHero, domain.ViewFront, domain.ViewRight, domain.ViewTop},
			depth:          []domain.ViewID{domain.ViewHero, domain.ViewFront, domain.ViewTop},
			referenceDepth: true,
		}
	default:
		return viewSet{
			rgb: []domain.ViewID{
				domain.ViewHero, domain.ViewFront, domain.ViewBack, domain.ViewLeft,
				domain.ViewRight, domain.ViewTop, domain.ViewThreeQuarter,
			},
			depth:          []domain.ViewID{domain.ViewHero, domain.ViewFront, domain.ViewRight, domain.ViewTop},
			referenceDepth: true,
		}
	}
}

// withHero puts hero in the hero slots of set. A hero that is also one of
// the fixed angles appears once, in the first position it takes.
func withHero(set viewSet, hero domain.ViewID) viewSet {
	if hero == domain.ViewHero {
		return set
	}
	swap := func(ids []domain.ViewID) []domain.ViewID {
		out := make([]domain.ViewID, 0, len(ids))
		for _, id := range ids {
			if id == domain.ViewHero {
				id = hero
			}
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
		return out
	}
	set.rgb, set.depth = swap(set.rgb), swap(set.depth)
	return set
}

// Input is everything the policy looks at. It carries the score history
// explicitly so that Select stays a pure function.
type Input struct {
	// Iteration is 1-based.
	Iteration int
	// PreviousScore is the last iteration's score, nil on the first.
	PreviousScore *int
	// ScoreHistory holds scores of completed iterations, oldest first.
	ScoreHistory []int
	EntityCount  int
	ShotType     domain.ShotType
	Complexity   domain.Complexity
	// Available is what the renderer captured this iteration.
	Available domain.CaptureSet
	// HasReferenceDepth reports whether a reference depth map exists.
	HasReferenceDepth bool
	// Hero is the mandatory view. Empty means domain.ViewHero.
	Hero domain.ViewID
	// MaxImages caps the images in one request, the reference included.
	// Zero means no cap.
	MaxImages int
}

func (in Input) hero() domain.ViewID {
	if in.Hero == "" {
		return domain.ViewHero
	}
	return in.Hero
}

// Policy selects views. The zero value is a disabled policy that submits
// every available view.
type Policy struct {
	// Enabled turns on adaptive selection.
	Enabled bool
	// InputPricePerMillion prices the estimate, in USD per million tokens.
	InputPricePerMillion float64
}

// NewPolicy returns an enabled policy priced at the given input rate.
func NewPolicy(inputPricePerMillion float64) Policy {
	return Policy{Enabled: true, InputPricePerMillion: inputPricePerMillion}
}

// Select returns the views to submit for one iteration.
func (p Policy) Select(in Input) domain.ViewSelection {
	if !p.Enabled {
		return p.selectAll(in)
	}

	hero := in.hero()
	strategy, rationale := determineStrategy(in)
	set := adjustForScene(withHero(viewSets(strategy), hero), in)

	if !slices.Contains(set.rgb, hero) {
		set.rgb = slices.Insert(set.rgb, 0, hero)
	}
	set.rgb = heroFirst(set.rgb, hero)

	set = filterAvailable(set, in)
	set = gateDepth(set, in)

	return p.finish(set, in, strategy, rationale)
}

// selectAll is used when adaptive selection is off.
func (p Policy) selectAll(in Input) domain.ViewSelection {
	set := viewSet{referenceDepth: in.HasReferenceDepth}
	for _, id := range in.Available.ViewIDs() {
		set.rgb = append(set.rgb, id)
		if in.Available.HasDepth(id) {
			set.depth = append(set.depth, id)
		}
	}
	set.rgb = heroFirst(set.rgb, in.hero())
	return p.finish(set, in, domain.StrategyAll, "view selection disabled, submitting every available view")
}

// finish fits set to the image budget and prices it.
func (p Policy) finish(set viewSet, in Input, strategy domain.Strategy, rationale string) domain.ViewSelection {
	if trimmed, ok := fitImages(set, in); ok {
		set = trimmed
		rationale += fmt.Sprintf("; trimmed to %d images for the provider limit", in.MaxImages)
	}
	images, tokens := estimate(set, in.hero())
	return domain.ViewSelection{
		RGBViews:         set.rgb,
		DepthViews:       set.depth,
		ReferenceDepth:   set.referenceDepth,
		Strategy:         strategy,
		Rationale:        rationale,
		EstimatedTokens:  tokens,
		EstimatedCostUSD: float64(tokens) / perMillion * p.InputPricePerMillion,
		ImageCount:       images,
	}
}

// determineStrategy applies the selection rules in order; the first match wins.
func determineStrategy(in Input) (domain.Strategy, string) {
	if in.Iteration <= 1 {
		return domain.StrategyExploration, "first iteration, exploring all major angles"
	}

	if in.PreviousScore != nil && *in.PreviousScore >= MinimalScore {
		return domain.StrategyMinimal, fmt.Sprintf("high score (%d), verifying convergence with minimal views", *in.PreviousScore)
	}

	if v, ok := RecentVariance(in.ScoreHistory); ok && v > OscillationVariance {
		return domain.StrategyComprehensive, fmt.Sprintf("scores oscillating (variance %.1f), switching to comprehensive views", v)
	}

	if in.PreviousScore != nil && *in.PreviousScore < StrugglingScore {
		return domain.StrategyComprehensive, fmt.Sprintf("low score (%d), using comprehensive views", *in.PreviousScore)
	}

	if in.Complexity == domain.ComplexityComplex || in.EntityCount >= ComplexEntityCount {
		return domain.StrategyComprehensive, fmt.Sprintf("complex scene (complexity=%s, entities=%d)", in.Complexity, in.EntityCount)
	}

	switch {
	case in.Iteration <= 3:
		return domain.StrategyExploration, fmt.Sprintf("early iteration (%d), exploration phase", in.Iteration)
	case in.Iteration <= 7:
		return domain.StrategyRefinement, fmt.Sprintf("mid iteration (%d), refinement phase", in.Iteration)
	case in.PreviousScore != nil && *in.PreviousScore >= PolishingScore:
		return domain.StrategyFocused, fmt.Sprintf("late iteration (%d) with good score, polishing", in.Iteration)
	default:
		return domain.StrategyRefinement, fmt.Sprintf("late iteration (%d), score still needs work", in.Iteration)
	}
}

// adjustForScene tunes a base view set for the scene's shape.
func adjustForScene(set viewSet, in Input) viewSet {
	hero := in.hero()
	if in.Complexity == domain.ComplexitySimple || (in.EntityCount <= SparseEntityCount && in.ShotType == domain.ShotWide) {
		set.rgb = slices.DeleteFunc(set.rgb, func(id domain.ViewID) bool {
			return id != hero && (id == domain.ViewBack || id == domain.ViewLeft || id == domain.ViewThreeQuarter)
		})
	}

	if in.Complexity == domain.ComplexityComplex || in.EntityCount >= CrowdedEntityCount {
		if !slices.Contains(set.rgb, domain.ViewBack) && len(set.rgb) < maxAdjustedRGBViews {
			set.rgb = append(set.rgb, domain.ViewBack)
		}
	}

	switch in.ShotType {
	case domain.ShotCloseUp:
		isTop := func(id domain.ViewID) bool { return id == domain.ViewTop && id != hero }
		set.rgb = slices.DeleteFunc(set.rgb, isTop)
		set.depth = slices.DeleteFunc(set.depth, isTop)
	case domain.ShotOverShoulder:
		if !slices.Contains(set.depth, hero) {
			set.depth = append(set.depth, hero)
		}
		set.referenceDepth = true
	}
	return set
}

// filterAvailable drops views the renderer did not capture. The hero is
// kept regardless; a missing hero is the controller's integrity failure.
func filterAvailable(set viewSet, in Input) viewSet {
	if len(in.Available.Views) == 0 {
		return set
	}
	set.rgb = slices.DeleteFunc(set.rgb, func(id domain.ViewID) bool {
		return id != in.hero() && !in.Available.Has(id)
	})
	set.depth = slices.DeleteFunc(set.depth, func(id domain.ViewID) bool {
		return !in.Available.HasDepth(id)
	})
	set.referenceDepth = set.referenceDepth && in.HasReferenceDepth
	return set
}

// gateDepth decides which depth layers survive, by iteration and score.
func gateDepth(set viewSet, in Input) viewSet {
	hero := in.hero()
	keepReference, keepHero, keepOthers := depthDecision(in)
	if !keepReference {
		set.referenceDepth = false
	}
	set.depth = slices.DeleteFunc(set.depth, func(id domain.ViewID) bool {
		if id == hero {
			return !keepHero
		}
		return !keepOthers
	})
	return set
}

func depthDecision(in Input) (reference, hero, others bool) {
	if in.Iteration <= 2 {
		return true, true, true
	}

	if in.EntityCount >= CrowdedEntityCount || in.ShotType == domain.ShotOverShoulder {
		if in.Iteration <= 5 {
			return false, true, true
		}
		return false, false, false
	}

	if in.PreviousScore == nil {
		return false, false, false
	}
	score := *in.PreviousScore
	switch {
	case score < DepthStruggleScore:
		return false, true, true
	case score < DepthMidRangeScore:
		if in.Iteration <= 5 {
			return false, true, true
		}
		return false, in.Iteration <= 10, false
	default:
		return false, false, false
	}
}

// heroFirst moves the hero to the front, preserving the rest of the order.
func heroFirst(ids []domain.ViewID, hero domain.ViewID) []domain.ViewID {
	i := slices.Index(ids, hero)
	if i <= 0 {
		return ids
	}
	out := make([]domain.ViewID, 0, len(ids))
	out = append(out, hero)
	out = append(out, ids[:i]...)
	return append(out, ids[i+1:]...)
}

func imageCount(set viewSet) int {
	n := 1 + len(set.rgb) + len(set.depth)
	if set.referenceDepth {
		n++
	}
	return n
}

// fitImages trims set to in.MaxImages. Depth layers go first, the
// reference depth before the view layers and the hero layer last; then
// non-hero views from the back. The reference and the hero view are never
// dropped. It reports false when set already fits.
func fitImages(set viewSet, in Input) (viewSet, bool) {
	if in.MaxImages <= 0 || imageCount(set) <= in.MaxImages {
		return set, false
	}
	hero := in.hero()
	set.rgb, set.depth = slices.Clone(set.rgb), slices.Clone(set.depth)
	over := func() bool { return imageCount(set) > in.MaxImages }

	set.referenceDepth = false
	for over() && len(set.depth) > 0 {
		i := len(set.depth) - 1
		if set.depth[i] == hero && i > 0 {
			i--
		}
		set.depth = slices.Delete(set.depth, i, i+1)
	}
	for i := len(set.rgb) - 1; over() && i >= 0; i-- {
		if set.rgb[i] != hero {
			set.rgb = slices.Delete(set.rgb, i, i+1)
		}
	}
	return set, true
}

// estimate counts images and tokens. The reference, its depth map and the
// hero view are high detail; everything else is low detail.
func estimate(set viewSet, hero domain.ViewID) (images, tokens int) {
	high := 1
	if set.referenceDepth {
		high++
	}
	low := 0
	for _, id := range set.rgb {
		if id == hero {
			high++
		} else {
			low++
		}
	}
	low += len(set.depth)
	return high + low, high*domain.HighDetailImageTokens + low*domain.LowDetailImageTokens
}

// RecentVariance returns the sample variance of the last three scores.
func RecentVariance(history []int) (float64, bool) {
	if len(history) < ScoreWindow {
		return 0, false
	}
	return stat.Variance(window(history), nil), true
}

func window(history []int) []float64 {
	recent := history[len(history)-ScoreWindow:]
	out := make([]float64, len(recent))
	for i, s := range recent {
		out[i] = float64(s)
	}
	return out
}

// IsOscillating reports whether the last three scores vary by more than
// the oscillation variance.
func IsOscillating(history []int) bool {
	v, ok := RecentVariance(history)
	return ok && v > OscillationVariance
}

// IsPlateau reports whether the last three scores lie within PlateauDelta.
func IsPlateau(history []int) bool {
	if len(history) < ScoreWindow {
		return false
	}
	w := window(history)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range w {
		lo, hi = math.Min(lo, s), math.Max(hi, s)
	}
	return hi-lo < PlateauDelta
}

// IsConverged reports whether the latest score reaches MinimalScore.
func IsConverged(history []int) bool {
	return len(history) > 0 && history[len(history)-1] >= MinimalScore
}

// Describe renders a selection for logs.
func Describe(s domain.ViewSelection) string {
	rgb := make([]string, len(s.RGBViews))
	for i, v := range s.RGBViews {
		rgb[i] = string(v)
	}
	depth := make([]string, len(s.DepthViews))
	for i, v := range s.DepthViews {
		depth[i] = string(v)
	}
	return fmt.Sprintf("%s rgb=[%s] depth=[%s] ref_depth=%t images=%d ~%d tokens",
		s.Strategy, strings.Join(rgb, ","), strings.Join(depth, ","), s.ReferenceDepth, s.ImageCount, s.EstimatedTokens)
}
