package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ahrav/go-blocking/infrastructure/oracle"
	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// Step is one scripted oracle reply.
type Step struct {
	Score       int
	Adjustments []domain.EntityAdjustment
	Camera      *domain.CameraAdjustment
	// Text replaces the generated JSON reply when set.
	Text string
	// Err fails the call.
	Err     error
	CostUSD float64
}

// ScoreStep is a reply with a score and no adjustments.
func ScoreStep(score int, cost float64) Step { return Step{Score: score, CostUSD: cost} }

// ScriptedOracle is an oracle.Provider that replays a fixed script. Once
// the script runs out the last step repeats.
type ScriptedOracle struct {
	// MaxImages is the advertised image limit. Requests above it are
	// recorded and then fail as BadRequest. Zero means 20.
	MaxImages int

	mu       sync.Mutex
	steps    []Step
	calls    int
	requests []domain.OracleRequest
}

var _ oracle.Provider = (*ScriptedOracle)(nil)

// NewScriptedOracle returns an oracle that replays steps in order.
func NewScriptedOracle(steps ...Step) *ScriptedOracle {
	return &ScriptedOracle{steps: steps}
}

// Analyze returns the next step's reply.
func (o *ScriptedOracle) Analyze(ctx context.Context, req domain.OracleRequest) (ports.OracleResult, error) {
	res := ports.OracleResult{Provider: o.Name(), Model: o.Model()}
	if err := ctx.Err(); err != nil {
		ec := &oracle.ErrorClassifier{Provider: res.Provider, Model: res.Model}
		return res, ec.ClassifyContextError(err)
	}

	o.mu.Lock()
	o.calls++
	o.requests = append(o.requests, req)
	var step Step
	if len(o.steps) > 0 {
		step = o.steps[min(o.calls, len(o.steps))-1]
	}
	o.mu.Unlock()

	if limit := o.Capabilities().MaxImages; req.ImageCount() > limit {
		ec := &oracle.ErrorClassifier{Provider: res.Provider, Model: res.Model}
		return res, ec.BadRequest(fmt.Sprintf("request carries %d images, provider accepts at most %d", req.ImageCount(), limit))
	}

	if step.Err != nil {
		return res, step.Err
	}
	text := step.Text
	if text == "" {
		text = step.reply()
	}
	res.Success = true
	res.Text = text
	res.Usage = domain.Usage{
		InputTokens:  req.ImageCount() * domain.HighDetailImageTokens,
		OutputTokens: len(text) / 4,
		Images:       req.ImageCount(),
		CostUSD:      step.CostUSD,
	}
	return res, nil
}

type scriptedAdjustment struct {
	Entity   string          `json:"entity"`
	Type     string          `json:"type"`
	Position *domain.Vector  `json:"position,omitempty"`
	Rotation *domain.Rotator `json:"rotation,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type scriptedCamera struct {
	NeedsAdjustment bool            `json:"needs_adjustment"`
	Position        *domain.Vector  `json:"position,omitempty"`
	Rotation        *domain.Rotator `json:"rotation,omitempty"`
}

type scriptedReply struct {
	MatchScore  int                  `json:"match_score"`
	Analysis    string               `json:"analysis"`
	Adjustments []scriptedAdjustment `json:"adjustments"`
	Camera      *scriptedCamera      `json:"camera,omitempty"`
}

func (s Step) reply() string {
	out := scriptedReply{
		MatchScore:  s.Score,
		Analysis:    "scripted reply",
		Adjustments: make([]scriptedAdjustment, 0, len(s.Adjustments)),
	}
	for _, a := range s.Adjustments {
		out.Adjustments = append(out.Adjustments, scriptedAdjustment{
			Entity:   a.Entity,
			Type:     string(a.Kind),
			Position: a.Position,
			Rotation: a.Rotation,
			Reason:   a.Reason,
		})
	}
	if s.Camera != nil {
		out.Camera = &scriptedCamera{
			NeedsAdjustment: s.Camera.NeedsAdjustment,
			Position:        s.Camera.Position,
			Rotation:        s.Camera.Rotation,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Calls returns the number of Analyze calls.
func (o *ScriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// Requests returns every request received, in order.
func (o *ScriptedOracle) Requests() []domain.OracleRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.requests)
}

// Name returns "scripted".
func (o *ScriptedOracle) Name() string { return "scripted" }

// Model returns "scripted-v1".
func (o *ScriptedOracle) Model() string { return "scripted-v1" }

// Capabilities reports MaxImages, or a generous limit when it is unset.
func (o *ScriptedOracle) Capabilities() oracle.Capabilities {
	limit := o.MaxImages
	if limit <= 0 {
		limit = 20
	}
	return oracle.Capabilities{MaxImages: limit, HonorsTemperature: true}
}

// IsAvailable always succeeds.
func (o *ScriptedOracle) IsAvailable(context.Context) error { return nil }
