package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-blocking/internal/domain"
)

func buildPrompt(t *testing.T, in PromptInput) string {
	t.Helper()
	b, err := NewPromptBuilder()
	require.NoError(t, err)
	p, err := b.Build(in)
	require.NoError(t, err)
	assert.Equal(t, SystemPrompt, p.System)
	return p.User
}

func TestPromptBuilder_SceneAndRoster(t *testing.T) {
	// Given a scene with two bound entities and an unbound roster entry
	in := PromptInput{
		Scene:     testScene(),
		Roster:    []string{"Sprout", "Bench"},
		Mode:      domain.ModeAbsolute,
		Shot:      domain.ShotCloseUp,
		Iteration: 1,
		Selection: domain.ViewSelection{RGBViews: []domain.ViewID{domain.ViewHero, domain.ViewTop}},
	}

	// When rendering
	out := buildPrompt(t, in)

	// Then every entity is listed in sorted order with its transform
	oat := strings.Index(out, "- Oat: position (x=10.0, y=20.0, z=90.0), rotation (pitch=5.0, yaw=45.0, roll=0.0)")
	sprout := strings.Index(out, "- Sprout: position (x=-10.0, y=-20.0, z=90.0)")
	bench := strings.Index(out, "- Bench: UNBOUND")
	require.NotEqual(t, -1, oat)
	require.NotEqual(t, -1, sprout)
	require.NotEqual(t, -1, bench)
	assert.Less(t, oat, sprout)
	assert.Less(t, sprout, bench)

	assert.Contains(t, out, "SHOT TYPE: Close Up")
	assert.Contains(t, out, "1. Character face should dominate frame")
	assert.Contains(t, out, "- hero: "+ViewFocus(domain.ViewHero))
	assert.Contains(t, out, "- top: "+ViewFocus(domain.ViewTop))
	assert.Contains(t, out, "X: forward")
	assert.Contains(t, out, "centimetres")
	assert.NotContains(t, out, "HISTORY:")
}

func TestPromptBuilder_ExactlyOneModeDirective(t *testing.T) {
	tests := []struct {
		mode    domain.PositioningMode
		want    string
		notWant string
	}{
		{mode: domain.ModeAbsolute, want: "POSITIONING MODE: ABSOLUTE", notWant: "POSITIONING MODE: RELATIVE"},
		{mode: domain.ModeRelative, want: "POSITIONING MODE: RELATIVE", notWant: "POSITIONING MODE: ABSOLUTE"},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			out := buildPrompt(t, PromptInput{Scene: testScene(), Mode: tt.mode, Shot: domain.ShotWide})

			assert.Equal(t, 1, strings.Count(out, tt.want))
			assert.NotContains(t, out, tt.notWant)
		})
	}
}

func TestPromptBuilder_Rubric(t *testing.T) {
	out := buildPrompt(t, PromptInput{Scene: testScene()})

	for _, band := range []string{"90-100", "75-89", "25 units", "55-74", "100 units", "30-54", "0-29"} {
		assert.Contains(t, out, band)
	}
}

func TestPromptBuilder_UnknownShotFallsBackToMedium(t *testing.T) {
	out := buildPrompt(t, PromptInput{Scene: testScene(), Shot: "dutch_angle"})

	assert.Contains(t, out, "SHOT TYPE: Medium")
	focus, _ := ShotGuidance(domain.ShotMedium)
	assert.Contains(t, out, focus)
}

func TestPromptBuilder_DepthViews(t *testing.T) {
	// Given a selection with reference depth and hero depth
	in := PromptInput{
		Scene: testScene(),
		Selection: domain.ViewSelection{
			RGBViews:       []domain.ViewID{domain.ViewHero, domain.ViewFront},
			DepthViews:     []domain.ViewID{domain.ViewHero},
			ReferenceDepth: true,
		},
	}

	// When rendering
	out := buildPrompt(t, in)

	// Then depth images are listed only where selected
	assert.Contains(t, out, "- reference depth:")
	assert.Contains(t, out, "- hero depth:")
	assert.NotContains(t, out, "- front depth:")
}

func TestPromptBuilder_History(t *testing.T) {
	// Given three prior iterations, one of which failed
	move := domain.EntityAdjustment{Entity: "Oat", Kind: domain.KindMove, Position: &domain.Vector{X: 1, Y: 2, Z: 3}}
	history := []domain.Iteration{
		{Index: 1, Response: &domain.OracleResponse{MatchScore: 40}, Score: 40, Decision: domain.StatusAccepted},
		{Index: 2, Score: 40, Decision: domain.StatusRevertedUnchanged},
		{
			Index:    3,
			Response: &domain.OracleResponse{MatchScore: 52, Adjustments: []domain.EntityAdjustment{move}},
			Score:    52,
			Decision: domain.StatusAccepted,
		},
	}

	// When rendering iteration 4
	out := buildPrompt(t, PromptInput{Scene: testScene(), Iteration: 4, History: history})

	// Then the trajectory, trend and last adjustments are included
	assert.Contains(t, out, "HISTORY:")
	assert.Contains(t, out, "Score trajectory: 40 -> failed -> 52")
	assert.Contains(t, out, "Trend: improving")
	assert.Contains(t, out, "Last decision: accepted")
	assert.Contains(t, out, "  - "+move.String())
	assert.Contains(t, out, "ITERATION 4: problem solving")
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name   string
		scores []int
		want   string
	}{
		{name: "empty", scores: nil, want: TrendFlat},
		{name: "single", scores: []int{50}, want: TrendFlat},
		{name: "up by threshold", scores: []int{50, 53}, want: TrendImproving},
		{name: "down by threshold", scores: []int{50, 47}, want: TrendDeclining},
		{name: "small change", scores: []int{50, 52}, want: TrendFlat},
		{name: "only last two count", scores: []int{10, 80, 79}, want: TrendFlat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Trend(tt.scores))
		})
	}
}

func TestResponseSchema(t *testing.T) {
	// When generating the reply schema
	schema, err := ResponseSchema()
	require.NoError(t, err)

	// Then it is an object that requires match_score
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "match_score")
	assert.Contains(t, props, "adjustments")
	assert.Contains(t, schema["required"], "match_score")
	assert.NotContains(t, schema["required"], "camera")

	// And callers cannot mutate the shared copy
	schema["type"] = "mutated"
	again, err := ResponseSchema()
	require.NoError(t, err)
	assert.Equal(t, "object", again["type"])
}
