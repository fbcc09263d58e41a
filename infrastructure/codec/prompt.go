// Package codec turns optimizer state into oracle prompts and oracle replies
// back into typed adjustments.
//
// Prompts are rendered with text/template. Replies are recovered from
// free-form model output: the first JSON object is extracted, lightly
// repaired, normalized across the key spellings models actually use,
// validated, and resolved against the live scene.
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/ahrav/go-blocking/internal/domain"
)

// TrendThreshold is the score change that separates improving or declining
// from flat.
const TrendThreshold = 3

// Score trend labels used in the history section.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendFlat      = "flat"
)

// SystemPrompt frames every request.
const SystemPrompt = `You are an expert cinematographer and layout artist. You compare a rendered 3D scene against a storyboard reference image and give precise, numeric corrections that move the scene toward the reference. You always reply with a single JSON object and nothing else.`

type shotRules struct {
	Focus    string
	Rules    []string
	Priority []string
}

var shotGuidance = map[domain.ShotType]shotRules{
	domain.ShotWide: {
		Focus: "overall composition, spacing, and scene layout",
		Rules: []string{
			"Characters should be clearly visible",
			"Consider rule of thirds for composition",
			"Maintain appropriate negative space",
			"Ensure all important elements are in frame",
		},
		Priority: []string{"spacing", "layout", "framing"},
	},
	domain.ShotMedium: {
		Focus: "character positioning and interaction",
		Rules: []string{
			"Characters should be well-framed",
			"Eye lines and blocking are crucial",
			"Allow room for character movement",
			"Consider character relationships",
		},
		Priority: []string{"character_position", "eye_lines", "interaction"},
	},
	domain.ShotCloseUp: {
		Focus: "precise character framing and face placement",
		Rules: []string{
			"Character face should dominate frame",
			"Eyes typically on upper third line",
			"Allow appropriate headroom",
			"Consider looking space",
		},
		Priority: []string{"face_position", "headroom", "eye_level"},
	},
	domain.ShotOverShoulder: {
		Focus: "foreground and background character relationship",
		Rules: []string{
			"Foreground shoulder frames the shot",
			"Background character clearly visible",
			"Eye line between characters matters",
			"Depth separation is important",
		},
		Priority: []string{"depth", "eye_lines", "framing"},
	},
	domain.ShotTwoShot: {
		Focus: "balanced framing of two characters",
		Rules: []string{
			"Both characters equally important",
			"Symmetry or intentional asymmetry",
			"Consider character spacing",
			"Maintain visual balance",
		},
		Priority: []string{"balance", "spacing", "symmetry"},
	},
}

var viewFocus = map[domain.ViewID]string{
	domain.ViewHero:         "the shot camera; judge composition, framing and balance against the reference",
	domain.ViewFront:        "horizontal (left/right) placement and spacing between entities",
	domain.ViewBack:         "occlusion and relative order of entities seen from behind",
	domain.ViewLeft:         "depth (near/far) separation and height",
	domain.ViewRight:        "depth (near/far) separation and height",
	domain.ViewTop:          "floor layout, grouping and forward/backward placement",
	domain.ViewThreeQuarter: "overall spatial relationships between entities",
}

// ShotGuidance returns the composition rules for a shot type. Unknown shot
// types fall back to medium.
func ShotGuidance(shot domain.ShotType) (focus string, rules []string) {
	g, ok := shotGuidance[shot]
	if !ok {
		g = shotGuidance[domain.ShotMedium]
	}
	return g.Focus, g.Rules
}

// ViewFocus returns what a view is best used to judge.
func ViewFocus(id domain.ViewID) string {
	if f, ok := viewFocus[id]; ok {
		return f
	}
	return "additional context for the scene"
}

// PromptInput is everything the prompt needs for one iteration.
type PromptInput struct {
	// Scene holds the live transforms of every bound entity.
	Scene domain.SceneState
	// Roster lists the entities the operator expects to be present. Roster
	// names missing from Scene are shown as unbound.
	Roster []string
	// Camera is the current hero camera transform, when known.
	Camera *domain.Transform
	Mode   domain.PositioningMode
	Shot   domain.ShotType
	// Selection is the view set chosen for this iteration.
	Selection domain.ViewSelection
	// Iteration is 1-based.
	Iteration int
	History   []domain.Iteration
}

// Prompt is a rendered system and user prompt pair.
type Prompt struct {
	System string
	User   string
}

type entityLine struct {
	Name      string
	Transform domain.Transform
	Bound     bool
}

type viewLine struct {
	ID    domain.ViewID
	Focus string
	Depth bool
}

type historyData struct {
	Trajectory string
	Applied    []string
	Decision   domain.CheckpointStatus
	Trend      string
}

type promptData struct {
	Absolute       bool
	Shot           string
	Guidance       shotRules
	Entities       []entityLine
	Camera         *domain.Transform
	Views          []viewLine
	ReferenceDepth bool
	Iteration      int
	Strategy       string
	History        *historyData
}

const promptTemplate = `TASK: Compare the storyboard reference with the current render of the 3D scene and give adjustments that make the render match the reference composition.

SHOT TYPE: {{title .Shot}}
FOCUS: {{.Guidance.Focus}}
COMPOSITION RULES FOR THIS SHOT:
{{range $i, $r := .Guidance.Rules}}{{add $i 1}}. {{$r}}
{{end}}PRIORITY AREAS: {{join .Guidance.Priority ", "}}

COORDINATE SYSTEM:
- X: forward (positive) / backward (negative)
- Y: right (positive) / left (negative)
- Z: up (positive) / down (negative)
- Positions are in centimetres, rotations in degrees (pitch, yaw, roll)

{{if .Absolute}}POSITIONING MODE: ABSOLUTE
Give the exact target world position and rotation each entity should end up at, not a movement. A value of x=-50 means "place the entity at X=-50", never "move 50cm backward".
{{else}}POSITIONING MODE: RELATIVE
Give deltas to add to each entity's current position and rotation. A value of x=-50 means "move 50cm backward from where it is now".
{{end}}
CURRENT SCENE:
{{range .Entities}}{{if .Bound}}- {{.Name}}: position ({{vec .Transform.Position}}), rotation ({{rot .Transform.Rotation}})
{{else}}- {{.Name}}: UNBOUND (not present in the scene; do not adjust)
{{end}}{{end}}{{with .Camera}}- camera: position ({{vec .Position}}), rotation ({{rot .Rotation}})
{{end}}
IMAGES:
- reference: the storyboard panel to match
{{if .ReferenceDepth}}- reference depth: depth layout of the reference
{{end}}{{range .Views}}- {{.ID}}: {{.Focus}}
{{if .Depth}}- {{.ID}} depth: depth visualization of the {{.ID}} view
{{end}}{{end}}
ITERATION {{.Iteration}}: {{.Strategy}}
{{with .History}}
HISTORY:
- Score trajectory: {{.Trajectory}}
- Trend: {{.Trend}}
{{if .Decision}}- Last decision: {{.Decision}}
{{end}}{{if .Applied}}- Adjustments just applied:
{{range .Applied}}  - {{.}}
{{end}}{{end}}{{end}}
SCORING RUBRIC (match_score, 0-100):
- 90-100: the render matches the reference; no adjustments needed
- 75-89: minor refinements only, no change larger than 25 units
- 55-74: moderate corrections, no change larger than 100 units
- 30-54: major repositioning required
- 0-29: fundamentally wrong layout

OUTPUT FORMAT:
Reply with one JSON object:
{
  "match_score": 0-100,
  "analysis": "main differences between render and reference",
  "adjustments": [
    {"entity": "<name>", "type": "move|rotate", "position": {"x": 0, "y": 0, "z": 0}, "rotation": {"pitch": 0, "yaw": 0, "roll": 0}, "reason": "why"}
  ],
  "camera": {"needs_adjustment": false, "position": {"x": 0, "y": 0, "z": 0}, "reason": "why"},
  "confidence": 0.0-1.0,
  "suggestions": ["composition notes"]
}
Use only entity names listed under CURRENT SCENE. Give at most one adjustment per entity.
`

// PromptBuilder renders iteration prompts. It is safe for concurrent use.
type PromptBuilder struct {
	tmpl *template.Template
}

// NewPromptBuilder parses the prompt template.
func NewPromptBuilder() (*PromptBuilder, error) {
	tmpl, err := template.New("prompt").Funcs(TemplateFuncs()).Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl}, nil
}

// Build renders the prompt for one iteration.
func (b *PromptBuilder) Build(in PromptInput) (Prompt, error) {
	shot := in.Shot
	guidance, ok := shotGuidance[shot]
	if !ok {
		shot = domain.ShotMedium
		guidance = shotGuidance[shot]
	}

	data := promptData{
		Absolute:       in.Mode != domain.ModeRelative,
		Shot:           string(shot),
		Guidance:       guidance,
		Entities:       entityLines(in.Scene, in.Roster),
		Camera:         in.Camera,
		ReferenceDepth: in.Selection.ReferenceDepth,
		Iteration:      max(in.Iteration, 1),
		Strategy:       strategyFor(in.Iteration, in.History),
		History:        summarizeHistory(in.History),
	}

	depth := make(map[domain.ViewID]bool, len(in.Selection.DepthViews))
	for _, id := range in.Selection.DepthViews {
		depth[id] = true
	}
	for _, id := range in.Selection.RGBViews {
		data.Views = append(data.Views, viewLine{ID: id, Focus: ViewFocus(id), Depth: depth[id]})
	}

	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, data); err != nil {
		return Prompt{}, fmt.Errorf("failed to render prompt: %w", err)
	}
	return Prompt{System: SystemPrompt, User: sb.String()}, nil
}

// entityLines lists bound entities in sorted order, then unbound roster
// entries in roster order.
func entityLines(scene domain.SceneState, roster []string) []entityLine {
	lines := make([]entityLine, 0, len(scene)+len(roster))
	for _, name := range scene.Entities() {
		lines = append(lines, entityLine{Name: name, Transform: scene[name], Bound: true})
	}
	seen := make(map[string]bool, len(roster))
	for _, name := range roster {
		if scene.Has(name) || seen[name] {
			continue
		}
		seen[name] = true
		lines = append(lines, entityLine{Name: name})
	}
	return lines
}

// strategyFor suggests a step size from the iteration number and the last
// reported score.
func strategyFor(iteration int, history []domain.Iteration) string {
	if iteration <= 1 || len(history) == 0 {
		return "initial positioning. Make bold corrections to the major layout problems first; large moves (200-400 units) are acceptable."
	}
	prev := history[len(history)-1].Score
	switch {
	case iteration <= 3 && prev < 50:
		return "exploration. The layout is still far off; keep making significant moves (150-300 units) and try a different arrangement if needed."
	case iteration <= 3:
		return "early refinement. Progress is good; use medium adjustments (100-200 units) and start on details."
	case prev >= 80:
		return "polishing. Make small, precise adjustments only (25-75 units)."
	case prev >= 60:
		return "final refinement. Use medium adjustments (75-150 units) on the remaining composition issues."
	default:
		return "problem solving. The previous approach is not working; consider a different arrangement (150-250 units)."
	}
}

// summarizeHistory builds the history section, or nil for the first
// iteration.
func summarizeHistory(history []domain.Iteration) *historyData {
	if len(history) == 0 {
		return nil
	}

	parts := make([]string, 0, len(history))
	var scores []int
	for _, it := range history {
		if it.Failed() {
			parts = append(parts, "failed")
			continue
		}
		parts = append(parts, strconv.Itoa(it.RawScore()))
		scores = append(scores, it.RawScore())
	}

	last := history[len(history)-1]
	applied := last.Applied
	if len(applied) == 0 && last.Response != nil {
		for _, adj := range last.Response.Adjustments {
			applied = append(applied, adj.String())
		}
	}

	return &historyData{
		Trajectory: strings.Join(parts, " -> "),
		Applied:    applied,
		Decision:   last.Decision,
		Trend:      Trend(scores),
	}
}

// Trend labels the change between the last two scores.
func Trend(scores []int) string {
	if len(scores) < 2 {
		return TrendFlat
	}
	delta := scores[len(scores)-1] - scores[len(scores)-2]
	switch {
	case delta >= TrendThreshold:
		return TrendImproving
	case delta <= -TrendThreshold:
		return TrendDeclining
	default:
		return TrendFlat
	}
}
