package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// CameraEntity is the entity name given to camera adjustments.
const CameraEntity = "camera"

// Alternate key spellings seen in model replies, most preferred first.
var (
	scoreKeys       = []string{"match_score", "score"}
	analysisKeys    = []string{"analysis", "reasoning", "explanation"}
	adjustmentsKeys = []string{"adjustments", "movements"}
	cameraKeys      = []string{"camera", "camera_adjustment", "camera_adjustments"}
	entityKeys      = []string{"entity", "actor", "name"}
	kindKeys        = []string{"type", "kind"}
	positionKeys    = []string{"position", "target", "target_position", "delta", "offset", "move"}
	rotationKeys    = []string{"rotation", "target_rotation", "rotation_delta", "rotate"}
	reasonKeys      = []string{"reason", "rationale"}
)

// ParserConfig configures a Parser.
type ParserConfig struct {
	// Mode decides how missing vector components are filled: from the
	// current transform in absolute mode, with zero in relative mode.
	Mode domain.PositioningMode
	// CameraTransform is the current camera placement, used to fill missing
	// camera components in absolute mode.
	CameraTransform *domain.Transform
	Logger          *slog.Logger
}

// Parser turns raw oracle text into a validated OracleResponse.
// It is safe for concurrent use.
type Parser struct {
	mode     domain.PositioningMode
	camera   domain.Transform
	logger   *slog.Logger
	validate *validator.Validate
}

// NewParser creates a parser.
func NewParser(cfg ParserConfig) *Parser {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if !mode.Valid() {
		mode = domain.ModeAbsolute
	}
	p := &Parser{mode: mode, logger: logger, validate: validator.New()}
	if cfg.CameraTransform != nil {
		p.camera = *cfg.CameraTransform
	}
	return p
}

// Parse extracts, repairs, normalizes and validates an oracle reply.
//
// Adjustments naming an entity that is neither in scene nor in roster are
// dropped with a warning. Roster entities without a live binding are kept so
// that the caller can treat them as an integrity failure. Any other problem
// returns a *domain.ValidationError matching ports.ErrMalformedResponse.
func (p *Parser) Parse(raw string, scene domain.SceneState, roster []string) (*domain.OracleResponse, error) {
	body := extractJSON(stripControl(raw))
	if body == "" {
		return nil, malformed(raw, "no JSON object found in reply")
	}
	body = removeTrailingCommas(body)

	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, malformed(raw, fmt.Sprintf("invalid JSON: %v", err))
	}

	var warnings []string
	wire, problems := normalizeResponse(doc, &warnings)
	if len(problems) > 0 {
		return nil, malformed(raw, problems...)
	}
	if err := p.validate.Struct(wire); err != nil {
		return nil, malformed(raw, validationMessages(err)...)
	}

	resp := &domain.OracleResponse{
		MatchScore:  *wire.MatchScore,
		Analysis:    wire.Analysis,
		Confidence:  wire.Confidence,
		Suggestions: wire.Suggestions,
		RawText:     raw,
	}

	names := newNameIndex(scene, roster)
	seen := make(map[string]bool, len(wire.Adjustments))
	for _, w := range wire.Adjustments {
		name, ok := names.resolve(w.Entity)
		if !ok {
			suggestion := names.nearest(w.Entity)
			msg := fmt.Sprintf("unknown entity %q dropped", w.Entity)
			if suggestion != "" {
				msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
			}
			p.logger.Warn("ignoring adjustment for unknown entity", "entity", w.Entity, "suggestion", suggestion)
			warnings = append(warnings, msg)
			continue
		}
		if seen[name] {
			return nil, malformed(raw, fmt.Sprintf("duplicate adjustment for entity %q", name))
		}
		seen[name] = true
		resp.Adjustments = append(resp.Adjustments, p.toAdjustment(w, name, scene[name]))
	}

	if wire.Camera != nil {
		adj := p.toAdjustment(WireAdjustment{
			Type:     string(domain.KindMove),
			Position: wire.Camera.Position,
			Rotation: wire.Camera.Rotation,
			Reason:   wire.Camera.Reason,
		}, CameraEntity, p.camera)
		resp.Camera = &domain.CameraAdjustment{EntityAdjustment: adj, NeedsAdjustment: wire.Camera.NeedsAdjustment}
	}

	if len(warnings) > 0 {
		resp.Metadata = map[string]any{"warnings": warnings}
	}
	return resp, nil
}

// toAdjustment converts a wire adjustment, filling absent components.
func (p *Parser) toAdjustment(w WireAdjustment, entity string, current domain.Transform) domain.EntityAdjustment {
	base := current
	if p.mode == domain.ModeRelative {
		base = domain.Transform{}
	}
	adj := domain.EntityAdjustment{
		Entity: entity,
		Kind:   domain.AdjustmentKind(w.Type),
		Reason: w.Reason,
	}
	if w.Position != nil {
		adj.Position = &domain.Vector{
			X: orDefault(w.Position.X, base.Position.X),
			Y: orDefault(w.Position.Y, base.Position.Y),
			Z: orDefault(w.Position.Z, base.Position.Z),
		}
	}
	if w.Rotation != nil {
		adj.Rotation = &domain.Rotator{
			Pitch: orDefault(w.Rotation.Pitch, base.Rotation.Pitch),
			Yaw:   orDefault(w.Rotation.Yaw, base.Rotation.Yaw),
			Roll:  orDefault(w.Rotation.Roll, base.Rotation.Roll),
		}
	}
	return adj
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// malformed builds the error returned for an unusable reply.
func malformed(raw string, msgs ...string) error {
	ve := domain.NewValidationError("oracle response")
	for _, m := range msgs {
		ve.AddError(m)
	}
	ve.Err = ports.ErrMalformedResponse
	return ve.WithPayload(raw)
}

func validationMessages(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return msgs
}

// nameIndex resolves oracle-supplied names against the known entities,
// exactly first and then case-insensitively.
type nameIndex struct {
	known  []string
	exact  map[string]bool
	folded map[string]string
	fold   cases.Caser
}

func newNameIndex(scene domain.SceneState, roster []string) *nameIndex {
	idx := &nameIndex{
		exact:  make(map[string]bool, len(scene)+len(roster)),
		folded: make(map[string]string, len(scene)+len(roster)),
		fold:   cases.Fold(),
	}
	add := func(name string) {
		if idx.exact[name] {
			return
		}
		idx.exact[name] = true
		idx.known = append(idx.known, name)
		key := idx.fold.String(name)
		if _, dup := idx.folded[key]; !dup {
			idx.folded[key] = name
		}
	}
	for _, name := range scene.Entities() {
		add(name)
	}
	for _, name := range roster {
		add(name)
	}
	return idx
}

func (n *nameIndex) resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if n.exact[name] {
		return name, true
	}
	canonical, ok := n.folded[n.fold.String(name)]
	return canonical, ok
}

// nearest returns the known name with the smallest edit distance, or "".
func (n *nameIndex) nearest(name string) string {
	best, bestDist := "", math.MaxInt
	target := n.fold.String(name)
	for _, k := range n.known {
		if d := levenshtein.ComputeDistance(target, n.fold.String(k)); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

// normalizeResponse maps a decoded reply onto WireResponse. problems lists
// values of the wrong type; notes collects dropped adjustments.
func normalizeResponse(doc map[string]any, notes *[]string) (WireResponse, []string) {
	var (
		out      WireResponse
		problems []string
	)

	if v, ok := first(doc, scoreKeys); ok {
		f, ok := toFloat(v)
		if !ok {
			problems = append(problems, fmt.Sprintf("match_score is not a number: %v", v))
		} else {
			out.MatchScore = intPtr(int(math.Round(f)))
		}
	} else if v, ok := doc["similarity"]; ok {
		if f, ok := toFloat(v); ok {
			if f <= 1 {
				f *= 100
			}
			out.MatchScore = intPtr(int(math.Round(f)))
		}
	}

	if v, ok := first(doc, analysisKeys); ok {
		out.Analysis = toString(v)
	}

	if v, ok := doc["confidence"]; ok && v != nil {
		if f, ok := toFloat(v); ok {
			if f > 1 && f <= 100 {
				f /= 100
			}
			out.Confidence = math.Max(0, math.Min(1, f))
		}
	}

	switch s := doc["suggestions"].(type) {
	case string:
		if strings.TrimSpace(s) != "" {
			out.Suggestions = []string{s}
		}
	case []any:
		for _, e := range s {
			if str := toString(e); str != "" {
				out.Suggestions = append(out.Suggestions, str)
			}
		}
	}

	if v, ok := first(doc, adjustmentsKeys); ok {
		items, isList := v.([]any)
		if !isList {
			problems = append(problems, "adjustments is not a list")
		}
		for i, item := range items {
			m, isObj := item.(map[string]any)
			if !isObj {
				problems = append(problems, fmt.Sprintf("adjustments[%d] is not an object", i))
				continue
			}
			adj, ok := normalizeAdjustment(m)
			if !ok {
				*notes = append(*notes, fmt.Sprintf("adjustments[%d] for %q carries no position or rotation", i, adj.Entity))
				continue
			}
			out.Adjustments = append(out.Adjustments, adj)
		}
	}

	if v, ok := first(doc, cameraKeys); ok {
		if m, isObj := v.(map[string]any); isObj {
			out.Camera = normalizeCamera(m)
		}
	}

	return out, problems
}

// normalizeAdjustment reports false when the item has nothing to apply.
func normalizeAdjustment(m map[string]any) (WireAdjustment, bool) {
	var adj WireAdjustment
	if v, ok := first(m, entityKeys); ok {
		adj.Entity = strings.TrimSpace(toString(v))
	}
	if v, ok := first(m, reasonKeys); ok {
		adj.Reason = toString(v)
	}
	adj.Position = vectorFrom(m, positionKeys, "move_x", "move_y", "move_z")
	adj.Rotation = rotatorFrom(m, rotationKeys, "rotate_pitch", "rotate_yaw", "rotate_roll")

	kind := ""
	if v, ok := first(m, kindKeys); ok {
		kind = strings.ToLower(strings.TrimSpace(toString(v)))
	}
	switch {
	case kind == string(domain.KindMove) || kind == string(domain.KindRotate):
		adj.Type = kind
	case adj.Position != nil:
		adj.Type = string(domain.KindMove)
	case adj.Rotation != nil:
		adj.Type = string(domain.KindRotate)
	}
	return adj, adj.Position != nil || adj.Rotation != nil
}

func normalizeCamera(m map[string]any) *WireCamera {
	cam := &WireCamera{
		Position: vectorFrom(m, positionKeys, "move_x", "move_y", "move_z"),
		Rotation: rotatorFrom(m, rotationKeys, "rotate_pitch", "rotate_yaw", "rotate_roll"),
	}
	if v, ok := first(m, reasonKeys); ok {
		cam.Reason = toString(v)
	}
	if v, ok := m["needs_adjustment"]; ok {
		cam.NeedsAdjustment = toBool(v)
	} else {
		cam.NeedsAdjustment = cam.Position != nil || cam.Rotation != nil
	}
	return cam
}

// vectorFrom reads a nested {x,y,z} object or [x,y,z] list under one of keys,
// falling back to flat per-axis keys.
func vectorFrom(m map[string]any, keys []string, flatX, flatY, flatZ string) *WireVector {
	if v, ok := first(m, keys); ok {
		if c, ok := components(v, "x", "y", "z"); ok {
			return &WireVector{X: c[0], Y: c[1], Z: c[2]}
		}
	}
	c := [3]*float64{floatAt(m, flatX), floatAt(m, flatY), floatAt(m, flatZ)}
	if c[0] == nil && c[1] == nil && c[2] == nil {
		return nil
	}
	return &WireVector{X: c[0], Y: c[1], Z: c[2]}
}

func rotatorFrom(m map[string]any, keys []string, flatPitch, flatYaw, flatRoll string) *WireRotator {
	if v, ok := first(m, keys); ok {
		if c, ok := components(v, "pitch", "yaw", "roll"); ok {
			return &WireRotator{Pitch: c[0], Yaw: c[1], Roll: c[2]}
		}
	}
	c := [3]*float64{floatAt(m, flatPitch), floatAt(m, flatYaw), floatAt(m, flatRoll)}
	if c[0] == nil && c[1] == nil && c[2] == nil {
		return nil
	}
	return &WireRotator{Pitch: c[0], Yaw: c[1], Roll: c[2]}
}

// components reads three named axes from an object, or three values from a
// list. It reports false when no axis is present.
func components(v any, a, b, c string) ([3]*float64, bool) {
	var out [3]*float64
	switch t := v.(type) {
	case map[string]any:
		lower := make(map[string]any, len(t))
		for k, val := range t {
			lower[strings.ToLower(k)] = val
		}
		out = [3]*float64{floatAt(lower, a), floatAt(lower, b), floatAt(lower, c)}
	case []any:
		for i := 0; i < len(t) && i < 3; i++ {
			if f, ok := toFloat(t[i]); ok {
				out[i] = &f
			}
		}
	default:
		return out, false
	}
	return out, out[0] != nil || out[1] != nil || out[2] != nil
}

func first(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func floatAt(m map[string]any, key string) *float64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	default:
		return false
	}
}

func intPtr(i int) *int { return &i }
