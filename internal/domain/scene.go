// Package domain contains pure, dependency-free domain models and types
// for the positioning optimizer.
package domain

import (
	"math"
	"slices"
)

// Vector is a position in scene units (centimetres in the target engine).
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns the component-wise sum of v and o.
func (v Vector) Add(o Vector) Vector {
	return Vector{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Rotator is an orientation in degrees.
type Rotator struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// Add returns the component-wise sum of r and o.
func (r Rotator) Add(o Rotator) Rotator {
	return Rotator{Pitch: r.Pitch + o.Pitch, Yaw: r.Yaw + o.Yaw, Roll: r.Roll + o.Roll}
}

// Transform is the placement of a single entity in the scene.
// The optimizer only reads and writes transforms through the renderer.
type Transform struct {
	Position Vector  `json:"position"`
	Rotation Rotator `json:"rotation"`
}

// ApproxEqual reports whether every component of t and o differs by at
// most tol. It is used to confirm that renderer writes took effect.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	pairs := [...][2]float64{
		{t.Position.X, o.Position.X},
		{t.Position.Y, o.Position.Y},
		{t.Position.Z, o.Position.Z},
		{t.Rotation.Pitch, o.Rotation.Pitch},
		{t.Rotation.Yaw, o.Rotation.Yaw},
		{t.Rotation.Roll, o.Rotation.Roll},
	}
	for _, p := range pairs {
		if math.Abs(p[0]-p[1]) > tol {
			return false
		}
	}
	return true
}

// IsFinite reports whether every component is a finite number.
func (t Transform) IsFinite() bool {
	for _, f := range [...]float64{
		t.Position.X, t.Position.Y, t.Position.Z,
		t.Rotation.Pitch, t.Rotation.Yaw, t.Rotation.Roll,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// SceneState maps entity names to their transforms.
// A SceneState held by a Checkpoint is an immutable snapshot; the live
// state held by the controller is mutable. Use Clone to cross between the two.
type SceneState map[string]Transform

// Clone returns an independent copy of the scene state.
// Transform is a value type, so a shallow map copy is a deep copy.
func (s SceneState) Clone() SceneState {
	if s == nil {
		return nil
	}
	out := make(SceneState, len(s))
	for name, t := range s {
		out[name] = t
	}
	return out
}

// Entities returns the entity names in sorted order.
func (s SceneState) Entities() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Equal reports whether s and o hold exactly the same entities with
// bit-identical transforms.
func (s SceneState) Equal(o SceneState) bool {
	if len(s) != len(o) {
		return false
	}
	for name, t := range s {
		other, ok := o[name]
		if !ok || other != t {
			return false
		}
	}
	return true
}

// Has reports whether the entity exists in the scene.
func (s SceneState) Has(entity string) bool {
	_, ok := s[entity]
	return ok
}
