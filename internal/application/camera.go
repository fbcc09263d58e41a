package application

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/ahrav/go-blocking/internal/domain"
)

// cameraBase returns the current hero camera transform: the bound camera
// entity when it is in scene, else the last placement this run made.
func (r *run) cameraBase(scene domain.SceneState) *domain.Transform {
	if name := r.cfg.Camera.Entity; name != "" {
		if t, ok := scene[name]; ok {
			return &t
		}
	}
	if r.camera != nil {
		t := *r.camera
		return &t
	}
	return nil
}

// cameraTarget resolves the camera placement requested by the oracle. With
// look-at enabled the rotation is replaced by one that aims at the subjects.
func (r *run) cameraTarget(adj *domain.CameraAdjustment, live, targets domain.SceneState) (domain.Transform, bool) {
	if adj == nil || !adj.NeedsAdjustment || adj.IsNoop() {
		return domain.Transform{}, false
	}
	var base domain.Transform
	if b := r.cameraBase(live); b != nil {
		base = *b
	}
	next := adj.Apply(base, r.mode)

	if r.cfg.Camera.LookAt {
		if centre, ok := subjectCentre(live, targets, r.cfg.Camera.Entity); ok {
			centre.Z += r.cfg.Camera.HeadOffset
			if rot, ok := lookAt(toVec(next.Position), centre); ok {
				next.Rotation = rot
			}
		}
	}
	if !next.IsFinite() {
		r.log.Warn("ignoring non-finite camera placement", "position", next.Position, "rotation", next.Rotation)
		return domain.Transform{}, false
	}
	return next, true
}

// subjectCentre is the centroid of every entity except the camera, taking
// pending targets over live positions.
func subjectCentre(live, targets domain.SceneState, camera string) (r3.Vec, bool) {
	var sum r3.Vec
	n := 0
	for name, t := range live {
		if name == camera {
			continue
		}
		if next, ok := targets[name]; ok {
			t = next
		}
		sum = r3.Add(sum, toVec(t.Position))
		n++
	}
	if n == 0 {
		return r3.Vec{}, false
	}
	return r3.Scale(1/float64(n), sum), true
}

// lookAt returns the rotation, in degrees, that points a camera at from
// towards to. X is forward, Y right and Z up; roll is always zero.
func lookAt(from, to r3.Vec) (domain.Rotator, bool) {
	dir := r3.Sub(to, from)
	if r3.Norm(dir) < 1e-6 {
		return domain.Rotator{}, false
	}
	yaw := math.Atan2(dir.Y, dir.X) * 180 / math.Pi
	pitch := math.Atan2(dir.Z, math.Hypot(dir.X, dir.Y)) * 180 / math.Pi
	return domain.Rotator{Pitch: pitch, Yaw: yaw}, true
}

func toVec(v domain.Vector) r3.Vec { return r3.Vec{X: v.X, Y: v.Y, Z: v.Z} }
