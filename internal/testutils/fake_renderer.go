package testutils

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"slices"
	"sync"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// FakeRenderer is an in-memory ports.Renderer. It holds a live scene,
// returns small solid-colour PNG captures and records every write. It is
// safe for concurrent use so it can also sit behind an HTTP bridge.
type FakeRenderer struct {
	mu sync.Mutex

	scene  domain.SceneState
	camera *domain.Transform

	// MissingViews are never returned by Capture.
	MissingViews []domain.ViewID
	// MissingFrom is the 1-based capture from which MissingViews apply.
	// Zero applies them from the first capture.
	MissingFrom int
	// NoDepth disables depth layers in captures.
	NoDepth bool
	// Drift is added to every written position, simulating a renderer that
	// does not honour writes exactly.
	Drift domain.Vector
	// CaptureErr, when set, fails every Capture.
	CaptureErr error

	writes      []Write
	captures    int
	teardowns   int
	cameraCalls int
}

// Write is one recorded WriteTransform call.
type Write struct {
	Entity    string
	Transform domain.Transform
}

// NewFakeRenderer returns a renderer holding a copy of scene.
func NewFakeRenderer(scene domain.SceneState) *FakeRenderer {
	return &FakeRenderer{scene: scene.Clone()}
}

// Capture returns one image per requested view, minus MissingViews.
func (r *FakeRenderer) Capture(ctx context.Context, views []domain.ViewID) (domain.CaptureSet, error) {
	if err := ctx.Err(); err != nil {
		return domain.CaptureSet{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures++
	if r.CaptureErr != nil {
		return domain.CaptureSet{}, r.CaptureErr
	}

	set := domain.CaptureSet{Views: map[domain.ViewID]domain.Image{}}
	if !r.NoDepth {
		set.Depth = map[domain.ViewID]domain.Image{}
	}
	missing := r.captures >= r.MissingFrom
	for _, id := range views {
		if missing && slices.Contains(r.MissingViews, id) {
			continue
		}
		set.Views[id] = SolidPNG(viewColor(id, 0))
		if !r.NoDepth {
			set.Depth[id] = SolidPNG(viewColor(id, 128))
		}
	}
	return set, nil
}

// ReadTransforms returns a copy of the live scene.
func (r *FakeRenderer) ReadTransforms(ctx context.Context) (domain.SceneState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scene.Clone(), nil
}

// WriteTransform updates a bound entity, or returns ErrBindingNotFound.
func (r *FakeRenderer) WriteTransform(ctx context.Context, entity string, t domain.Transform) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scene.Has(entity) {
		return fmt.Errorf("%w: %s", ports.ErrBindingNotFound, entity)
	}
	t.Position = t.Position.Add(r.Drift)
	r.scene[entity] = t
	r.writes = append(r.writes, Write{Entity: entity, Transform: t})
	return nil
}

// SetCamera records the camera placement.
func (r *FakeRenderer) SetCamera(ctx context.Context, t domain.Transform) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.camera = &t
	r.cameraCalls++
	return nil
}

// Teardown counts cleanup requests.
func (r *FakeRenderer) Teardown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardowns++
	return nil
}

// Scene returns a copy of the live scene.
func (r *FakeRenderer) Scene() domain.SceneState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scene.Clone()
}

// Writes returns the recorded writes in order.
func (r *FakeRenderer) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.writes)
}

// Camera returns the last camera placement, if any.
func (r *FakeRenderer) Camera() (domain.Transform, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.camera == nil {
		return domain.Transform{}, false
	}
	return *r.camera, true
}

// Counts returns how many captures, teardowns and camera placements ran.
func (r *FakeRenderer) Counts() (captures, teardowns, cameraCalls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.captures, r.teardowns, r.cameraCalls
}

// viewColor derives a stable colour per view.
func viewColor(id domain.ViewID, shift uint8) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	sum := h.Sum32()
	return color.RGBA{R: uint8(sum) + shift, G: uint8(sum>>8) + shift, B: uint8(sum>>16) + shift, A: 255}
}

var (
	pngCacheMu sync.Mutex
	pngCache   = map[color.RGBA][]byte{}
)

// SolidPNG returns a 64x48 PNG filled with c.
func SolidPNG(c color.RGBA) domain.Image {
	pngCacheMu.Lock()
	defer pngCacheMu.Unlock()
	if data, ok := pngCache[c]; ok {
		return domain.Image{Data: data, MediaType: domain.MediaTypePNG}
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	pngCache[c] = buf.Bytes()
	return domain.Image{Data: buf.Bytes(), MediaType: domain.MediaTypePNG}
}
