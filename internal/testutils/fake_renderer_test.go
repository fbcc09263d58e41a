package testutils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

func fixture() domain.SceneState {
	return domain.SceneState{
		"Oat":    {Position: domain.Vector{X: 10, Y: 20, Z: 90}},
		"Sprout": {Position: domain.Vector{X: -10}},
	}
}

func TestFakeRenderer_Capture(t *testing.T) {
	tests := []struct {
		name      string
		missing   []domain.ViewID
		noDepth   bool
		request   []domain.ViewID
		wantViews []domain.ViewID
		wantDepth bool
	}{
		{
			name:      "returns every requested view with depth",
			request:   []domain.ViewID{domain.ViewHero, domain.ViewTop},
			wantViews: []domain.ViewID{domain.ViewHero, domain.ViewTop},
			wantDepth: true,
		},
		{
			name:      "omits missing views",
			missing:   []domain.ViewID{domain.ViewTop},
			request:   []domain.ViewID{domain.ViewHero, domain.ViewTop},
			wantViews: []domain.ViewID{domain.ViewHero},
			wantDepth: true,
		},
		{
			name:      "skips depth layers when disabled",
			noDepth:   true,
			request:   []domain.ViewID{domain.ViewFront},
			wantViews: []domain.ViewID{domain.ViewFront},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewFakeRenderer(fixture())
			r.MissingViews = tt.missing
			r.NoDepth = tt.noDepth

			set, err := r.Capture(context.Background(), tt.request)

			require.NoError(t, err)
			assert.Len(t, set.Views, len(tt.wantViews))
			for _, id := range tt.wantViews {
				require.True(t, set.Has(id), "view %s", id)
				assert.True(t, set.Views[id].IsSupported())
				assert.Equal(t, tt.wantDepth, set.HasDepth(id))
			}
		})
	}
}

func TestFakeRenderer_MissingFrom(t *testing.T) {
	// Given the hero missing from the second capture on
	r := NewFakeRenderer(fixture())
	r.MissingViews = []domain.ViewID{domain.ViewHero}
	r.MissingFrom = 2
	views := []domain.ViewID{domain.ViewHero, domain.ViewTop}

	// When capturing twice
	first, err := r.Capture(context.Background(), views)
	require.NoError(t, err)
	second, err := r.Capture(context.Background(), views)
	require.NoError(t, err)

	// Then only the second capture loses it
	assert.True(t, first.Has(domain.ViewHero))
	assert.False(t, second.Has(domain.ViewHero))
	assert.True(t, second.Has(domain.ViewTop))
}

func TestFakeRenderer_WriteTransform(t *testing.T) {
	// Given a renderer that drifts every write by one unit on X
	r := NewFakeRenderer(fixture())
	r.Drift = domain.Vector{X: 1}
	ctx := context.Background()

	// When a bound and an unbound entity are written
	err := r.WriteTransform(ctx, "Oat", domain.Transform{Position: domain.Vector{X: 50}})
	require.NoError(t, err)
	err = r.WriteTransform(ctx, "Bench", domain.Transform{})

	// Then the bound write lands with drift and the unbound one fails
	assert.ErrorIs(t, err, ports.ErrBindingNotFound)
	scene, err := r.ReadTransforms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 51.0, scene["Oat"].Position.X)
	require.Len(t, r.Writes(), 1)
	assert.Equal(t, "Oat", r.Writes()[0].Entity)
}

func TestFakeRenderer_ReturnsCopies(t *testing.T) {
	r := NewFakeRenderer(fixture())

	scene := r.Scene()
	scene["Oat"] = domain.Transform{}
	delete(scene, "Sprout")

	assert.Equal(t, fixture(), r.Scene())
}

func TestFakeRenderer_CameraAndTeardown(t *testing.T) {
	r := NewFakeRenderer(fixture())
	ctx := context.Background()

	_, ok := r.Camera()
	assert.False(t, ok)

	placement := domain.Transform{Position: domain.Vector{X: -300, Z: 160}, Rotation: domain.Rotator{Pitch: -5}}
	require.NoError(t, r.SetCamera(ctx, placement))
	require.NoError(t, r.Teardown(ctx))

	got, ok := r.Camera()
	require.True(t, ok)
	assert.Equal(t, placement, got)
	captures, teardowns, cameraCalls := r.Counts()
	assert.Equal(t, 0, captures)
	assert.Equal(t, 1, teardowns)
	assert.Equal(t, 1, cameraCalls)
}

func TestFakeRenderer_HonoursCancellation(t *testing.T) {
	r := NewFakeRenderer(fixture())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Capture(ctx, []domain.ViewID{domain.ViewHero})
	assert.ErrorIs(t, err, context.Canceled)
	err = r.WriteTransform(ctx, "Oat", domain.Transform{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.Writes())
}

func TestSolidPNG(t *testing.T) {
	hero := SolidPNG(viewColor(domain.ViewHero, 0))
	again := SolidPNG(viewColor(domain.ViewHero, 0))
	other := SolidPNG(viewColor(domain.ViewTop, 0))

	assert.Equal(t, domain.MediaTypePNG, hero.DetectedMediaType())
	assert.Equal(t, hero.Data, again.Data)
	assert.NotEqual(t, hero.Data, other.Data)
}
