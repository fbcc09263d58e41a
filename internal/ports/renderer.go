package ports

import (
	"context"

	"github.com/ahrav/go-blocking/internal/domain"
)

// Renderer is the external scene collaborator. Every call blocks until the
// renderer acknowledges completion on its own update cadence.
type Renderer interface {
	// Capture renders the requested views of the current scene.
	Capture(ctx context.Context, views []domain.ViewID) (domain.CaptureSet, error)

	// ReadTransforms returns the live transform of every bound entity.
	ReadTransforms(ctx context.Context) (domain.SceneState, error)

	// WriteTransform moves one entity. It returns ErrBindingNotFound when
	// the entity has no live binding.
	WriteTransform(ctx context.Context, entity string, t domain.Transform) error

	// SetCamera places the hero camera.
	SetCamera(ctx context.Context, t domain.Transform) error

	// Teardown removes transient helper objects left by a previous run.
	Teardown(ctx context.Context) error
}
