package renderer

import (
	"context"
	"encoding/json"
	"image/color"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
	"github.com/ahrav/go-blocking/internal/testutils"
)

var testColor = color.RGBA{R: 90, G: 120, B: 200, A: 255}

func testScene() domain.SceneState {
	return domain.SceneState{
		"Oat":    {Position: domain.Vector{X: 10, Y: 20, Z: 90}, Rotation: domain.Rotator{Yaw: 45}},
		"Sprout": {Position: domain.Vector{X: -10, Y: -20, Z: 90}},
	}
}

// newBridge serves a fake renderer over HTTP and returns a client for it.
func newBridge(t *testing.T) (*HTTPClient, *testutils.FakeRenderer) {
	t.Helper()
	fake := testutils.NewFakeRenderer(testScene())
	srv := httptest.NewServer(NewHandler(fake, nil))
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return client, fake
}

func TestNewHTTPClient_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := NewHTTPClient(Config{BaseURL: u})
		assert.Error(t, err, u)
	}
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, fake := newBridge(t)

	t.Run("read transforms", func(t *testing.T) {
		got, err := client.ReadTransforms(ctx)
		require.NoError(t, err)
		if diff := cmp.Diff(testScene(), got); diff != "" {
			t.Errorf("scene mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("capture decodes base64 images", func(t *testing.T) {
		set, err := client.Capture(ctx, []domain.ViewID{domain.ViewHero, domain.ViewTop})
		require.NoError(t, err)
		assert.Equal(t, []domain.ViewID{domain.ViewHero, domain.ViewTop}, set.ViewIDs())
		assert.True(t, set.HasDepth(domain.ViewHero))
		assert.Equal(t, domain.MediaTypePNG, set.Views[domain.ViewHero].DetectedMediaType())
	})

	t.Run("write transform", func(t *testing.T) {
		next := domain.Transform{Position: domain.Vector{X: 1.5, Y: 2, Z: 3}, Rotation: domain.Rotator{Roll: -0.25}}
		require.NoError(t, client.WriteTransform(ctx, "Oat", next))
		assert.Equal(t, next, fake.Scene()["Oat"])
	})

	t.Run("unbound entity maps to binding not found", func(t *testing.T) {
		err := client.WriteTransform(ctx, "Bench", domain.Transform{})
		assert.ErrorIs(t, err, ports.ErrBindingNotFound)
		assert.ErrorContains(t, err, "Bench")
	})

	t.Run("entity names are path escaped", func(t *testing.T) {
		err := client.WriteTransform(ctx, "Stage Left/Chair", domain.Transform{})
		assert.ErrorIs(t, err, ports.ErrBindingNotFound)
	})

	t.Run("camera and teardown", func(t *testing.T) {
		cam := domain.Transform{Position: domain.Vector{X: -300, Z: 160}}
		require.NoError(t, client.SetCamera(ctx, cam))
		require.NoError(t, client.Teardown(ctx))

		got, ok := fake.Camera()
		require.True(t, ok)
		assert.Equal(t, cam, got)
		_, teardowns, _ := fake.Counts()
		assert.Equal(t, 1, teardowns)
	})
}

func TestHTTPClient_MissingViewsAreAbsent(t *testing.T) {
	client, fake := newBridge(t)
	fake.MissingViews = []domain.ViewID{domain.ViewTop}

	set, err := client.Capture(context.Background(), []domain.ViewID{domain.ViewHero, domain.ViewTop})

	require.NoError(t, err)
	assert.True(t, set.Has(domain.ViewHero))
	assert.False(t, set.Has(domain.ViewTop))
}

func TestHTTPClient_RejectsNonFiniteWrites(t *testing.T) {
	// Given a server that must never be reached
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()
	client, err := NewHTTPClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	bad := domain.Transform{Position: domain.Vector{X: math.NaN()}}
	assert.ErrorIs(t, client.WriteTransform(context.Background(), "Oat", bad), domain.ErrInvalidState)
	assert.ErrorIs(t, client.SetCamera(context.Background(), bad), domain.ErrInvalidState)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "json error", status: http.StatusInternalServerError, body: `{"error":"viewport lost"}`, wantMsg: "viewport lost"},
		{name: "plain error", status: http.StatusBadGateway, body: "bridge restarting\n", wantMsg: "bridge restarting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()
			client, err := NewHTTPClient(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = client.ReadTransforms(context.Background())

			assert.ErrorIs(t, err, ErrUnexpectedStatus)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}
}

func TestHTTPClient_DropsUnsupportedImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(domain.CaptureSet{Views: map[domain.ViewID]domain.Image{
			domain.ViewHero: testutils.SolidPNG(testColor),
			domain.ViewTop:  {Data: []byte("not an image")},
			domain.ViewLeft: {},
		}})
	}))
	defer srv.Close()
	client, err := NewHTTPClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	set, err := client.Capture(context.Background(), domain.AllViews)

	require.NoError(t, err)
	assert.Equal(t, []domain.ViewID{domain.ViewHero}, set.ViewIDs())
}

func TestHTTPClient_HonoursContext(t *testing.T) {
	client, _ := newBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ReadTransforms(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}
