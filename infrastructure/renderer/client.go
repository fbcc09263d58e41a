// Package renderer connects the optimizer to a scene renderer through a
// small HTTP/JSON bridge. The bridge runs inside the host application and
// exposes capture, transform and camera operations; images travel base64
// encoded inside JSON.
//
// Endpoints:
//
//	POST /capture              {"views": ["hero", ...]} -> CaptureSet
//	GET  /transforms           -> {"entities": {"name": Transform}}
//	PUT  /transforms/{entity}  Transform; 404 when the entity is unbound
//	PUT  /camera               Transform
//	POST /teardown
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// DefaultTimeout bounds one bridge call. Captures wait for the renderer's
// next frame, so this is generous.
const DefaultTimeout = 60 * time.Second

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// ErrUnexpectedStatus is returned when the bridge answers with a status the
// client does not handle.
var ErrUnexpectedStatus = errors.New("unexpected renderer status")

// Config configures an HTTPClient.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HTTPClient implements ports.Renderer against a render bridge.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ ports.Renderer = (*HTTPClient)(nil)

// NewHTTPClient validates the bridge URL and returns a client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid renderer URL %q", cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		httpClient: client,
		logger:     logger,
	}, nil
}

type captureRequest struct {
	Views []domain.ViewID `json:"views"`
}

type transformsResponse struct {
	Entities domain.SceneState `json:"entities"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Capture renders the requested views. Empty or unsupported images in the
// reply are dropped so that callers see them as missing views.
func (c *HTTPClient) Capture(ctx context.Context, views []domain.ViewID) (domain.CaptureSet, error) {
	var set domain.CaptureSet
	if err := c.do(ctx, http.MethodPost, "/capture", captureRequest{Views: views}, &set); err != nil {
		return domain.CaptureSet{}, err
	}
	dropUnsupported(set.Views, "view", c.logger)
	dropUnsupported(set.Depth, "depth", c.logger)
	return set, nil
}

func dropUnsupported(images map[domain.ViewID]domain.Image, layer string, logger *slog.Logger) {
	for id, img := range images {
		if !img.IsSupported() {
			logger.Warn("dropping unsupported capture", "view", id, "layer", layer, "bytes", len(img.Data))
			delete(images, id)
		}
	}
}

// ReadTransforms returns the live transform of every bound entity.
func (c *HTTPClient) ReadTransforms(ctx context.Context) (domain.SceneState, error) {
	var resp transformsResponse
	if err := c.do(ctx, http.MethodGet, "/transforms", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Entities == nil {
		resp.Entities = domain.SceneState{}
	}
	return resp.Entities, nil
}

// WriteTransform moves one entity. A 404 maps to ports.ErrBindingNotFound.
func (c *HTTPClient) WriteTransform(ctx context.Context, entity string, t domain.Transform) error {
	if !t.IsFinite() {
		return fmt.Errorf("%w: non-finite transform for %s", domain.ErrInvalidState, entity)
	}
	err := c.do(ctx, http.MethodPut, "/transforms/"+url.PathEscape(entity), t, nil)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: %s", ports.ErrBindingNotFound, entity)
	}
	return err
}

// SetCamera places the hero camera.
func (c *HTTPClient) SetCamera(ctx context.Context, t domain.Transform) error {
	if !t.IsFinite() {
		return fmt.Errorf("%w: non-finite camera transform", domain.ErrInvalidState)
	}
	return c.do(ctx, http.MethodPut, "/camera", t, nil)
}

// Teardown removes helper objects left behind by an earlier run.
func (c *HTTPClient) Teardown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/teardown", nil, nil)
}

var errNotFound = errors.New("not found")

// do sends body as JSON and decodes a 2xx reply into out when out is set.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("renderer %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("renderer call", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("renderer %s %s: %w: %s", method, path, errNotFound, readError(resp.Body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnexpectedStatus, method, path, resp.StatusCode, readError(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// readError extracts a bridge error message, falling back to the raw body.
func readError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
