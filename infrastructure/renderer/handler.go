package renderer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ahrav/go-blocking/internal/domain"
	"github.com/ahrav/go-blocking/internal/ports"
)

// maxRequestBody bounds decoded request bodies.
const maxRequestBody = 1 << 20

// NewHandler serves r with the bridge protocol HTTPClient speaks. It lets a
// Go renderer, or a simulated one, stand in for the host application.
func NewHandler(r ports.Renderer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{renderer: r, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /capture", h.capture)
	mux.HandleFunc("GET /transforms", h.readTransforms)
	mux.HandleFunc("PUT /transforms/{entity}", h.writeTransform)
	mux.HandleFunc("PUT /camera", h.setCamera)
	mux.HandleFunc("POST /teardown", h.teardown)
	return mux
}

type handler struct {
	renderer ports.Renderer
	logger   *slog.Logger
}

func (h *handler) capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !h.decode(w, r, &req) {
		return
	}
	set, err := h.renderer.Capture(r.Context(), req.Views)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, set)
}

func (h *handler) readTransforms(w http.ResponseWriter, r *http.Request) {
	state, err := h.renderer.ReadTransforms(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, transformsResponse{Entities: state})
}

func (h *handler) writeTransform(w http.ResponseWriter, r *http.Request) {
	var t domain.Transform
	if !h.decode(w, r, &t) {
		return
	}
	if err := h.renderer.WriteTransform(r.Context(), r.PathValue("entity"), t); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setCamera(w http.ResponseWriter, r *http.Request) {
	var t domain.Transform
	if !h.decode(w, r, &t) {
		return
	}
	if err := h.renderer.SetCamera(r.Context(), t); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) teardown(w http.ResponseWriter, r *http.Request) {
	if err := h.renderer.Teardown(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ports.ErrBindingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusBadRequest
	}
	h.writeError(w, status, err.Error())
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg}); err != nil {
		h.logger.Warn("failed to write error response", "error", err)
	}
}

func (h *handler) reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
