// Package statusapi serves upload and playback snapshots to a local UI.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"vidclient/internal/platform/metrics"
	"vidclient/internal/player"
	"vidclient/internal/upload"
)

// Uploads is the part of upload.Coordinator the API exposes.
type Uploads interface {
	Snapshot() upload.Job
	CancelUpload(ctx context.Context) error
	ResetUpload() error
}

// Player is the part of player.Player the API exposes.
type Player interface {
	Snapshot() player.PlaybackState
	HandleKey(k player.KeyEvent) (bool, error)
}

// Handler exposes the status endpoints. Either dependency may be nil, in which
// case its routes answer 404.
type Handler struct {
	uploads Uploads
	player  Player
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil (e.g. in tests).
func NewHandler(u Uploads, p Player, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{uploads: u, player: p, log: log, metrics: m}
}

type keyRequest struct {
	Key       string `json:"key"`
	TargetTag string `json:"targetTag"`
}

type keyResponse struct {
	Handled bool                 `json:"handled"`
	State   player.PlaybackState `json:"state"`
}

// GetUpload handles GET /upload.
func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, h.uploads.Snapshot())
}

// CancelUpload handles POST /upload/cancel.
func (h *Handler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := h.uploads.CancelUpload(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("upload cancelled via status api")
	h.writeJSON(w, http.StatusOK, h.uploads.Snapshot())
}

// ResetUpload handles POST /upload/reset.
func (h *Handler) ResetUpload(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := h.uploads.ResetUpload(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.uploads.Snapshot())
}

// GetPlayer handles GET /player.
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	if h.player == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, h.player.Snapshot())
}

// PostKey handles POST /player/keys.
// Body: { "key": "ArrowRight", "targetTag": "DIV" }.
func (h *Handler) PostKey(w http.ResponseWriter, r *http.Request) {
	if h.player == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid key body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	handled, err := h.player.HandleKey(player.KeyEvent{Key: req.Key, TargetTag: req.TargetTag})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, keyResponse{Handled: handled, State: h.player.Snapshot()})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("status api command failed", slog.String("error", err.Error()))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrClosed), errors.Is(err, player.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, player.ErrNoFullscreen), errors.Is(err, upload.ErrUploadInProgress):
		return http.StatusConflict
	case errors.Is(err, player.ErrInvalidLevel), errors.Is(err, player.ErrUnsupportedRate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
