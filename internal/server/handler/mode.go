package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// ModeService reads and changes the execution mode.
type ModeService interface {
	Current() domain.ExecutionMode
	Set(ctx context.Context, m domain.ExecutionMode, reason string) error
}

// ModeHandler serves the execution mode.
type ModeHandler struct {
	svc    ModeService
	logger *slog.Logger
}

// NewModeHandler creates a ModeHandler.
func NewModeHandler(svc ModeService, logger *slog.Logger) *ModeHandler {
	return &ModeHandler{svc: svc, logger: logger}
}

// GetMode returns the active execution mode.
// GET /api/mode
func (h *ModeHandler) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"mode": h.svc.Current()})
}

type setModeRequest struct {
	Mode   domain.ExecutionMode `json:"mode"`
	Reason string               `json:"reason"`
}

// SetMode switches between live, simulate and paused.
// PUT /api/mode
func (h *ModeHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var body setModeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !body.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be live, simulate or paused")
		return
	}
	previous := h.svc.Current()
	if err := h.svc.Set(r.Context(), body.Mode, body.Reason); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "execution mode changed via api",
		slog.String("from", string(previous)),
		slog.String("to", string(body.Mode)),
		slog.String("reason", body.Reason),
	)
	writeJSON(w, http.StatusOK, map[string]any{"mode": body.Mode, "previous": previous})
}
