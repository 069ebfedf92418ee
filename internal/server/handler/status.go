package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/feed"
)

// StatusSources are the live components the status endpoint reads. Any may
// be nil in modes that do not run them.
type StatusSources struct {
	Mode     interface{ Current() domain.ExecutionMode }
	Threat   interface{ ThreatLevel() domain.ThreatLevel }
	Patterns interface{ Len() int }
	Active   interface{ Active() int }
	Feed     interface{ Stats() feed.Stats }
}

// StatusHandler serves the process status for operators.
type StatusHandler struct {
	processMode string
	startedAt   time.Time
	src         StatusSources
}

// NewStatusHandler creates a StatusHandler for a process running in
// processMode.
func NewStatusHandler(processMode string, startedAt time.Time, src StatusSources) *StatusHandler {
	return &StatusHandler{processMode: processMode, startedAt: startedAt, src: src}
}

// GetStatus responds with the process mode, execution mode and the state of
// the running components.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"mode":           h.processMode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.src.Mode != nil {
		out["execution_mode"] = h.src.Mode.Current()
	}
	if h.src.Threat != nil {
		out["threat_level"] = h.src.Threat.ThreatLevel().String()
	}
	if h.src.Patterns != nil {
		out["tracked_competitors"] = h.src.Patterns.Len()
	}
	if h.src.Active != nil {
		out["active_protections"] = h.src.Active.Active()
	}
	if h.src.Feed != nil {
		out["mempool"] = h.src.Feed.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}
