package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// HistoryHandler serves recorded executions, opportunities and the audit log.
type HistoryHandler struct {
	executions    domain.ExecutionStore
	opportunities domain.OpportunityStore
	audit         domain.AuditStore
	logger        *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler. Stores may be nil, in which
// case their endpoints answer 501.
func NewHistoryHandler(executions domain.ExecutionStore, opportunities domain.OpportunityStore, audit domain.AuditStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		executions:    executions,
		opportunities: opportunities,
		audit:         audit,
		logger:        logger,
	}
}

// RecentExecutions returns the latest protected executions.
// GET /api/executions/recent?limit=50
func (h *HistoryHandler) RecentExecutions(w http.ResponseWriter, r *http.Request) {
	if h.executions == nil {
		writeError(w, http.StatusNotImplemented, "execution history is not configured")
		return
	}
	execs, err := h.executions.ListRecent(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		h.fail(w, r, "list executions", err)
		return
	}
	if execs == nil {
		execs = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// GetExecution returns one execution.
// GET /api/executions/{id}
func (h *HistoryHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	if h.executions == nil {
		writeError(w, http.StatusNotImplemented, "execution history is not configured")
		return
	}
	exec, err := h.executions.GetByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		h.fail(w, r, "get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// RecentOpportunities returns the latest scored opportunities and their fate.
// GET /api/opportunities/recent?limit=50
func (h *HistoryHandler) RecentOpportunities(w http.ResponseWriter, r *http.Request) {
	if h.opportunities == nil {
		writeError(w, http.StatusNotImplemented, "opportunity history is not configured")
		return
	}
	recs, err := h.opportunities.ListRecent(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		h.fail(w, r, "list opportunities", err)
		return
	}
	if recs == nil {
		recs = []domain.OpportunityRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": recs})
}

// ListAudit returns audit log entries.
// GET /api/audit?event=bundle_included&since=2026-01-01T00:00:00Z&limit=100
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log is not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.fail(w, r, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *HistoryHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
