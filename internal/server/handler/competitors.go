package handler

import (
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// PatternSource is the competitor monitor as seen by the API.
type PatternSource interface {
	Patterns() []domain.CompetitorPattern
	Pattern(addr common.Address) (domain.CompetitorPattern, bool)
	ThreatLevel() domain.ThreatLevel
}

// CompetitorsHandler serves competitor patterns.
type CompetitorsHandler struct {
	monitor PatternSource
}

// NewCompetitorsHandler creates a CompetitorsHandler.
func NewCompetitorsHandler(monitor PatternSource) *CompetitorsHandler {
	return &CompetitorsHandler{monitor: monitor}
}

var competitorOrder = map[string]func(a, b domain.CompetitorPattern) bool{
	"tx_count":  func(a, b domain.CompetitorPattern) bool { return a.TxCount > b.TxCount },
	"gas_price": func(a, b domain.CompetitorPattern) bool { return a.AvgGasPrice > b.AvgGasPrice },
	"last_seen": func(a, b domain.CompetitorPattern) bool { return a.LastSeen.After(b.LastSeen) },
}

// ListCompetitors returns tracked patterns, most active first.
// GET /api/competitors?sort=tx_count|gas_price|last_seen&limit=50
func (h *CompetitorsHandler) ListCompetitors(w http.ResponseWriter, r *http.Request) {
	by := r.URL.Query().Get("sort")
	if by == "" {
		by = "tx_count"
	}
	less, ok := competitorOrder[by]
	if !ok {
		writeError(w, http.StatusBadRequest, "sort must be tx_count, gas_price or last_seen")
		return
	}

	patterns := h.monitor.Patterns()
	if patterns == nil {
		patterns = []domain.CompetitorPattern{}
	}
	sort.SliceStable(patterns, func(i, j int) bool { return less(patterns[i], patterns[j]) })
	total := len(patterns)
	patterns = patterns[:min(total, parseLimit(r, 50, 1000))]

	writeJSON(w, http.StatusOK, map[string]any{
		"threat_level": h.monitor.ThreatLevel().String(),
		"total":        total,
		"competitors":  patterns,
	})
}

// GetCompetitor returns one address's pattern.
// GET /api/competitors/{address}
func (h *CompetitorsHandler) GetCompetitor(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "address must be a hex address")
		return
	}
	p, ok := h.monitor.Pattern(common.HexToAddress(raw))
	if !ok {
		writeError(w, http.StatusNotFound, "address is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
