package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// RouteFinder searches cross-chain routes on demand.
type RouteFinder interface {
	FindArbitrageRoutes(ctx context.Context, chainID uint64, sourceToken common.Address, amount *big.Int, maxHops int) ([]domain.Route, error)
}

// LatestRoutes returns the routes found by the last scan.
type LatestRoutes interface {
	Routes() []domain.Route
}

// RoutesHandler serves route search results.
type RoutesHandler struct {
	finder  RouteFinder
	latest  LatestRoutes
	chainID uint64
	logger  *slog.Logger
}

// NewRoutesHandler creates a RoutesHandler. Either source may be nil.
func NewRoutesHandler(finder RouteFinder, latest LatestRoutes, chainID uint64, logger *slog.Logger) *RoutesHandler {
	return &RoutesHandler{finder: finder, latest: latest, chainID: chainID, logger: logger}
}

// ListRoutes returns the latest scanned routes, or runs a live search when
// token and amount are given.
// GET /api/routes?token=0x..&amount=1000000&chain_id=1&max_hops=1
func (h *RoutesHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		routes := []domain.Route{}
		if h.latest != nil {
			routes = h.latest.Routes()
		}
		writeJSON(w, http.StatusOK, map[string]any{"routes": routes, "source": "scan"})
		return
	}

	if h.finder == nil {
		writeError(w, http.StatusNotImplemented, "route search is not configured")
		return
	}
	if !common.IsHexAddress(token) {
		writeError(w, http.StatusBadRequest, "token must be a hex address")
		return
	}
	amount, err := parseAmount(q.Get("amount"), nil)
	if err != nil || amount == nil || amount.Sign() == 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	chainID := h.chainID
	if v := q.Get("chain_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "chain_id must be an unsigned integer")
			return
		}
		chainID = n
	}
	maxHops := 1
	if v := q.Get("max_hops"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxHops = n
		}
	}

	routes, err := h.finder.FindArbitrageRoutes(r.Context(), chainID, common.HexToAddress(token), amount, maxHops)
	if err != nil {
		h.logger.WarnContext(r.Context(), "route search failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if routes == nil {
		routes = []domain.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes, "source": "search"})
}
