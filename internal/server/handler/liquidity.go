package handler

import (
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// LiquiditySource is the liquidity tracker as seen by the API.
type LiquiditySource interface {
	Snapshots(pool common.Address) []domain.LiquiditySnapshot
	Depth(token common.Address) *big.Int
}

// LiquidityHandler serves tracked pool depth.
type LiquidityHandler struct {
	tracker LiquiditySource
}

// NewLiquidityHandler creates a LiquidityHandler.
func NewLiquidityHandler(tracker LiquiditySource) *LiquidityHandler {
	return &LiquidityHandler{tracker: tracker}
}

// PoolHistory returns the rolling snapshot window of one pool.
// GET /api/liquidity/pools/{pool}
func (h *LiquidityHandler) PoolHistory(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("pool")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "pool must be a hex address")
		return
	}
	snaps := h.tracker.Snapshots(common.HexToAddress(raw))
	if len(snaps) == 0 {
		writeError(w, http.StatusNotFound, "pool has no snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// TokenDepth returns the latest aggregate depth of a token.
// GET /api/liquidity/tokens/{token}
func (h *LiquidityHandler) TokenDepth(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("token")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "token must be a hex address")
		return
	}
	depth := h.tracker.Depth(common.HexToAddress(raw))
	if depth == nil {
		depth = new(big.Int)
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": common.HexToAddress(raw), "depth": depth})
}
