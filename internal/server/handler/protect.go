package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/alanyoungcy/flashguard/internal/coordinator"
	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/server/middleware"
)

// Protector is the coordinator surface the protect endpoints drive.
type Protector interface {
	Protect(ctx context.Context, req coordinator.Request) (domain.Execution, error)
	Cancel(ctx context.Context, requestID string) error
	Status(requestID string) (coordinator.Status, bool)
}

// ExecutionRecorder persists finished protections. *postgres.ExecutionStore
// satisfies it.
type ExecutionRecorder interface {
	Create(ctx context.Context, exec domain.Execution) error
}

// ProtectHandler accepts raw payloads for commit-reveal protection. Requests
// run in the background on a context owned by the handler, so they outlive
// the HTTP request that started them.
type ProtectHandler struct {
	protector  Protector
	recorder   ExecutionRecorder
	defaultFee *big.Int
	maxBlocks  int
	logger     *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	accepted map[string]struct{}
}

// NewProtectHandler creates a ProtectHandler. ctx bounds every background
// protection; recorder may be nil.
func NewProtectHandler(ctx context.Context, protector Protector, recorder ExecutionRecorder, defaultFee *big.Int, maxBlocksToWait int, logger *slog.Logger) *ProtectHandler {
	return &ProtectHandler{
		protector:  protector,
		recorder:   recorder,
		defaultFee: defaultFee,
		maxBlocks:  maxBlocksToWait,
		logger:     logger.With(slog.String("handler", "protect")),
		ctx:        ctx,
		accepted:   make(map[string]struct{}),
	}
}

type protectRequest struct {
	Target          string `json:"target"`
	Value           string `json:"value"`
	Data            string `json:"data"`
	Fee             string `json:"fee"`
	MaxBlocksToWait int    `json:"max_blocks_to_wait"`
	OpportunityID   string `json:"opportunity_id"`
}

func (h *ProtectHandler) parse(r *http.Request) (coordinator.Request, error) {
	var body protectRequest
	if err := decodeJSON(r, &body); err != nil {
		return coordinator.Request{}, err
	}
	if !common.IsHexAddress(body.Target) {
		return coordinator.Request{}, fmt.Errorf("target %q is not a hex address", body.Target)
	}
	data, err := hexutil.Decode(body.Data)
	if err != nil {
		return coordinator.Request{}, fmt.Errorf("data: %v", err)
	}
	value, err := parseAmount(body.Value, new(big.Int))
	if err != nil {
		return coordinator.Request{}, fmt.Errorf("value: %v", err)
	}
	fee, err := parseAmount(body.Fee, h.defaultFee)
	if err != nil {
		return coordinator.Request{}, fmt.Errorf("fee: %v", err)
	}
	maxBlocks := h.maxBlocks
	if body.MaxBlocksToWait > 0 {
		maxBlocks = body.MaxBlocksToWait
	}
	return coordinator.Request{
		ID:              uuid.New().String(),
		OpportunityID:   body.OpportunityID,
		Target:          common.HexToAddress(body.Target),
		Value:           value,
		Data:            data,
		Fee:             fee,
		MaxBlocksToWait: maxBlocks,
	}, nil
}

// Submit starts protecting a payload and returns its request ID.
// POST /api/protect
func (h *ProtectHandler) Submit(w http.ResponseWriter, r *http.Request) {
	req, err := h.parse(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mu.Lock()
	h.accepted[req.ID] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(req)

	h.logger.InfoContext(r.Context(), "protection accepted",
		slog.String("request_id", req.ID),
		slog.String("correlation_id", middleware.CorrelationID(r.Context())),
		slog.String("target", req.Target.Hex()),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": req.ID,
		"status_url": "/api/protect/" + req.ID,
	})
}

func (h *ProtectHandler) run(req coordinator.Request) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.accepted, req.ID)
		h.mu.Unlock()
	}()

	exec, err := h.protector.Protect(h.ctx, req)
	if err != nil {
		h.logger.WarnContext(h.ctx, "protection failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
	if h.recorder != nil && exec.ID != "" {
		if err := h.recorder.Create(context.WithoutCancel(h.ctx), exec); err != nil {
			h.logger.WarnContext(h.ctx, "execution record failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Get reports the state of a protection request.
// GET /api/protect/{id}
func (h *ProtectHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if st, ok := h.protector.Status(id); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}
	h.mu.Lock()
	_, pending := h.accepted[id]
	h.mu.Unlock()
	if pending {
		writeJSON(w, http.StatusOK, coordinator.Status{RequestID: id, State: coordinator.StateIdle})
		return
	}
	writeError(w, http.StatusNotFound, "unknown request "+id)
}

// Cancel aborts a request that has not been revealed yet.
// DELETE /api/protect/{id}
func (h *ProtectHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.protector.Cancel(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": id, "state": string(coordinator.StateCancelled)})
}

// Wait blocks until every background protection has returned.
func (h *ProtectHandler) Wait() {
	h.wg.Wait()
}
