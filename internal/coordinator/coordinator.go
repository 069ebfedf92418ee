// Package coordinator drives a payload through commit, reveal and bundle
// submission with bounded retries.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/flashguard/internal/chain"
	"github.com/alanyoungcy/flashguard/internal/commitreveal"
	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/metrics"
	"github.com/alanyoungcy/flashguard/internal/relay"
)

// Protection is the protection contract as seen by the coordinator.
type Protection interface {
	Sender() common.Address
	Params(ctx context.Context) (domain.ProtectionParams, error)
	SubmitCommitment(ctx context.Context, hash common.Hash, fee *big.Int) (domain.CommitReceipt, error)
	RevealCall(target common.Address, value *big.Int, data []byte, secret commitreveal.Secret) (domain.Call, error)
	CancelCommitment(ctx context.Context, hash common.Hash) error
}

var (
	_ Protection = (*commitreveal.Client)(nil)
	_ Protection = (*commitreveal.Simulated)(nil)
)

// Relay submits bundles and reports inclusion.
type Relay interface {
	SendBundle(ctx context.Context, txs []*types.Transaction, targetBlock uint64, revertible ...common.Hash) (relay.SendResult, error)
	SimulateBundle(ctx context.Context, txs []*types.Transaction, targetBlock uint64) (relay.SimulationResult, error)
	WaitForInclusion(ctx context.Context, txHash common.Hash, targetBlock uint64) (relay.Inclusion, error)
}

var _ Relay = (*relay.Client)(nil)

// Signer builds and signs transactions for the searcher account.
type Signer interface {
	Sender() common.Address
	Nonce(ctx context.Context) (uint64, error)
	GasParams(ctx context.Context) (chain.GasParams, error)
	EstimateGas(ctx context.Context, call domain.Call) (uint64, error)
	Sign(call domain.Call, nonce uint64, gas chain.GasParams) (*types.Transaction, error)
}

var _ Signer = (*chain.TxBuilder)(nil)

// HeadReader reports the current block number.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DecoySource produces decoy calls.
type DecoySource interface {
	Generate(n int) ([]domain.Call, error)
}

// ThreatSource reports current competitor pressure.
type ThreatSource interface {
	ThreatLevel() domain.ThreatLevel
}

// ModeSource reports the current execution mode.
type ModeSource interface {
	Current() domain.ExecutionMode
}

// Config controls the protection pipeline.
type Config struct {
	CommitDelayBlocks uint64
	MaxBlocksToTry    int
	// DecoysByThreat is the decoy count per threat level (low, elevated, high).
	DecoysByThreat  [3]int
	RevealGasLimit  uint64
	Bribe           BribePolicy
	LockTTL         time.Duration
	CancelTimeout   time.Duration
	RetainFinished  time.Duration
	MinAgePollLimit time.Duration
	// HeadPollInterval paces the head checks made after a failed submission.
	HeadPollInterval time.Duration
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		CommitDelayBlocks: 1,
		MaxBlocksToTry:    3,
		DecoysByThreat:    [3]int{1, 3, 5},
		RevealGasLimit:    600_000,
		Bribe:             DefaultBribePolicy(),
		LockTTL:           10 * time.Second,
		CancelTimeout:     2 * time.Minute,
		RetainFinished:    10 * time.Minute,
		MinAgePollLimit:   time.Second,
		HeadPollInterval:  500 * time.Millisecond,
	}
}

func (c Config) decoyCount(t domain.ThreatLevel) int {
	i := int(t)
	if i < 0 || i >= len(c.DecoysByThreat) {
		i = len(c.DecoysByThreat) - 1
	}
	return c.DecoysByThreat[i]
}

// Request is one payload to protect.
type Request struct {
	ID              string
	OpportunityID   string
	Target          common.Address
	Value           *big.Int
	Data            []byte
	Fee             *big.Int
	MaxBlocksToWait int
}

// Deps are the coordinator's collaborators. Decoys, Threat, Mode, Locker,
// Publisher and Metrics may be nil.
type Deps struct {
	Protection Protection
	Relay      Relay
	Signer     Signer
	Head       HeadReader
	Decoys     DecoySource
	Threat     ThreatSource
	Mode       ModeSource
	Locker     domain.LockManager
	Publisher  domain.EventPublisher
	Metrics    *metrics.Collector
}

// Coordinator runs protection requests. Each Protect call runs on the
// caller's goroutine; the coordinator is safe for concurrent use.
type Coordinator struct {
	cfg        Config
	protection Protection
	relay      Relay
	signer     Signer
	head       HeadReader
	decoys     DecoySource
	threat     ThreatSource
	mode       ModeSource
	locker     domain.LockManager
	publisher  domain.EventPublisher
	metrics    *metrics.Collector
	logger     *slog.Logger

	flights *flights
	locks   *blockLocks
	now     func() time.Time
}

// New creates a Coordinator.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Coordinator, error) {
	if deps.Protection == nil || deps.Relay == nil || deps.Signer == nil || deps.Head == nil {
		return nil, errors.New("coordinator: protection, relay, signer and head reader are required")
	}
	if deps.Protection.Sender() != deps.Signer.Sender() {
		return nil, fmt.Errorf("coordinator: protection sender %s differs from signer %s",
			deps.Protection.Sender().Hex(), deps.Signer.Sender().Hex())
	}
	if cfg.MaxBlocksToTry < 0 {
		return nil, fmt.Errorf("coordinator: negative max blocks to try %d", cfg.MaxBlocksToTry)
	}
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = def.RetainFinished
	}
	if cfg.MinAgePollLimit <= 0 {
		cfg.MinAgePollLimit = def.MinAgePollLimit
	}
	if cfg.HeadPollInterval <= 0 {
		cfg.HeadPollInterval = def.HeadPollInterval
	}
	return &Coordinator{
		cfg:        cfg,
		protection: deps.Protection,
		relay:      deps.Relay,
		signer:     deps.Signer,
		head:       deps.Head,
		decoys:     deps.Decoys,
		threat:     deps.Threat,
		mode:       deps.Mode,
		locker:     deps.Locker,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     logger.With(slog.String("component", "coordinator")),
		flights:    newFlights(cfg.RetainFinished),
		locks:      newBlockLocks(),
		now:        time.Now,
	}, nil
}

func (c *Coordinator) currentMode() domain.ExecutionMode {
	if c.mode == nil {
		return domain.ModeLive
	}
	return c.mode.Current()
}

// Protect commits to req, waits out the minimum commit age and submits the
// reveal inside a bundle for up to MaxBlocksToTry+1 consecutive blocks.
// The returned Execution is populated even when err is non-nil.
func (c *Coordinator) Protect(ctx context.Context, req Request) (domain.Execution, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	exec := domain.Execution{
		ID:            req.ID,
		OpportunityID: req.OpportunityID,
		Fee:           req.Fee,
		StartedAt:     c.now().UTC(),
	}
	if c.currentMode() == domain.ModePaused {
		return c.finishEarly(ctx, exec, domain.ErrPaused)
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	f := newFlight(req.ID, abort)
	if err := c.flights.start(req.ID, f); err != nil {
		return exec, err
	}
	defer c.flights.done(req.ID)

	exec, err := c.run(runCtx, f, req, exec)
	f.finish(err)
	return exec, err
}

func (c *Coordinator) finishEarly(ctx context.Context, exec domain.Execution, err error) (domain.Execution, error) {
	exec.Outcome = domain.OutcomeFailed
	exec.Error = err.Error()
	exec.CompletedAt = c.now().UTC()
	c.logger.WarnContext(ctx, "protection rejected",
		slog.String("request_id", exec.ID),
		slog.String("error", err.Error()),
	)
	return exec, err
}

func (c *Coordinator) run(ctx context.Context, f *flight, req Request, exec domain.Execution) (domain.Execution, error) {
	log := c.logger.With(
		slog.String("request_id", req.ID),
		slog.String("target", req.Target.Hex()),
	)

	params, err := c.protection.Params(ctx)
	if err != nil {
		return c.fail(ctx, log, f, exec, common.Hash{}, false, fmt.Errorf("coordinator: protection params: %w", err))
	}

	// Idle -> Committed
	secret, err := commitreveal.NewSecret()
	if err != nil {
		return c.fail(ctx, log, f, exec, common.Hash{}, false, err)
	}
	hash := commitreveal.ComputeCommitment(req.Target, req.Value, req.Data, secret, c.protection.Sender())
	exec.CommitmentHash = hash
	f.setHash(hash)

	receipt, err := c.protection.SubmitCommitment(ctx, hash, req.Fee)
	if err != nil {
		return c.fail(ctx, log, f, exec, hash, f.isCancelled(), fmt.Errorf("coordinator: commit: %w", err))
	}
	if err := f.advance(StateCommitted, 0, 0); err != nil {
		return c.fail(ctx, log, f, exec, hash, true, err)
	}
	c.publish(ctx, domain.EventCommitmentSubmitted, req.ID, map[string]any{
		"hash":  hash.Hex(),
		"block": receipt.Block,
		"fee":   bigString(req.Fee),
	})
	log.InfoContext(ctx, "commitment mined",
		slog.String("hash", hash.Hex()),
		slog.Uint64("block", receipt.Block),
	)

	// Committed -> WaitingMinAge
	if err := f.advance(StateWaitingMinAge, 0, 0); err != nil {
		return c.fail(ctx, log, f, exec, hash, true, err)
	}
	revealAt := receipt.Timestamp.Add(params.MinCommitAge)
	expiresAt := receipt.Timestamp.Add(params.CommitRevealWindow)
	if err := c.waitUntil(ctx, revealAt); err != nil {
		return c.fail(ctx, log, f, exec, hash, true, err)
	}

	reveal, err := c.protection.RevealCall(req.Target, req.Value, req.Data, secret)
	if err != nil {
		return c.fail(ctx, log, f, exec, hash, true, err)
	}
	reveal.GasLimit, err = c.signer.EstimateGas(ctx, reveal)
	if err != nil {
		if c.cfg.RevealGasLimit == 0 || ctx.Err() != nil {
			return c.fail(ctx, log, f, exec, hash, true, fmt.Errorf("coordinator: estimate reveal: %w", err))
		}
		log.WarnContext(ctx, "reveal gas estimate failed, using fallback",
			slog.Uint64("gas_limit", c.cfg.RevealGasLimit),
			slog.String("error", err.Error()),
		)
		reveal.GasLimit = c.cfg.RevealGasLimit
	}

	head, err := c.head.BlockNumber(ctx)
	if err != nil {
		return c.fail(ctx, log, f, exec, hash, true, fmt.Errorf("coordinator: head: %w", err))
	}
	first := head + c.cfg.CommitDelayBlocks
	maxTry := c.cfg.MaxBlocksToTry
	if req.MaxBlocksToWait > 0 {
		maxTry = req.MaxBlocksToWait
	}

	var lastErr error
	for attempt := 0; attempt <= maxTry; attempt++ {
		target := first + uint64(attempt)
		if c.now().After(expiresAt) {
			return c.fail(ctx, log, f, exec, hash, true,
				fmt.Errorf("%w: window closed at %s", domain.ErrCommitmentExpired, expiresAt.Format(time.RFC3339)))
		}
		mode := c.currentMode()
		if mode == domain.ModePaused {
			return c.fail(ctx, log, f, exec, hash, true, domain.ErrPaused)
		}

		// WaitingMinAge/Retry -> BundleBuilt
		b, err := c.buildBundle(ctx, reveal, req.Fee, target, attempt, params.EnforcedMax())
		if err != nil {
			return c.fail(ctx, log, f, exec, hash, true, err)
		}
		if err := f.advance(StateBundleBuilt, attempt, target); err != nil {
			return c.fail(ctx, log, f, exec, hash, true, err)
		}
		exec.Bribe = b.bundle.Bribe
		exec.TargetBlocks = append(exec.TargetBlocks, target)

		if mode == domain.ModeSimulate {
			return c.simulate(ctx, log, f, exec, hash, b.bundle)
		}

		// BundleBuilt -> Submitted
		if err := f.advance(StateSubmitted, attempt, target); err != nil {
			return c.fail(ctx, log, f, exec, hash, true, err)
		}
		res, err := c.relay.SendBundle(ctx, b.bundle.Txs, target, b.bundle.Reverting...)
		if err != nil {
			log.WarnContext(ctx, "bundle submission failed",
				slog.Uint64("target_block", target),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				return c.fail(ctx, log, f, exec, hash, true, ctx.Err())
			}
			lastErr = err
			// The next target is only reachable once this one is mined.
			if attempt < maxTry {
				if err := c.waitForHead(ctx, target, expiresAt); err != nil {
					return c.fail(ctx, log, f, exec, hash, true, err)
				}
			}
			continue
		}
		exec.BundleHashes = append(exec.BundleHashes, res.BundleHash)
		c.publish(ctx, domain.EventBundleSubmitted, req.ID, map[string]any{
			"bundle_hash":  res.BundleHash,
			"target_block": target,
			"attempt":      attempt,
			"txs":          len(b.bundle.Txs),
			"bribe":        b.bundle.Bribe.String(),
		})

		inc, err := c.relay.WaitForInclusion(ctx, b.bundle.RealTx().Hash(), target)
		if err != nil {
			return c.fail(ctx, log, f, exec, hash, true, fmt.Errorf("coordinator: inclusion: %w", err))
		}
		if inc.Included {
			return c.succeed(ctx, log, f, exec, hash, inc.Block)
		}
		c.publish(ctx, domain.EventBundleMissed, req.ID, map[string]any{
			"target_block": target,
			"attempt":      attempt,
		})
		log.InfoContext(ctx, "bundle missed target block",
			slog.Uint64("target_block", target),
			slog.Int("attempt", attempt),
		)
	}

	if lastErr != nil {
		return c.fail(ctx, log, f, exec, hash, true,
			fmt.Errorf("%w: %d blocks from %d: last relay error: %w", domain.ErrInclusionExhausted, maxTry+1, first, lastErr))
	}
	return c.fail(ctx, log, f, exec, hash, true,
		fmt.Errorf("%w: %d blocks from %d", domain.ErrInclusionExhausted, maxTry+1, first))
}

func (c *Coordinator) simulate(ctx context.Context, log *slog.Logger, f *flight, exec domain.Execution, hash common.Hash, b domain.ProtectedBundle) (domain.Execution, error) {
	exec.Simulated = true
	sim, err := c.relay.SimulateBundle(ctx, b.Txs, b.TargetBlock)
	if err != nil {
		return c.fail(ctx, log, f, exec, hash, true, fmt.Errorf("coordinator: simulate: %w", err))
	}
	exec.BundleHashes = append(exec.BundleHashes, sim.BundleHash)
	if reason, reverted := sim.Reverted(b.RealIndex); reverted {
		return c.fail(ctx, log, f, exec, hash, true, fmt.Errorf("%w: %s", domain.ErrCallReverted, reason))
	}

	// The reveal was never broadcast, so the commitment is released.
	exec.FeeRefunded = c.cancelCommitment(ctx, log, hash)
	_ = f.advance(StateIncluded, f.snapshot().Attempt, 0)
	exec.Outcome = domain.OutcomeIncluded
	exec.CompletedAt = c.now().UTC()
	c.metrics.ProtectionFinished("simulated", exec.CompletedAt.Sub(exec.StartedAt))
	log.InfoContext(ctx, "bundle simulated",
		slog.String("bundle_hash", sim.BundleHash),
		slog.Int64("gas_used", sim.TotalGasUsed),
	)
	return exec, nil
}

func (c *Coordinator) succeed(ctx context.Context, log *slog.Logger, f *flight, exec domain.Execution, hash common.Hash, block uint64) (domain.Execution, error) {
	_ = f.advance(StateIncluded, f.snapshot().Attempt, 0)
	exec.Outcome = domain.OutcomeIncluded
	exec.IncludedBlock = block
	exec.CompletedAt = c.now().UTC()
	c.metrics.ProtectionFinished(string(domain.OutcomeIncluded), exec.CompletedAt.Sub(exec.StartedAt))
	c.publish(ctx, domain.EventBundleIncluded, exec.ID, map[string]any{
		"hash":  hash.Hex(),
		"block": block,
		"bribe": bigString(exec.Bribe),
	})
	log.InfoContext(ctx, "bundle included",
		slog.Uint64("block", block),
		slog.Int("attempts", len(exec.TargetBlocks)),
	)
	return exec, nil
}

// fail records a terminal failure. When committed is set the commitment is
// cancelled so its escrowed fee is refunded.
func (c *Coordinator) fail(ctx context.Context, log *slog.Logger, f *flight, exec domain.Execution, hash common.Hash, committed bool, cause error) (domain.Execution, error) {
	ctx = context.WithoutCancel(ctx)
	state, outcome := StateFailed, domain.OutcomeFailed
	if f.isCancelled() {
		state, outcome = StateCancelled, domain.OutcomeCancelled
		cause = fmt.Errorf("%w: %v", domain.ErrCancelled, cause)
	}
	if committed && hash != (common.Hash{}) {
		exec.FeeRefunded = c.cancelCommitment(ctx, log, hash)
	}
	_ = f.advance(state, f.snapshot().Attempt, 0)

	exec.Outcome = outcome
	exec.Error = cause.Error()
	exec.CompletedAt = c.now().UTC()
	c.metrics.ProtectionFinished(string(outcome), exec.CompletedAt.Sub(exec.StartedAt))

	evt := domain.EventProtectionFailed
	if outcome == domain.OutcomeCancelled {
		evt = domain.EventCommitmentCancelled
	}
	c.publish(ctx, evt, exec.ID, map[string]any{
		"hash":         hash.Hex(),
		"error":        cause.Error(),
		"fee_refunded": exec.FeeRefunded,
		"attempts":     len(exec.TargetBlocks),
	})
	if domain.IsEconomicRejection(cause) {
		log.InfoContext(ctx, "protection rejected", slog.String("error", cause.Error()))
	} else {
		log.WarnContext(ctx, "protection failed",
			slog.String("outcome", string(outcome)),
			slog.String("error", cause.Error()),
		)
	}
	return exec, cause
}

// cancelCommitment releases an unused commitment. It runs detached from the
// request context so a cancelled request still gets its fee back.
func (c *Coordinator) cancelCommitment(ctx context.Context, log *slog.Logger, hash common.Hash) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CancelTimeout)
	defer cancel()
	if err := c.protection.CancelCommitment(cctx, hash); err != nil {
		log.WarnContext(ctx, "commitment cancel failed",
			slog.String("hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// waitForHead blocks until the chain head reaches block or the commitment
// window closes. Head read errors are retried.
func (c *Coordinator) waitForHead(ctx context.Context, block uint64, deadline time.Time) error {
	t := time.NewTicker(c.cfg.HeadPollInterval)
	defer t.Stop()
	for {
		if n, err := c.head.BlockNumber(ctx); err == nil && n >= block {
			return nil
		}
		if c.now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Coordinator) waitUntil(ctx context.Context, at time.Time) error {
	for {
		d := at.Sub(c.now())
		if d <= 0 {
			return nil
		}
		if d > c.cfg.MinAgePollLimit {
			d = c.cfg.MinAgePollLimit
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Cancel aborts a request that has not submitted a bundle yet and waits for
// its commitment to be cancelled on-chain. Once a bundle was submitted it
// returns domain.ErrAlreadyRevealed.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) error {
	f, ok := c.flights.get(requestID)
	if !ok {
		return fmt.Errorf("coordinator: request %s: %w", requestID, domain.ErrNotFound)
	}
	if err := f.requestCancel(); err != nil {
		return err
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.InfoContext(ctx, "request cancelled", slog.String("request_id", requestID))
	return nil
}

// Status returns the current state of a running or recently finished request.
func (c *Coordinator) Status(requestID string) (Status, bool) {
	f, ok := c.flights.get(requestID)
	if !ok {
		return Status{}, false
	}
	return f.snapshot(), true
}

// Active returns the number of requests still running.
func (c *Coordinator) Active() int {
	return c.flights.active()
}

func (c *Coordinator) publish(ctx context.Context, t domain.EventType, requestID string, fields map[string]any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, domain.NewEvent(t, requestID, fields)); err != nil {
		c.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(t)),
			slog.String("error", err.Error()),
		)
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
