package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/flashguard/internal/chain"
	"github.com/alanyoungcy/flashguard/internal/domain"
)

// BribePolicy sizes the priority fee paid for bundle inclusion.
type BribePolicy struct {
	// ThreatBumpPct raises the base tip per threat level (low, elevated, high).
	ThreatBumpPct [3]int64
	// EscalationPct compounds on every retry.
	EscalationPct int64
	// FeeShareBps of the escrowed commit fee is spread over the reveal gas.
	FeeShareBps int64
	// MaxTip caps the per-gas priority fee. Nil means uncapped.
	MaxTip *big.Int
	// BaseFeeMultiplier sets the fee cap as base fee times this plus tip.
	BaseFeeMultiplier int64
}

// DefaultBribePolicy returns the standard policy.
func DefaultBribePolicy() BribePolicy {
	return BribePolicy{
		ThreatBumpPct:     [3]int64{0, 25, 50},
		EscalationPct:     15,
		FeeShareBps:       1_000,
		MaxTip:            chain.GweiToWei(100),
		BaseFeeMultiplier: 2,
	}
}

// Tip returns the per-gas priority fee for one attempt. base is the network
// tip (or the legacy gas price), fee the escrowed commit fee and gasLimit the
// reveal's gas limit.
func (p BribePolicy) Tip(base, fee *big.Int, gasLimit uint64, threat domain.ThreatLevel, attempt int) *big.Int {
	tip := new(big.Int)
	if base != nil {
		tip.Set(base)
	}
	lvl := int(threat)
	if lvl < 0 || lvl >= len(p.ThreatBumpPct) {
		lvl = len(p.ThreatBumpPct) - 1
	}
	tip.Mul(tip, big.NewInt(100+p.ThreatBumpPct[lvl]))
	tip.Div(tip, big.NewInt(100))

	for range attempt {
		tip.Mul(tip, big.NewInt(100+p.EscalationPct))
		tip.Div(tip, big.NewInt(100))
	}

	if fee != nil && fee.Sign() > 0 && gasLimit > 0 && p.FeeShareBps > 0 {
		share := new(big.Int).Mul(fee, big.NewInt(p.FeeShareBps))
		share.Div(share, big.NewInt(10_000))
		share.Div(share, new(big.Int).SetUint64(gasLimit))
		tip.Add(tip, share)
	}

	if p.MaxTip != nil && p.MaxTip.Sign() > 0 && tip.Cmp(p.MaxTip) > 0 {
		tip.Set(p.MaxTip)
	}
	return tip
}

// Apply returns gas with tip as the priority fee. On legacy chains the tip
// replaces the gas price outright.
func (p BribePolicy) Apply(gas chain.GasParams, tip *big.Int) chain.GasParams {
	if gas.Legacy {
		return chain.GasParams{Legacy: true, GasPrice: new(big.Int).Set(tip)}
	}
	mult := p.BaseFeeMultiplier
	if mult < 1 {
		mult = 2
	}
	return gas.WithTip(tip, mult)
}

func baseTip(gas chain.GasParams) *big.Int {
	if gas.Legacy {
		return gas.GasPrice
	}
	return gas.TipCap
}

// blockLocks serializes bundle construction per target block in-process and,
// when a LockManager is set, across processes sharing the signing key.
type blockLocks struct {
	mu      sync.Mutex
	held    map[uint64]*blockLock
	cursors map[uint64]uint64
}

type blockLock struct {
	mu   sync.Mutex
	refs int
}

func newBlockLocks() *blockLocks {
	return &blockLocks{
		held:    make(map[uint64]*blockLock),
		cursors: make(map[uint64]uint64),
	}
}

func (b *blockLocks) lock(block uint64) func() {
	b.mu.Lock()
	l, ok := b.held[block]
	if !ok {
		l = &blockLock{}
		b.held[block] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.held, block)
		}
		b.mu.Unlock()
	}
}

// reserve allocates n consecutive nonces for block starting no lower than
// pending. Must be called with the block's lock held. Cursors for blocks
// below block are dropped.
func (b *blockLocks) reserve(block, pending uint64, n int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.cursors {
		if k < block {
			delete(b.cursors, k)
		}
	}
	start := pending
	if cur, ok := b.cursors[block]; ok && cur > start {
		start = cur
	}
	b.cursors[block] = start + uint64(n)
	return start
}

// built is a signed bundle ready for the relay.
type built struct {
	bundle domain.ProtectedBundle
	gas    chain.GasParams
}

// buildBundle assembles the reveal plus decoys for target, shuffles the
// reveal's position and signs everything with consecutive nonces.
func (c *Coordinator) buildBundle(ctx context.Context, reveal domain.Call, fee *big.Int, target uint64, attempt int, maxGas *big.Int) (built, error) {
	threat := domain.ThreatLow
	if c.threat != nil {
		threat = c.threat.ThreatLevel()
	}

	gas, err := c.signer.GasParams(ctx)
	if err != nil {
		return built{}, fmt.Errorf("coordinator: gas params: %w", err)
	}
	tip := c.cfg.Bribe.Tip(baseTip(gas), fee, reveal.GasLimit, threat, attempt)
	realGas := c.cfg.Bribe.Apply(gas, tip)
	if maxGas != nil && maxGas.Sign() > 0 && realGas.EffectivePrice().Cmp(maxGas) > 0 {
		return built{}, fmt.Errorf("%w: fee cap %s above protection max %s",
			domain.ErrGasPriceTooHigh, realGas.EffectivePrice(), maxGas)
	}

	var decoys []domain.Call
	if c.decoys != nil {
		decoys, err = c.decoys.Generate(c.cfg.decoyCount(threat))
		if err != nil {
			return built{}, fmt.Errorf("coordinator: decoys: %w", err)
		}
	}

	calls := make([]domain.Call, 0, len(decoys)+1)
	calls = append(calls, decoys...)
	realIdx := rand.IntN(len(decoys) + 1)
	calls = append(calls, domain.Call{})
	copy(calls[realIdx+1:], calls[realIdx:])
	calls[realIdx] = reveal

	if c.locker != nil {
		unlock, err := c.locker.Acquire(ctx, fmt.Sprintf("bundle:%d", target), c.cfg.LockTTL)
		if err != nil {
			return built{}, fmt.Errorf("coordinator: lock block %d: %w", target, err)
		}
		defer unlock()
	}
	unlock := c.locks.lock(target)
	defer unlock()

	pending, err := c.signer.Nonce(ctx)
	if err != nil {
		return built{}, fmt.Errorf("coordinator: nonce: %w", err)
	}
	nonce := c.locks.reserve(target, pending, len(calls))

	txs := make([]*types.Transaction, 0, len(calls))
	reverting := make([]common.Hash, 0, len(decoys))
	for i, call := range calls {
		params := gas
		if i == realIdx {
			params = realGas
		}
		tx, err := c.signer.Sign(call, nonce+uint64(i), params)
		if err != nil {
			return built{}, fmt.Errorf("coordinator: sign tx %d: %w", i, err)
		}
		txs = append(txs, tx)
		if i != realIdx {
			reverting = append(reverting, tx.Hash())
		}
	}

	bribe := new(big.Int).Mul(tip, new(big.Int).SetUint64(reveal.GasLimit))
	return built{
		bundle: domain.ProtectedBundle{
			Txs:         txs,
			RealIndex:   realIdx,
			TargetBlock: target,
			Bribe:       bribe,
			Reverting:   reverting,
		},
		gas: realGas,
	}, nil
}
