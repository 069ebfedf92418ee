package relay

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Applier executes a call against an in-process contract.
type Applier interface {
	Address() common.Address
	Apply(call domain.Call, gasPrice *big.Int) ([]byte, error)
}

// Local stands in for a builder relay when the protection contract runs
// in-process. Bundles are held per target block, several per block; the
// transaction addressed to the contract is applied when its inclusion is
// checked. A reverting transaction leaves the bundle out, as a builder would.
type Local struct {
	contract Applier
	logger   *slog.Logger

	mu      sync.Mutex
	bundles map[uint64][][]*types.Transaction
}

// NewLocal creates a Local relay over contract.
func NewLocal(contract Applier, logger *slog.Logger) *Local {
	return &Local{
		contract: contract,
		logger:   logger.With(slog.String("component", "local_relay")),
		bundles:  make(map[uint64][][]*types.Transaction),
	}
}

// SendBundle queues txs for targetBlock. Only the contract call is ever
// executed, so revertible hashes need no handling.
func (l *Local) SendBundle(_ context.Context, txs []*types.Transaction, targetBlock uint64, _ ...common.Hash) (SendResult, error) {
	if len(txs) == 0 {
		return SendResult{}, ErrEmptyBundle
	}
	l.mu.Lock()
	l.bundles[targetBlock] = append(l.bundles[targetBlock], txs)
	l.mu.Unlock()
	return SendResult{BundleHash: bundleHash(txs).Hex()}, nil
}

// SimulateBundle reports every transaction as successful; the in-process
// contract has no forked state to run against.
func (l *Local) SimulateBundle(_ context.Context, txs []*types.Transaction, targetBlock uint64) (SimulationResult, error) {
	if len(txs) == 0 {
		return SimulationResult{}, ErrEmptyBundle
	}
	res := SimulationResult{
		BundleHash:       bundleHash(txs).Hex(),
		StateBlockNumber: int64(targetBlock) - 1,
	}
	for _, tx := range txs {
		res.Results = append(res.Results, TxSimulation{TxHash: tx.Hash().Hex(), GasUsed: int64(tx.Gas())})
		res.TotalGasUsed += int64(tx.Gas())
	}
	return res, nil
}

func (l *Local) WaitForInclusion(ctx context.Context, txHash common.Hash, targetBlock uint64) (Inclusion, error) {
	if err := ctx.Err(); err != nil {
		return Inclusion{}, err
	}
	l.mu.Lock()
	txs := l.take(targetBlock, txHash)
	l.mu.Unlock()

	for _, tx := range txs {
		if tx.Hash() != txHash {
			continue
		}
		if tx.To() == nil || *tx.To() != l.contract.Address() {
			return Inclusion{Included: true, Block: targetBlock}, nil
		}
		call := domain.Call{To: *tx.To(), Value: tx.Value(), Data: tx.Data()}
		if _, err := l.contract.Apply(call, tx.GasFeeCap()); err != nil {
			l.logger.InfoContext(ctx, "bundle dropped on revert",
				slog.Uint64("target_block", targetBlock),
				slog.String("tx", txHash.Hex()),
				slog.String("error", err.Error()),
			)
			return Inclusion{}, nil
		}
		return Inclusion{Included: true, Block: targetBlock}, nil
	}
	return Inclusion{}, nil
}

// take removes and returns the bundle for block that carries txHash. Bundles
// for earlier blocks are discarded. l.mu must be held.
func (l *Local) take(block uint64, txHash common.Hash) []*types.Transaction {
	for b := range l.bundles {
		if b < block {
			delete(l.bundles, b)
		}
	}
	queued := l.bundles[block]
	for i, txs := range queued {
		for _, tx := range txs {
			if tx.Hash() != txHash {
				continue
			}
			queued = append(queued[:i:i], queued[i+1:]...)
			if len(queued) == 0 {
				delete(l.bundles, block)
			} else {
				l.bundles[block] = queued
			}
			return txs
		}
	}
	return nil
}

func bundleHash(txs []*types.Transaction) common.Hash {
	hashes := make([]byte, 0, len(txs)*common.HashLength)
	for _, tx := range txs {
		hashes = append(hashes, tx.Hash().Bytes()...)
	}
	return common.BytesToHash(crypto.Keccak256(hashes))
}
