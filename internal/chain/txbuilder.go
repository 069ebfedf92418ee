package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// TxBuilder signs transactions for a single account.
type TxBuilder struct {
	backend Backend
	key     *ecdsa.PrivateKey
	sender  common.Address
	chainID *big.Int
	signer  types.Signer
	gas     GasConfig
	logger  *slog.Logger

	// sendMu serialises Send so nonces are taken in order.
	sendMu sync.Mutex
}

// NewTxBuilder creates a builder for key on chainID.
func NewTxBuilder(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, gas GasConfig, logger *slog.Logger) *TxBuilder {
	return &TxBuilder{
		backend: backend,
		key:     key,
		sender:  crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		gas:     gas,
		logger:  logger.With(slog.String("component", "txbuilder")),
	}
}

// Sender is the account transactions are signed for.
func (b *TxBuilder) Sender() common.Address { return b.sender }

// ChainID is the chain transactions are signed for.
func (b *TxBuilder) ChainID() *big.Int { return new(big.Int).Set(b.chainID) }

// Backend returns the node the builder talks to.
func (b *TxBuilder) Backend() Backend { return b.backend }

// GasConfig returns the gas settings the builder was created with.
func (b *TxBuilder) GasConfig() GasConfig { return b.gas }

// Nonce returns the next pending nonce for the sender.
func (b *TxBuilder) Nonce(ctx context.Context) (uint64, error) {
	n, err := b.backend.PendingNonceAt(ctx, b.sender)
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	return n, nil
}

// GasParams derives current fee parameters.
func (b *TxBuilder) GasParams(ctx context.Context) (GasParams, error) {
	return CalculateGasParams(ctx, b.backend, b.gas, b.logger)
}

// EstimateGas estimates call as sent from the builder's account.
func (b *TxBuilder) EstimateGas(ctx context.Context, call domain.Call) (uint64, error) {
	to := call.To
	return EstimateGas(ctx, b.backend, ethereum.CallMsg{
		From:  b.sender,
		To:    &to,
		Value: call.Value,
		Data:  call.Data,
	}, b.gas)
}

// Sign builds and signs call with the given nonce and fees. call.GasLimit
// must be set.
func (b *TxBuilder) Sign(call domain.Call, nonce uint64, gas GasParams) (*types.Transaction, error) {
	if call.GasLimit == 0 {
		return nil, fmt.Errorf("%w: zero gas limit", domain.ErrSigningFailed)
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To

	var inner types.TxData
	if gas.Legacy {
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gas.GasPrice,
			Gas:      call.GasLimit,
			To:       &to,
			Value:    value,
			Data:     call.Data,
		}
	} else {
		inner = &types.DynamicFeeTx{
			ChainID:   b.chainID,
			Nonce:     nonce,
			GasTipCap: gas.TipCap,
			GasFeeCap: gas.FeeCap,
			Gas:       call.GasLimit,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		}
	}

	tx, err := types.SignTx(types.NewTx(inner), b.signer, b.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return tx, nil
}

// Send signs call with fresh fees and the next nonce, and broadcasts it.
func (b *TxBuilder) Send(ctx context.Context, call domain.Call) (*types.Transaction, error) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if call.GasLimit == 0 {
		gasLimit, err := b.EstimateGas(ctx, call)
		if err != nil {
			return nil, err
		}
		call.GasLimit = gasLimit
	}
	gas, err := b.GasParams(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := b.Nonce(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := b.Sign(call, nonce, gas)
	if err != nil {
		return nil, err
	}
	if err := b.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("chain: send transaction: %w", err)
	}
	b.logger.InfoContext(ctx, "transaction sent",
		slog.String("hash", tx.Hash().Hex()),
		slog.String("to", call.To.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", call.GasLimit),
	)
	return tx, nil
}

// WaitMined polls for the receipt of hash until it appears, ctx ends or
// timeout elapses. A failed receipt is returned with domain.ErrCallReverted.
func WaitMined(ctx context.Context, b Backend, hash common.Hash, poll, timeout time.Duration) (*types.Receipt, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := b.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: tx %s", domain.ErrCallReverted, hash.Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s after %s", domain.ErrMineTimeout, hash.Hex(), timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
