package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/params"
)

// GasConfig bounds the priority fee and sizes gas limits.
type GasConfig struct {
	PriorityFeeMultiplier float64
	MinPriorityFee        *big.Int
	MaxPriorityFee        *big.Int
	BaseFeeMultiplier     int64
	LegacyMultiplierPct   int64
	GasLimitBufferPct     uint64
	EstimateRetries       int
}

// DefaultGasConfig returns conservative mainnet settings.
func DefaultGasConfig() GasConfig {
	return GasConfig{
		PriorityFeeMultiplier: 1.2,
		MinPriorityFee:        GweiToWei(1),
		MaxPriorityFee:        GweiToWei(50),
		BaseFeeMultiplier:     2,
		LegacyMultiplierPct:   150,
		GasLimitBufferPct:     20,
		EstimateRetries:       3,
	}
}

// GasParams are the fee fields applied to a transaction.
type GasParams struct {
	BaseFee  *big.Int
	TipCap   *big.Int
	FeeCap   *big.Int
	Legacy   bool
	GasPrice *big.Int
}

// EffectivePrice is the most a unit of gas can cost under p.
func (p GasParams) EffectivePrice() *big.Int {
	if p.Legacy {
		return new(big.Int).Set(p.GasPrice)
	}
	return new(big.Int).Set(p.FeeCap)
}

// WithTip returns a copy of p with the priority fee replaced and the fee cap
// recomputed over the same base fee.
func (p GasParams) WithTip(tip *big.Int, baseFeeMultiplier int64) GasParams {
	if p.Legacy {
		return GasParams{Legacy: true, GasPrice: new(big.Int).Add(p.GasPrice, tip)}
	}
	feeCap := new(big.Int).Mul(p.BaseFee, big.NewInt(baseFeeMultiplier))
	feeCap.Add(feeCap, tip)
	return GasParams{BaseFee: p.BaseFee, TipCap: new(big.Int).Set(tip), FeeCap: feeCap}
}

// CalculateGasParams reads the latest header and derives EIP-1559 fees,
// falling back to a bumped legacy gas price on pre-London chains.
func CalculateGasParams(ctx context.Context, b Backend, cfg GasConfig, logger *slog.Logger) (GasParams, error) {
	header, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return GasParams{}, fmt.Errorf("chain: latest header: %w", err)
	}

	if header.BaseFee == nil {
		price, err := b.SuggestGasPrice(ctx)
		if err != nil {
			return GasParams{}, fmt.Errorf("chain: suggest gas price: %w", err)
		}
		price.Mul(price, big.NewInt(cfg.LegacyMultiplierPct))
		price.Div(price, big.NewInt(100))
		return GasParams{Legacy: true, GasPrice: price}, nil
	}

	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		logger.WarnContext(ctx, "tip cap suggestion failed, using minimum",
			slog.String("error", err.Error()),
		)
		tip = new(big.Int).Set(cfg.MinPriorityFee)
	}
	tip.Mul(tip, big.NewInt(int64(math.Round(cfg.PriorityFeeMultiplier*100))))
	tip.Div(tip, big.NewInt(100))
	if cfg.MinPriorityFee != nil && tip.Cmp(cfg.MinPriorityFee) < 0 {
		tip.Set(cfg.MinPriorityFee)
	}
	if cfg.MaxPriorityFee != nil && tip.Cmp(cfg.MaxPriorityFee) > 0 {
		tip.Set(cfg.MaxPriorityFee)
	}

	p := GasParams{BaseFee: new(big.Int).Set(header.BaseFee)}.WithTip(tip, cfg.BaseFeeMultiplier)
	logger.DebugContext(ctx, "gas params",
		slog.String("base_fee_gwei", WeiToGwei(p.BaseFee).Text('f', 2)),
		slog.String("tip_gwei", WeiToGwei(p.TipCap).Text('f', 2)),
		slog.String("fee_cap_gwei", WeiToGwei(p.FeeCap).Text('f', 2)),
	)
	return p, nil
}

// EstimateGas estimates msg with retries and adds the configured buffer.
func EstimateGas(ctx context.Context, b Backend, msg ethereum.CallMsg, cfg GasConfig) (uint64, error) {
	retries := cfg.EstimateRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		gas, err := b.EstimateGas(ctx, msg)
		if err == nil {
			return gas * (100 + cfg.GasLimitBufferPct) / 100, nil
		}
		lastErr = err
		if i < retries-1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(i+1) * 500 * time.Millisecond):
			}
		}
	}
	return 0, fmt.Errorf("chain: estimate gas after %d attempts: %w", retries, lastErr)
}

func WeiToGwei(wei *big.Int) *big.Float {
	if wei == nil {
		return new(big.Float)
	}
	return new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei))
}

func GweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(params.GWei)).Int(nil)
	return wei
}
