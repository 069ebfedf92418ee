package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Bridge maps a token on one chain to a token on another.
type Bridge struct {
	Name         string          `json:"name"`
	SourceChain  uint64          `json:"source_chain"`
	TargetChain  uint64          `json:"target_chain"`
	SourceToken  Token           `json:"source_token"`
	TargetToken  Token           `json:"target_token"`
	FeeBps       int64           `json:"fee_bps"`
	FixedFeeUSD  decimal.Decimal `json:"fixed_fee_usd"`
	GasUnitsSrc  uint64          `json:"gas_units_src"`
	GasUnitsDest uint64          `json:"gas_units_dest"`
}

// RouteStep is one stage of a cross-chain route.
type RouteStep struct {
	Action  string `json:"action"`
	ChainID uint64 `json:"chain_id"`
	Detail  string `json:"detail"`
}

// Route is a scored cross-chain candidate.
type Route struct {
	SourceChain     uint64          `json:"source_chain"`
	TargetChain     uint64          `json:"target_chain"`
	Bridge          string          `json:"bridge"`
	SourceToken     common.Address  `json:"source_token"`
	TargetToken     common.Address  `json:"target_token"`
	SourceValueUSD  decimal.Decimal `json:"source_value_usd"`
	TargetValueUSD  decimal.Decimal `json:"target_value_usd"`
	BridgeFeeUSD    decimal.Decimal `json:"bridge_fee_usd"`
	GasCostUSD      decimal.Decimal `json:"gas_cost_usd"`
	EstimatedProfit decimal.Decimal `json:"estimated_profit"`
	Path            []RouteStep     `json:"path"`
}

// LiquiditySnapshot is one observation of a pool's depth.
type LiquiditySnapshot struct {
	Pool      common.Address  `json:"pool"`
	Token     common.Address  `json:"token"`
	Liquidity *big.Int        `json:"liquidity"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Venue     string          `json:"venue"`
	Timestamp time.Time       `json:"timestamp"`
}

// PoolRef identifies a tracked pool and the token whose depth it provides.
type PoolRef struct {
	Pool  common.Address `json:"pool"`
	Token common.Address `json:"token"`
	Venue string         `json:"venue"`
}
