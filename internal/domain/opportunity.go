package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Venue is an exchange router on one chain.
type Venue struct {
	Name   string         `json:"name"`
	Router common.Address `json:"router"`
}

// Token describes an ERC-20 asset on a specific chain.
type Token struct {
	ChainID  uint64         `json:"chain_id"`
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
}

// Opportunity is a candidate trade. It is immutable once scored and is
// consumed exactly once or discarded.
type Opportunity struct {
	ID          string         `json:"id"`
	ChainID     uint64         `json:"chain_id"`
	SourceToken common.Address `json:"source_token"`
	TargetToken common.Address `json:"target_token"`
	AmountIn    *big.Int       `json:"amount_in"`
	VenueA      Venue          `json:"venue_a"`
	VenueB      Venue          `json:"venue_b"`

	// Cross-chain fields; zero for same-chain opportunities.
	TargetChainID uint64 `json:"target_chain_id,omitempty"`
	Bridge        string `json:"bridge,omitempty"`

	EstimatedGross     *big.Int        `json:"estimated_gross,omitempty"`
	EstimatedGasCost   *big.Int        `json:"estimated_gas_cost,omitempty"`
	EstimatedBridgeFee decimal.Decimal `json:"estimated_bridge_fee"`
	DetectedAt         time.Time       `json:"detected_at"`
}

// CrossChain reports whether the opportunity spans two chains.
func (o Opportunity) CrossChain() bool {
	return o.TargetChainID != 0 && o.TargetChainID != o.ChainID
}

// Direction names the leg ordering that produced an evaluation.
type Direction string

const (
	DirectionAB Direction = "a_to_b"
	DirectionBA Direction = "b_to_a"
)

// Evaluation is the result of scoring a same-chain opportunity. A rejected
// evaluation is a normal outcome, not an error.
type Evaluation struct {
	OpportunityID string    `json:"opportunity_id"`
	Direction     Direction `json:"direction"`
	First         Venue     `json:"first"`
	Second        Venue     `json:"second"`
	LegAOut       *big.Int  `json:"leg_a_out"`
	FinalAmount   *big.Int  `json:"final_amount"`
	GrossProfit   *big.Int  `json:"gross_profit"`
	NetProfit     *big.Int  `json:"net_profit"`
	Profitable    bool      `json:"profitable"`
	RejectReason  string    `json:"reject_reason,omitempty"`
}

// OpportunityStatus tracks what happened to a recorded opportunity.
type OpportunityStatus string

const (
	OpportunityDetected  OpportunityStatus = "detected"
	OpportunityRejected  OpportunityStatus = "rejected"
	OpportunityProtected OpportunityStatus = "protected"
	OpportunityFailed    OpportunityStatus = "failed"
)

// OpportunityRecord is the persisted view of an opportunity and its fate.
type OpportunityRecord struct {
	Opportunity  Opportunity       `json:"opportunity"`
	NetProfit    *big.Int          `json:"net_profit,omitempty"`
	Status       OpportunityStatus `json:"status"`
	RejectReason string            `json:"reject_reason,omitempty"`
}
