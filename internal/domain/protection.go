package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Commitment binds (target, value, keccak(data), secret, committer) to a hash
// stored on-chain before the payload is revealed. A cancelled commitment is
// kept, marked Used, so its hash cannot be submitted or revealed again.
type Commitment struct {
	Hash      common.Hash    `json:"hash"`
	Committer common.Address `json:"committer"`
	Fee       *big.Int       `json:"fee"`
	Block     uint64         `json:"block"`
	CreatedAt time.Time      `json:"created_at"`
	MinAge    time.Duration  `json:"min_age"`
	MaxAge    time.Duration  `json:"max_age"`
	Used      bool           `json:"used"`
	Cancelled bool           `json:"cancelled"`
}

// RevealableAt is the earliest instant a reveal is accepted.
func (c Commitment) RevealableAt() time.Time { return c.CreatedAt.Add(c.MinAge) }

// ExpiresAt is the last instant a reveal is accepted.
func (c Commitment) ExpiresAt() time.Time { return c.CreatedAt.Add(c.MaxAge) }

// CommitReceipt describes a mined commitment transaction.
type CommitReceipt struct {
	TxHash    common.Hash `json:"tx_hash"`
	Block     uint64      `json:"block"`
	Timestamp time.Time   `json:"timestamp"`
}

// ProtectionParams are the protection contract's current settings.
type ProtectionParams struct {
	MinCommitAge       time.Duration  `json:"min_commit_age"`
	CommitRevealWindow time.Duration  `json:"commit_reveal_window"`
	MaxGasPrice        *big.Int       `json:"max_gas_price"`
	EnforceGasPrice    bool           `json:"enforce_gas_price"`
	PrivateMempool     bool           `json:"private_mempool"`
	Relayer            common.Address `json:"relayer"`
}

// Call is an unsigned contract call.
type Call struct {
	To       common.Address `json:"to"`
	Value    *big.Int       `json:"value"`
	Data     []byte         `json:"data"`
	GasLimit uint64         `json:"gas_limit"`
}

// ProtectedBundle is an ordered group of signed transactions targeted at one
// block. It is built fresh for every submission attempt.
type ProtectedBundle struct {
	Txs         []*types.Transaction
	RealIndex   int
	TargetBlock uint64
	Bribe       *big.Int
	// Reverting lists the decoy hashes the builder may let revert.
	Reverting []common.Hash
}

// RealTx returns the protected execution transaction inside the bundle.
func (b ProtectedBundle) RealTx() *types.Transaction {
	if b.RealIndex < 0 || b.RealIndex >= len(b.Txs) {
		return nil
	}
	return b.Txs[b.RealIndex]
}

// ThreatLevel summarises recent competitor activity.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatElevated
	ThreatHigh
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatElevated:
		return "elevated"
	case ThreatHigh:
		return "high"
	default:
		return "low"
	}
}

// ProtectionOutcome is the terminal result of a protected submission.
type ProtectionOutcome string

const (
	OutcomeIncluded  ProtectionOutcome = "included"
	OutcomeFailed    ProtectionOutcome = "failed"
	OutcomeCancelled ProtectionOutcome = "cancelled"
)

// Execution records one protected submission and its outcome.
type Execution struct {
	ID             string            `json:"id"`
	OpportunityID  string            `json:"opportunity_id"`
	CommitmentHash common.Hash       `json:"commitment_hash"`
	Outcome        ProtectionOutcome `json:"outcome"`
	TargetBlocks   []uint64          `json:"target_blocks"`
	IncludedBlock  uint64            `json:"included_block,omitempty"`
	BundleHashes   []string          `json:"bundle_hashes,omitempty"`
	Bribe          *big.Int          `json:"bribe,omitempty"`
	Fee            *big.Int          `json:"fee,omitempty"`
	FeeRefunded    bool              `json:"fee_refunded"`
	Simulated      bool              `json:"simulated"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at"`
}

// EnforcedMax returns the gas price ceiling reveals must respect, or nil when
// the contract does not enforce one.
func (p ProtectionParams) EnforcedMax() *big.Int {
	if !p.EnforceGasPrice || p.MaxGasPrice == nil || p.MaxGasPrice.Sign() <= 0 {
		return nil
	}
	return p.MaxGasPrice
}
