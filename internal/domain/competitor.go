package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Selector is a 4-byte function selector.
type Selector [4]byte

// PendingTx is one observed pending transaction.
type PendingTx struct {
	Hash      common.Hash    `json:"hash"`
	Sender    common.Address `json:"sender"`
	GasPrice  *big.Int       `json:"gas_price"`
	Selector  Selector       `json:"selector"`
	Timestamp time.Time      `json:"timestamp"`
}

// CompetitorPattern is the behavioural profile of one address.
type CompetitorPattern struct {
	Address     common.Address `json:"address"`
	AvgGasPrice float64        `json:"avg_gas_price"`
	TxCount     uint64         `json:"tx_count"`
	Selectors   []Selector     `json:"selectors"`
	LastSeen    time.Time      `json:"last_seen"`
}

// AnomalyKind names the absolute threshold an address exceeded.
type AnomalyKind string

const (
	AnomalyTxCount           AnomalyKind = "tx_count"
	AnomalyGasPrice          AnomalyKind = "gas_price"
	AnomalySelectorDiversity AnomalyKind = "selector_diversity"
)
