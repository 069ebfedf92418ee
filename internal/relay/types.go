package relay

import (
	"encoding/json"
	"fmt"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type sendBundleParams struct {
	Txs               []string `json:"txs"`
	BlockNumber       string   `json:"blockNumber"`
	RevertingTxHashes []string `json:"revertingTxHashes,omitempty"`
}

type callBundleParams struct {
	Txs              []string `json:"txs"`
	BlockNumber      string   `json:"blockNumber"`
	StateBlockNumber string   `json:"stateBlockNumber"`
}

// SendResult is the relay's answer to eth_sendBundle.
type SendResult struct {
	BundleHash string `json:"bundleHash"`
}

// TxSimulation is the per-transaction part of an eth_callBundle result.
type TxSimulation struct {
	TxHash   string `json:"txHash"`
	GasUsed  int64  `json:"gasUsed"`
	GasPrice string `json:"gasPrice"`
	GasFees  string `json:"gasFees"`
	FromAddr string `json:"fromAddress"`
	ToAddr   string `json:"toAddress"`
	Value    string `json:"value"`
	Error    string `json:"error,omitempty"`
	Revert   string `json:"revert,omitempty"`
}

// SimulationResult is the relay's answer to eth_callBundle.
type SimulationResult struct {
	BundleHash        string         `json:"bundleHash"`
	BundleGasPrice    string         `json:"bundleGasPrice"`
	CoinbaseDiff      string         `json:"coinbaseDiff"`
	EthSentToCoinbase string         `json:"ethSentToCoinbase"`
	GasFees           string         `json:"gasFees"`
	StateBlockNumber  int64          `json:"stateBlockNumber"`
	TotalGasUsed      int64          `json:"totalGasUsed"`
	Results           []TxSimulation `json:"results"`
}

// Reverted reports whether transaction i failed in the simulation, with the
// reason. A missing result counts as a failure.
func (s SimulationResult) Reverted(i int) (string, bool) {
	if i < 0 || i >= len(s.Results) {
		return fmt.Sprintf("no simulation result for tx %d of %d", i, len(s.Results)), true
	}
	r := s.Results[i]
	switch {
	case r.Error == "":
		return "", false
	case r.Revert != "":
		return r.Error + ": " + r.Revert, true
	default:
		return r.Error, true
	}
}
