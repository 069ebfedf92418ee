package settlement

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ExecuteArgs are the decoded arguments of an executeArbitrage call.
type ExecuteArgs struct {
	Asset  common.Address
	Amount *big.Int
	Trade  TradeData
}

// UnpackExecuteArbitrage decodes executeArbitrage calldata, selector included.
func UnpackExecuteArbitrage(data []byte) (ExecuteArgs, error) {
	m := ABI.Methods["executeArbitrage"]
	if len(data) < 4 || !bytes.Equal(data[:4], m.ID) {
		return ExecuteArgs{}, fmt.Errorf("settlement: calldata is not executeArbitrage")
	}
	vals, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return ExecuteArgs{}, fmt.Errorf("settlement: unpack executeArbitrage: %w", err)
	}
	td, err := DecodeTradeData(vals[2].([]byte))
	if err != nil {
		return ExecuteArgs{}, err
	}
	return ExecuteArgs{
		Asset:  vals[0].(common.Address),
		Amount: vals[1].(*big.Int),
		Trade:  td,
	}, nil
}

// Execute runs calldata addressed to the contract on behalf of caller and
// returns the ABI-encoded result. Together with Checkpoint it lets the
// contract sit behind an in-process protection registry.
func (c *Contract) Execute(caller, target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if target != c.addr {
		return nil, fmt.Errorf("settlement: call to %s, contract is %s", target.Hex(), c.addr.Hex())
	}
	if value != nil && value.Sign() != 0 {
		return nil, fmt.Errorf("settlement: executeArbitrage is not payable")
	}
	args, err := UnpackExecuteArbitrage(data)
	if err != nil {
		return nil, err
	}
	profit, err := c.ExecuteArbitrage(caller, args.Asset, args.Amount, args.Trade)
	if err != nil {
		return nil, err
	}
	out, err := ABI.Methods["executeArbitrage"].Outputs.Pack(profit)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack profit: %w", err)
	}
	return out, nil
}

// Checkpoint snapshots the ledger; the returned func restores it.
func (c *Contract) Checkpoint() func() {
	c.mu.Lock()
	snap := c.ledger.Snapshot()
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.ledger.Restore(snap)
	}
}
