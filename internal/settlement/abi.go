package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const contractABI = `[
	{"type":"function","name":"executeArbitrage","stateMutability":"nonpayable",
	 "inputs":[{"name":"loanAsset","type":"address"},{"name":"loanAmount","type":"uint256"},{"name":"tradeData","type":"bytes"}],
	 "outputs":[{"name":"profit","type":"uint256"}]},
	{"type":"function","name":"setMinProfitBps","stateMutability":"nonpayable",
	 "inputs":[{"name":"bps","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"whitelistToken","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"}],"outputs":[]},
	{"type":"function","name":"blacklistToken","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"}],"outputs":[]},
	{"type":"function","name":"withdrawToken","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var (
	// ABI is the parsed settlement contract interface.
	ABI abi.ABI

	tradeDataArgs abi.Arguments
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic(fmt.Sprintf("settlement: parse abi: %v", err))
	}
	ABI = parsed

	addr, _ := abi.NewType("address", "", nil)
	u256, _ := abi.NewType("uint256", "", nil)
	tradeDataArgs = abi.Arguments{
		{Name: "venueA", Type: addr},
		{Name: "venueB", Type: addr},
		{Name: "intermediate", Type: addr},
		{Name: "minOutA", Type: u256},
		{Name: "minOutB", Type: u256},
	}
}

// EncodeTradeData ABI-encodes td as the contract's tradeData argument.
func EncodeTradeData(td TradeData) ([]byte, error) {
	b, err := tradeDataArgs.Pack(td.VenueA, td.VenueB, td.Intermediate, orZero(td.MinOutA), orZero(td.MinOutB))
	if err != nil {
		return nil, fmt.Errorf("settlement: encode trade data: %w", err)
	}
	return b, nil
}

// DecodeTradeData reverses EncodeTradeData.
func DecodeTradeData(b []byte) (TradeData, error) {
	vals, err := tradeDataArgs.Unpack(b)
	if err != nil {
		return TradeData{}, fmt.Errorf("settlement: decode trade data: %w", err)
	}
	return TradeData{
		VenueA:       vals[0].(common.Address),
		VenueB:       vals[1].(common.Address),
		Intermediate: vals[2].(common.Address),
		MinOutA:      vals[3].(*big.Int),
		MinOutB:      vals[4].(*big.Int),
	}, nil
}

// PackExecuteArbitrage builds calldata for executeArbitrage.
func PackExecuteArbitrage(asset common.Address, amount *big.Int, td TradeData) ([]byte, error) {
	encoded, err := EncodeTradeData(td)
	if err != nil {
		return nil, err
	}
	data, err := ABI.Pack("executeArbitrage", asset, amount, encoded)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack executeArbitrage: %w", err)
	}
	return data, nil
}

// UnpackProfit decodes the executeArbitrage return value.
func UnpackProfit(out []byte) (*big.Int, error) {
	vals, err := ABI.Unpack("executeArbitrage", out)
	if err != nil {
		return nil, fmt.Errorf("settlement: unpack profit: %w", err)
	}
	return vals[0].(*big.Int), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
