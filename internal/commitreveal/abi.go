package commitreveal

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const protectionABI = `[
	{"type":"function","name":"submitCommitment","stateMutability":"payable",
	 "inputs":[{"name":"commitment","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"revealAndExecute","stateMutability":"payable",
	 "inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"secret","type":"bytes32"}],
	 "outputs":[{"name":"result","type":"bytes"}]},
	{"type":"function","name":"executeBundle","stateMutability":"payable",
	 "inputs":[{"name":"targets","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"datas","type":"bytes[]"}],
	 "outputs":[{"name":"results","type":"bytes[]"}]},
	{"type":"function","name":"cancelCommitment","stateMutability":"nonpayable",
	 "inputs":[{"name":"commitment","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"minCommitAge","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"commitRevealWindow","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxGasPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"enforceGasPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"privateMempool","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"relayer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

// ABI is the parsed protection contract interface.
var ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(protectionABI))
	if err != nil {
		panic(fmt.Sprintf("commitreveal: parse abi: %v", err))
	}
	ABI = parsed
}

// RevealArgs are the decoded arguments of a revealAndExecute call.
type RevealArgs struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
	Secret Secret
}

// PackReveal builds revealAndExecute calldata.
func PackReveal(a RevealArgs) ([]byte, error) {
	value := a.Value
	if value == nil {
		value = new(big.Int)
	}
	data, err := ABI.Pack("revealAndExecute", a.Target, value, a.Data, [32]byte(a.Secret))
	if err != nil {
		return nil, fmt.Errorf("commitreveal: pack reveal: %w", err)
	}
	return data, nil
}

// UnpackReveal decodes revealAndExecute calldata, selector included.
func UnpackReveal(calldata []byte) (RevealArgs, error) {
	m := ABI.Methods["revealAndExecute"]
	if len(calldata) < 4 || string(calldata[:4]) != string(m.ID) {
		return RevealArgs{}, fmt.Errorf("commitreveal: not a revealAndExecute call")
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return RevealArgs{}, fmt.Errorf("commitreveal: unpack reveal: %w", err)
	}
	return RevealArgs{
		Target: vals[0].(common.Address),
		Value:  vals[1].(*big.Int),
		Data:   vals[2].([]byte),
		Secret: Secret(vals[3].([32]byte)),
	}, nil
}
