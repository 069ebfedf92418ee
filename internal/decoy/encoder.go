package decoy

import (
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Encoder produces ABI-shaped parameter bytes for a decoy call.
type Encoder interface {
	Name() string
	Encode(r *rand.Rand) ([]byte, error)
}

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
)

// argsEncoder packs random values for a fixed argument list.
type argsEncoder struct {
	name string
	args abi.Arguments
}

func (e argsEncoder) Name() string { return e.name }

func (e argsEncoder) Encode(r *rand.Rand) ([]byte, error) {
	values := make([]any, len(e.args))
	for i, arg := range e.args {
		switch arg.Type.T {
		case abi.UintTy:
			values[i] = randomUint(r)
		case abi.AddressTy:
			values[i] = randomAddress(r)
		default:
			return nil, fmt.Errorf("decoy: encoder %s: unsupported type %s", e.name, arg.Type.String())
		}
	}
	data, err := e.args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("decoy: encoder %s: %w", e.name, err)
	}
	return data, nil
}

// Uint256Encoder encodes a single integer argument.
func Uint256Encoder() Encoder {
	return argsEncoder{name: "uint256", args: abi.Arguments{{Type: uint256Type}}}
}

// AddressEncoder encodes a single address argument.
func AddressEncoder() Encoder {
	return argsEncoder{name: "address", args: abi.Arguments{{Type: addressType}}}
}

// Uint256PairEncoder encodes two integer arguments.
func Uint256PairEncoder() Encoder {
	return argsEncoder{name: "uint256_pair", args: abi.Arguments{{Type: uint256Type}, {Type: uint256Type}}}
}

// randomUint returns amounts in a token-like range, up to 1e24.
func randomUint(r *rand.Rand) *big.Int {
	v := new(big.Int).SetUint64(r.Uint64())
	return v.Mul(v, big.NewInt(int64(r.Intn(1_000_000)+1)))
}

func randomAddress(r *rand.Rand) common.Address {
	var a common.Address
	r.Read(a[:])
	return a
}
