package commitreveal

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Simulated exposes a Registry through the same surface as Client, acting as
// a single fixed sender. It backs dry-run deployments without a node.
type Simulated struct {
	reg      *Registry
	contract common.Address
	sender   common.Address
}

// NewSimulated wraps reg as if deployed at contract and called by sender.
func NewSimulated(reg *Registry, contract, sender common.Address) *Simulated {
	return &Simulated{reg: reg, contract: contract, sender: sender}
}

func (s *Simulated) Address() common.Address { return s.contract }
func (s *Simulated) Sender() common.Address  { return s.sender }

// Registry returns the wrapped registry.
func (s *Simulated) Registry() *Registry { return s.reg }

func (s *Simulated) Params(context.Context) (domain.ProtectionParams, error) {
	return s.reg.Params(), nil
}

func (s *Simulated) SubmitCommitment(_ context.Context, hash common.Hash, fee *big.Int) (domain.CommitReceipt, error) {
	c, err := s.reg.SubmitCommitment(s.sender, hash, fee)
	if err != nil {
		return domain.CommitReceipt{}, err
	}
	return domain.CommitReceipt{
		TxHash:    crypto.Keccak256Hash(hash.Bytes(), s.sender.Bytes()),
		Block:     c.Block,
		Timestamp: c.CreatedAt,
	}, nil
}

func (s *Simulated) RevealCall(target common.Address, value *big.Int, data []byte, secret Secret) (domain.Call, error) {
	return revealCall(s.contract, target, value, data, secret)
}

func (s *Simulated) CancelCommitment(_ context.Context, hash common.Hash) error {
	_, err := s.reg.CancelCommitment(s.sender, hash)
	return err
}

// Apply executes a revealAndExecute call built by RevealCall.
func (s *Simulated) Apply(call domain.Call, gasPrice *big.Int) ([]byte, error) {
	args, err := UnpackReveal(call.Data)
	if err != nil {
		return nil, err
	}
	return s.reg.RevealAndExecute(s.sender, args.Target, args.Value, args.Data, args.Secret, gasPrice)
}
