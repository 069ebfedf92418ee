// Package commitreveal implements the commit-reveal protection protocol:
// commitment hashing, an in-process protection contract and a client for the
// deployed one.
package commitreveal

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Secret blinds a commitment so identical payloads hash differently.
type Secret [32]byte

// NewSecret draws a random secret.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("commitreveal: secret: %w", err)
	}
	return s, nil
}

// ComputeCommitment returns keccak256(target ++ uint256(value) ++
// keccak256(data) ++ secret ++ sender), matching abi.encodePacked.
func ComputeCommitment(target common.Address, value *big.Int, data []byte, secret Secret, sender common.Address) common.Hash {
	if value == nil {
		value = new(big.Int)
	}
	return crypto.Keccak256Hash(
		target.Bytes(),
		math.U256Bytes(new(big.Int).Set(value)),
		crypto.Keccak256(data),
		secret[:],
		sender.Bytes(),
	)
}
