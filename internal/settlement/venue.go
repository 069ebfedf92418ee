package settlement

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoRate is returned when a venue has no rate for the requested pair.
var ErrNoRate = errors.New("settlement: venue has no rate for pair")

// Venue swaps one token for another against its own reserves.
type Venue interface {
	Address() common.Address
	Swap(l *Ledger, trader, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
}

// Rate converts amountIn to amountIn*Num/Den.
type Rate struct {
	Num *big.Int
	Den *big.Int
}

type pair struct{ in, out common.Address }

// FixedRateVenue quotes every pair at a fixed rate. Output is paid from the
// venue's own ledger balance, so a swap fails if reserves run out.
type FixedRateVenue struct {
	addr  common.Address
	rates map[pair]Rate
}

// NewFixedRateVenue creates a venue at addr with no rates.
func NewFixedRateVenue(addr common.Address) *FixedRateVenue {
	return &FixedRateVenue{addr: addr, rates: make(map[pair]Rate)}
}

// SetRate sets the rate for swapping in for out.
func (v *FixedRateVenue) SetRate(in, out common.Address, num, den *big.Int) {
	v.rates[pair{in, out}] = Rate{Num: new(big.Int).Set(num), Den: new(big.Int).Set(den)}
}

func (v *FixedRateVenue) Address() common.Address { return v.addr }

func (v *FixedRateVenue) Quote(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	r, ok := v.rates[pair{tokenIn, tokenOut}]
	if !ok || r.Den.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoRate, tokenIn.Hex(), tokenOut.Hex())
	}
	out := new(big.Int).Mul(amountIn, r.Num)
	return out.Div(out, r.Den), nil
}

func (v *FixedRateVenue) Swap(l *Ledger, trader, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	out, err := v.Quote(tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	if err := l.Transfer(tokenIn, trader, v.addr, amountIn); err != nil {
		return nil, err
	}
	if err := l.Transfer(tokenOut, v.addr, trader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lender provides flash loans from its ledger balance for a premium.
type Lender struct {
	Addr       common.Address
	PremiumBps int64
}

// Premium returns the fee owed on amount.
func (ld Lender) Premium(amount *big.Int) *big.Int {
	p := new(big.Int).Mul(amount, big.NewInt(ld.PremiumBps))
	return p.Div(p, big.NewInt(10_000))
}
