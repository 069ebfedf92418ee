package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Quote is an evaluated two-leg trade priced by live venue quotes.
type Quote struct {
	Asset        common.Address
	Intermediate common.Address
	AmountIn     *big.Int
	LegAOut      *big.Int
	FinalAmount  *big.Int
	MinProfitBps int64
	PremiumBps   int64
}

var (
	preflightContract = common.HexToAddress("0x00000000000000000000000000000000000f1a5e")
	preflightOwner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	preflightLender   = common.HexToAddress("0x000000000000000000000000000000000000000d")
	preflightVenueA   = common.HexToAddress("0x000000000000000000000000000000000000000a")
	preflightVenueB   = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

// Preflight runs ExecuteArbitrage against a throwaway contract whose venues
// reproduce q exactly. It returns the profit, or the *RevertError the real
// contract would raise.
func Preflight(q Quote) (*big.Int, error) {
	ledger := NewLedger()
	ledger.Mint(q.Asset, preflightLender, q.AmountIn)
	if q.LegAOut != nil && q.LegAOut.Sign() > 0 {
		ledger.Mint(q.Intermediate, preflightVenueA, q.LegAOut)
	}
	if q.FinalAmount != nil && q.FinalAmount.Sign() > 0 {
		ledger.Mint(q.Asset, preflightVenueB, q.FinalAmount)
	}

	c, err := NewContract(Config{
		Address:      preflightContract,
		Owner:        preflightOwner,
		Lender:       Lender{Addr: preflightLender, PremiumBps: q.PremiumBps},
		MinProfitBps: q.MinProfitBps,
	}, ledger)
	if err != nil {
		return nil, err
	}

	venueA := NewFixedRateVenue(preflightVenueA)
	venueB := NewFixedRateVenue(preflightVenueB)
	if q.AmountIn != nil && q.AmountIn.Sign() > 0 {
		venueA.SetRate(q.Asset, q.Intermediate, orZero(q.LegAOut), q.AmountIn)
	}
	if q.LegAOut != nil && q.LegAOut.Sign() > 0 {
		venueB.SetRate(q.Intermediate, q.Asset, orZero(q.FinalAmount), q.LegAOut)
	}

	if err := c.WhitelistToken(preflightOwner, q.Asset); err != nil {
		return nil, fmt.Errorf("settlement: preflight setup: %w", err)
	}
	for _, v := range []Venue{venueA, venueB} {
		if err := c.ApproveVenue(preflightOwner, v); err != nil {
			return nil, fmt.Errorf("settlement: preflight setup: %w", err)
		}
	}

	return c.ExecuteArbitrage(preflightOwner, q.Asset, q.AmountIn, TradeData{
		VenueA:       preflightVenueA,
		VenueB:       preflightVenueB,
		Intermediate: q.Intermediate,
	})
}
