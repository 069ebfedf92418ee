// Package route scores same-chain and cross-chain arbitrage candidates and
// tracks the pool liquidity trades are sized against.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Quoter returns the expected output of swapping amountIn along path on venue.
type Quoter interface {
	Quote(ctx context.Context, venue domain.Venue, amountIn *big.Int, path []common.Address) (*big.Int, error)
}

// PriceOracle returns the USD price of one whole token.
type PriceOracle interface {
	PriceUSD(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error)
}

// GasPricer converts gas units on a chain into USD.
type GasPricer interface {
	GasCostUSD(ctx context.Context, chainID uint64, gasUnits uint64) (decimal.Decimal, error)
}

// Evaluator scores opportunities. It holds no mutable state.
type Evaluator struct {
	quoter  Quoter
	oracle  PriceOracle
	gas     GasPricer
	bridges []domain.Bridge
	logger  *slog.Logger
}

// NewEvaluator creates an Evaluator. oracle and gas are only needed for
// cross-chain search.
func NewEvaluator(quoter Quoter, oracle PriceOracle, gas GasPricer, bridges []domain.Bridge, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		quoter:  quoter,
		oracle:  oracle,
		gas:     gas,
		bridges: bridges,
		logger:  logger.With(slog.String("component", "route_evaluator")),
	}
}

type legQuote struct {
	dir    domain.Direction
	first  domain.Venue
	second domain.Venue
	mid    *big.Int
	final  *big.Int
}

// EvaluateSameChain quotes the round trip through both venue orderings and
// keeps the better one. An unprofitable result is a rejected Evaluation, not
// an error; an error means neither direction could be quoted.
func (e *Evaluator) EvaluateSameChain(ctx context.Context, opp domain.Opportunity) (domain.Evaluation, error) {
	if opp.AmountIn == nil || opp.AmountIn.Sign() <= 0 {
		return domain.Evaluation{}, fmt.Errorf("route: opportunity %s: zero amount", opp.ID)
	}

	var (
		best    *legQuote
		lastErr error
	)
	for _, dir := range []domain.Direction{domain.DirectionAB, domain.DirectionBA} {
		q, err := e.roundTrip(ctx, opp, dir)
		if err != nil {
			lastErr = err
			e.logger.DebugContext(ctx, "direction not quotable",
				slog.String("opportunity", opp.ID),
				slog.String("direction", string(dir)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if best == nil || q.final.Cmp(best.final) > 0 {
			best = q
		}
	}
	if best == nil {
		return domain.Evaluation{}, fmt.Errorf("route: opportunity %s: %w", opp.ID, lastErr)
	}

	gross := new(big.Int).Sub(best.final, opp.AmountIn)
	net := new(big.Int).Set(gross)
	if opp.EstimatedGasCost != nil {
		net.Sub(net, opp.EstimatedGasCost)
	}

	ev := domain.Evaluation{
		OpportunityID: opp.ID,
		Direction:     best.dir,
		First:         best.first,
		Second:        best.second,
		LegAOut:       best.mid,
		FinalAmount:   best.final,
		GrossProfit:   gross,
		NetProfit:     net,
		Profitable:    net.Sign() > 0,
	}
	if !ev.Profitable {
		ev.RejectReason = domain.ErrUnprofitable.Error()
	}
	return ev, nil
}

func (e *Evaluator) roundTrip(ctx context.Context, opp domain.Opportunity, dir domain.Direction) (*legQuote, error) {
	first, second := opp.VenueA, opp.VenueB
	if dir == domain.DirectionBA {
		first, second = second, first
	}
	mid, err := e.quoter.Quote(ctx, first, opp.AmountIn, []common.Address{opp.SourceToken, opp.TargetToken})
	if err != nil {
		return nil, fmt.Errorf("quote %s leg 1: %w", first.Name, err)
	}
	if mid.Sign() == 0 {
		return nil, fmt.Errorf("quote %s leg 1: zero output", first.Name)
	}
	final, err := e.quoter.Quote(ctx, second, mid, []common.Address{opp.TargetToken, opp.SourceToken})
	if err != nil {
		return nil, fmt.Errorf("quote %s leg 2: %w", second.Name, err)
	}
	return &legQuote{dir: dir, first: first, second: second, mid: mid, final: final}, nil
}

var bpsDivisor = decimal.NewFromInt(10_000)

// FindArbitrageRoutes scores one candidate per configured bridge that carries
// sourceToken off chainID. Only routes with strictly positive profit after
// bridge fees and gas on both chains are returned, best first. Routes are a
// single bridge hop, so maxHops below one yields nothing.
func (e *Evaluator) FindArbitrageRoutes(ctx context.Context, chainID uint64, sourceToken common.Address, amount *big.Int, maxHops int) ([]domain.Route, error) {
	if maxHops < 1 {
		return nil, nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("route: zero amount")
	}
	if e.oracle == nil || e.gas == nil {
		return nil, errors.New("route: cross-chain search needs a price oracle and gas pricer")
	}

	var routes []domain.Route
	for _, b := range e.bridges {
		if b.SourceChain != chainID || b.SourceToken.Address != sourceToken {
			continue
		}
		r, err := e.score(ctx, b, amount)
		if err != nil {
			e.logger.WarnContext(ctx, "route not scored",
				slog.String("bridge", b.Name),
				slog.Uint64("target_chain", b.TargetChain),
				slog.String("error", err.Error()),
			)
			continue
		}
		if r.EstimatedProfit.IsPositive() {
			routes = append(routes, r)
		}
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].EstimatedProfit.GreaterThan(routes[j].EstimatedProfit)
	})
	return routes, nil
}

func (e *Evaluator) score(ctx context.Context, b domain.Bridge, amount *big.Int) (domain.Route, error) {
	srcPrice, err := e.oracle.PriceUSD(ctx, b.SourceChain, b.SourceToken.Address)
	if err != nil {
		return domain.Route{}, fmt.Errorf("source price: %w", err)
	}
	dstPrice, err := e.oracle.PriceUSD(ctx, b.TargetChain, b.TargetToken.Address)
	if err != nil {
		return domain.Route{}, fmt.Errorf("target price: %w", err)
	}
	srcGas, err := e.gas.GasCostUSD(ctx, b.SourceChain, b.GasUnitsSrc)
	if err != nil {
		return domain.Route{}, fmt.Errorf("source gas: %w", err)
	}
	dstGas, err := e.gas.GasCostUSD(ctx, b.TargetChain, b.GasUnitsDest)
	if err != nil {
		return domain.Route{}, fmt.Errorf("target gas: %w", err)
	}

	units := decimal.NewFromBigInt(amount, -b.SourceToken.Decimals)
	srcValue := units.Mul(srcPrice)
	dstValue := units.Mul(dstPrice)
	fee := b.FixedFeeUSD.Add(srcValue.Mul(decimal.NewFromInt(b.FeeBps)).Div(bpsDivisor))
	gas := srcGas.Add(dstGas)
	profit := dstValue.Sub(srcValue).Sub(fee).Sub(gas)

	return domain.Route{
		SourceChain:     b.SourceChain,
		TargetChain:     b.TargetChain,
		Bridge:          b.Name,
		SourceToken:     b.SourceToken.Address,
		TargetToken:     b.TargetToken.Address,
		SourceValueUSD:  srcValue,
		TargetValueUSD:  dstValue,
		BridgeFeeUSD:    fee,
		GasCostUSD:      gas,
		EstimatedProfit: profit,
		Path: []domain.RouteStep{
			{Action: "initiate", ChainID: b.SourceChain, Detail: fmt.Sprintf("deposit %s %s into %s", units.String(), b.SourceToken.Symbol, b.Name)},
			{Action: "bridge", ChainID: b.SourceChain, Detail: fmt.Sprintf("%s %d -> %d", b.Name, b.SourceChain, b.TargetChain)},
			{Action: "complete", ChainID: b.TargetChain, Detail: fmt.Sprintf("claim %s on chain %d", b.TargetToken.Symbol, b.TargetChain)},
		},
	}, nil
}

// Best returns at most n routes from an already sorted slice.
func Best(routes []domain.Route, n int) []domain.Route {
	if n <= 0 {
		return nil
	}
	if n > len(routes) {
		n = len(routes)
	}
	return routes[:n]
}
