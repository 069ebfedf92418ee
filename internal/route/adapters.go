package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

const uniswapV2ABI = `[
	{"type":"function","name":"getAmountsOut","stateMutability":"view",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
	{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

var v2ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(uniswapV2ABI))
	if err != nil {
		panic(fmt.Sprintf("route: parse abi: %v", err))
	}
	v2ABI = parsed
}

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// GasPriceReader reports a chain's current gas price.
type GasPriceReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

func call(ctx context.Context, c Caller, to common.Address, method string, args ...any) ([]any, error) {
	data, err := v2ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := v2ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// RouterQuoter quotes through UniswapV2-style routers.
type RouterQuoter struct {
	caller Caller
}

func NewRouterQuoter(c Caller) *RouterQuoter { return &RouterQuoter{caller: c} }

func (q *RouterQuoter) Quote(ctx context.Context, venue domain.Venue, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	out, err := call(ctx, q.caller, venue.Router, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("route: %s: %w", venue.Name, err)
	}
	amounts := out[0].([]*big.Int)
	if len(amounts) < len(path) || len(amounts) < 2 {
		return nil, fmt.Errorf("route: %s: short amounts %d", venue.Name, len(amounts))
	}
	return amounts[len(amounts)-1], nil
}

// PairDepthSource reads reserves from UniswapV2-style pairs.
type PairDepthSource struct {
	caller  Caller
	oracle  PriceOracle
	chainID uint64
}

// NewPairDepthSource creates a depth source. oracle may be nil, leaving
// snapshot prices at zero.
func NewPairDepthSource(c Caller, oracle PriceOracle, chainID uint64) *PairDepthSource {
	return &PairDepthSource{caller: c, oracle: oracle, chainID: chainID}
}

func (s *PairDepthSource) Snapshot(ctx context.Context, ref domain.PoolRef) (domain.LiquiditySnapshot, error) {
	t0, err := call(ctx, s.caller, ref.Pool, "token0")
	if err != nil {
		return domain.LiquiditySnapshot{}, err
	}
	reserves, err := call(ctx, s.caller, ref.Pool, "getReserves")
	if err != nil {
		return domain.LiquiditySnapshot{}, err
	}

	liquidity := reserves[1].(*big.Int)
	if t0[0].(common.Address) == ref.Token {
		liquidity = reserves[0].(*big.Int)
	}

	snap := domain.LiquiditySnapshot{
		Pool:      ref.Pool,
		Token:     ref.Token,
		Liquidity: new(big.Int).Set(liquidity),
		Venue:     ref.Venue,
		Timestamp: time.Now(),
	}
	if s.oracle != nil {
		if p, err := s.oracle.PriceUSD(ctx, s.chainID, ref.Token); err == nil {
			snap.PriceUSD = p
		}
	}
	return snap, nil
}

// PriceKey is the cache key for a token's USD price.
func PriceKey(chainID uint64, token common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(token.Hex()))
}

// CachedOracle reads prices from a shared cache and falls back to static
// configured prices when the cache is empty or stale.
type CachedOracle struct {
	cache  domain.PriceCache
	static map[string]decimal.Decimal
	maxAge time.Duration
	logger *slog.Logger
}

// NewCachedOracle creates an oracle. cache may be nil.
func NewCachedOracle(cache domain.PriceCache, static map[string]decimal.Decimal, maxAge time.Duration, logger *slog.Logger) *CachedOracle {
	return &CachedOracle{
		cache:  cache,
		static: static,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "price_oracle")),
	}
}

func (o *CachedOracle) PriceUSD(ctx context.Context, chainID uint64, token common.Address) (decimal.Decimal, error) {
	key := PriceKey(chainID, token)
	if o.cache != nil {
		price, ts, err := o.cache.GetPrice(ctx, key)
		switch {
		case err == nil && (o.maxAge <= 0 || time.Since(ts) <= o.maxAge):
			return price, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			o.logger.WarnContext(ctx, "price cache read failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	if p, ok := o.static[key]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("route: price %s: %w", key, domain.ErrNotFound)
}

// ChainGasPricer prices gas with each chain's current gas price and the USD
// price of its native token, keyed by the zero address in the oracle.
type ChainGasPricer struct {
	chains map[uint64]GasPriceReader
	oracle PriceOracle
}

func NewChainGasPricer(chains map[uint64]GasPriceReader, oracle PriceOracle) *ChainGasPricer {
	return &ChainGasPricer{chains: chains, oracle: oracle}
}

var weiPerEther = decimal.New(1, 18)

func (p *ChainGasPricer) GasCostUSD(ctx context.Context, chainID uint64, gasUnits uint64) (decimal.Decimal, error) {
	if gasUnits == 0 {
		return decimal.Zero, nil
	}
	reader, ok := p.chains[chainID]
	if !ok {
		return decimal.Zero, fmt.Errorf("route: no backend for chain %d", chainID)
	}
	price, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("route: gas price chain %d: %w", chainID, err)
	}
	native, err := p.oracle.PriceUSD(ctx, chainID, common.Address{})
	if err != nil {
		return decimal.Zero, err
	}
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(gasUnits))
	return decimal.NewFromBigInt(wei, 0).Div(weiPerEther).Mul(native), nil
}
