package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/flashguard/internal/chain"
	"github.com/alanyoungcy/flashguard/internal/commitreveal"
	"github.com/alanyoungcy/flashguard/internal/config"
	"github.com/alanyoungcy/flashguard/internal/coordinator"
	"github.com/alanyoungcy/flashguard/internal/crypto"
	"github.com/alanyoungcy/flashguard/internal/decoy"
	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/feed"
	"github.com/alanyoungcy/flashguard/internal/mode"
	"github.com/alanyoungcy/flashguard/internal/monitor"
	"github.com/alanyoungcy/flashguard/internal/relay"
	"github.com/alanyoungcy/flashguard/internal/route"
	"github.com/alanyoungcy/flashguard/internal/service"
	"github.com/alanyoungcy/flashguard/internal/settlement"
)

// core holds the chain-facing components the modes share.
type core struct {
	backend   *ethclient.Client
	monitor   *monitor.Monitor
	tracker   *route.Tracker
	evaluator *route.Evaluator
	mode      *mode.Service
	feed      *feed.MempoolFeed

	// Set only in modes that sign transactions.
	coordinator *coordinator.Coordinator
	commitFee   *big.Int
	arb         *service.ArbService
	scanner     *service.Scanner
}

// buildCore dials the chain and constructs the read-side components. When
// wallet is true the protection pipeline is built on top.
func (a *App) buildCore(ctx context.Context, deps *Dependencies, wallet bool) (*core, error) {
	backend, err := chain.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, backend.Close)

	gasReaders := map[uint64]route.GasPriceReader{a.cfg.Chain.ChainID: backend}
	for _, rc := range a.cfg.Chain.Remote {
		remote, err := chain.Dial(ctx, rc.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("app: remote chain %d: %w", rc.ChainID, err)
		}
		a.closers = append(a.closers, remote.Close)
		gasReaders[rc.ChainID] = remote
	}

	static, err := staticPrices(a.cfg.Route.StaticPricesUSD)
	if err != nil {
		return nil, err
	}
	oracle := route.NewCachedOracle(deps.PriceCache, static, a.cfg.Route.PriceMaxAge.Duration, a.logger)

	bridges, err := bridgesFromConfig(a.cfg.Route.Bridges)
	if err != nil {
		return nil, err
	}

	monCfg, err := a.monitorConfig()
	if err != nil {
		return nil, err
	}

	modeSvc, err := mode.New(domain.ExecutionMode(strings.ToLower(a.cfg.ExecutionMode)), deps.Events, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	c := &core{
		backend: backend,
		monitor: monitor.New(monCfg, deps.Events, deps.Metrics, a.logger),
		tracker: route.NewTracker(
			a.trackerConfig(),
			route.NewPairDepthSource(backend, oracle, a.cfg.Chain.ChainID),
			deps.Events,
			deps.Metrics,
			a.logger,
		),
		evaluator: route.NewEvaluator(
			route.NewRouterQuoter(backend),
			oracle,
			route.NewChainGasPricer(gasReaders, oracle),
			bridges,
			a.logger,
		),
		mode: modeSvc,
	}

	if a.cfg.Feed.Enabled && a.cfg.Mode != "server" {
		f, err := feed.NewMempoolFeed(feed.Config{
			URL:               a.cfg.Feed.URL,
			FullTransactions:  a.cfg.Feed.FullTransactions,
			ChainID:           a.cfg.Chain.ChainID,
			HandshakeTimeout:  a.cfg.Feed.HandshakeTimeout.Duration,
			PongWait:          a.cfg.Feed.PongWait.Duration,
			ReconnectDelay:    a.cfg.Feed.ReconnectDelay.Duration,
			MaxReconnectDelay: a.cfg.Feed.MaxReconnectDelay.Duration,
			ResolveTimeout:    a.cfg.Feed.ResolveTimeout.Duration,
		}, c.monitor, backend, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		c.feed = f
	}

	if wallet {
		if err := a.buildExecution(deps, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// buildExecution loads the searcher key and wires the protection backend,
// relay, coordinator and, in full mode, the opportunity scanner.
func (a *App) buildExecution(deps *Dependencies, c *core) error {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("app: load wallet: %w", err)
	}
	builder := chain.NewTxBuilder(c.backend, key, new(big.Int).SetUint64(a.cfg.Chain.ChainID), a.gasConfig(), a.logger)
	sender := builder.Sender()

	var (
		protection coordinator.Protection
		rel        coordinator.Relay
	)
	switch a.cfg.Protection.Backend {
	case "inprocess":
		sim, err := a.buildInProcess(sender)
		if err != nil {
			return err
		}
		protection = sim
		rel = relay.NewLocal(sim, a.logger)
	default:
		authKey, err := a.relayAuthKey()
		if err != nil {
			return err
		}
		protection = commitreveal.NewClient(
			common.HexToAddress(a.cfg.Protection.Contract),
			builder,
			a.cfg.Chain.MineTimeout.Duration,
			a.logger,
		)
		rel = relay.New(relay.Config{
			URL:              a.cfg.Relay.URL,
			Timeout:          a.cfg.Relay.Timeout.Duration,
			MaxRetries:       a.cfg.Relay.MaxRetries,
			RetryBackoff:     a.cfg.Relay.RetryBackoff.Duration,
			InclusionTimeout: a.cfg.Relay.InclusionTimeout.Duration,
			PollInterval:     a.cfg.Relay.PollInterval.Duration,
		}, authKey, c.backend, a.relayLimiter(deps, sender), deps.Metrics, a.logger)
	}

	var decoys coordinator.DecoySource
	if len(a.cfg.Decoy.Contracts) > 0 && len(a.cfg.Decoy.Selectors) > 0 {
		syn, err := a.buildDecoys()
		if err != nil {
			return err
		}
		decoys = syn
	} else {
		a.logger.Warn("no decoy contracts configured, bundles carry only the reveal")
	}

	coord, err := coordinator.New(a.coordinatorConfig(), coordinator.Deps{
		Protection: protection,
		Relay:      rel,
		Signer:     builder,
		Head:       c.backend,
		Decoys:     decoys,
		Threat:     c.monitor,
		Mode:       c.mode,
		Locker:     deps.LockManager,
		Publisher:  deps.Events,
		Metrics:    deps.Metrics,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	c.coordinator = coord

	fee, ok := new(big.Int).SetString(a.cfg.Protection.CommitFeeWei, 10)
	if !ok {
		return fmt.Errorf("app: commit fee %q is not an integer", a.cfg.Protection.CommitFeeWei)
	}
	c.commitFee = fee

	if a.cfg.Mode != "full" || !a.cfg.Scanner.Enabled {
		return nil
	}
	pairs, queries, err := a.scanTargets()
	if err != nil {
		return err
	}
	if len(pairs) == 0 && len(queries) == 0 {
		a.logger.Warn("scanner enabled without pairs or routes, skipping")
		return nil
	}

	c.arb = service.NewArbService(service.ArbConfig{
		Settlement:       common.HexToAddress(a.cfg.Settlement.Contract),
		MinProfitBps:     a.cfg.Settlement.MinProfitBps,
		LenderPremiumBps: a.cfg.Settlement.LenderPremiumBps,
		SlippageBps:      a.cfg.Settlement.SlippageBps,
		CommitFee:        fee,
		MaxBlocksToWait:  a.cfg.Protection.MaxBlocksToWait,
		DedupTTL:         a.cfg.Scanner.DedupTTL.Duration,
	}, c.evaluator, c.tracker, coord, deps.ExecutionStore, deps.OpportunityStore, deps.Events, deps.Metrics, a.logger)

	c.scanner = service.NewScanner(service.ScannerConfig{
		Pairs:       pairs,
		Routes:      queries,
		Interval:    a.cfg.Scanner.Interval.Duration,
		Concurrency: a.cfg.Scanner.Concurrency,
		KeepRoutes:  a.cfg.Scanner.KeepRoutes,
	}, c.arb, c.evaluator, a.logger)
	return nil
}

// buildInProcess deploys the protection registry and the settlement contract
// in memory. Pair tokens are whitelisted, the lender is funded with each
// pair's trade size and every pair router is approved as a venue.
func (a *App) buildInProcess(sender common.Address) (*commitreveal.Simulated, error) {
	lender := common.HexToAddress(a.cfg.Settlement.Lender)
	if lender == (common.Address{}) {
		lender = ethcrypto.CreateAddress(sender, 1)
	}
	ledger := settlement.NewLedger()
	contract, err := settlement.NewContract(settlement.Config{
		Address:      common.HexToAddress(a.cfg.Settlement.Contract),
		Owner:        sender,
		Lender:       settlement.Lender{Addr: lender, PremiumBps: a.cfg.Settlement.LenderPremiumBps},
		MinProfitBps: a.cfg.Settlement.MinProfitBps,
	}, ledger)
	if err != nil {
		return nil, fmt.Errorf("app: settlement contract: %w", err)
	}

	approved := make(map[common.Address]bool)
	for _, p := range a.cfg.Scanner.Pairs {
		token := common.HexToAddress(p.SourceToken)
		if err := contract.WhitelistToken(sender, token); err != nil {
			return nil, fmt.Errorf("app: whitelist %s: %w", token.Hex(), err)
		}
		if amount, ok := new(big.Int).SetString(p.AmountIn, 10); ok {
			ledger.Mint(token, lender, amount)
		}
		for _, v := range []config.VenueConfig{p.VenueA, p.VenueB} {
			router := common.HexToAddress(v.Router)
			if approved[router] {
				continue
			}
			approved[router] = true
			if err := contract.ApproveVenue(sender, settlement.NewFixedRateVenue(router)); err != nil {
				return nil, fmt.Errorf("app: approve venue %s: %w", router.Hex(), err)
			}
		}
	}

	p := a.cfg.Protection
	reg, err := commitreveal.NewRegistry(commitreveal.RegistryConfig{
		Owner: sender,
		Params: domain.ProtectionParams{
			MinCommitAge:       p.MinCommitAge.Duration,
			CommitRevealWindow: p.CommitRevealWindow.Duration,
			MaxGasPrice:        chain.GweiToWei(p.MaxGasPriceGwei),
			EnforceGasPrice:    p.EnforceGasPrice,
			PrivateMempool:     true,
		},
	}, contract)
	if err != nil {
		return nil, fmt.Errorf("app: protection registry: %w", err)
	}

	addr := common.HexToAddress(p.Contract)
	if addr == (common.Address{}) {
		addr = ethcrypto.CreateAddress(sender, 0)
	}
	a.logger.Info("in-process protection deployed",
		slog.String("registry", addr.Hex()),
		slog.String("settlement", a.cfg.Settlement.Contract),
		slog.String("lender", lender.Hex()),
		slog.Int("venues", len(approved)),
	)
	return commitreveal.NewSimulated(reg, addr, sender), nil
}

func (a *App) buildDecoys() (*decoy.Synthesizer, error) {
	d := a.cfg.Decoy
	contracts := make([]common.Address, 0, len(d.Contracts))
	for _, s := range d.Contracts {
		contracts = append(contracts, common.HexToAddress(s))
	}
	selectors, err := config.ParseSelectors(d.Selectors)
	if err != nil {
		return nil, fmt.Errorf("app: decoy selectors: %w", err)
	}
	base, ok := new(big.Int).SetString(d.BaseValueWei, 10)
	if !ok {
		return nil, fmt.Errorf("app: decoy base value %q is not an integer", d.BaseValueWei)
	}
	syn, err := decoy.New(decoy.Config{
		Contracts:     contracts,
		Selectors:     selectors,
		BaseValue:     base,
		ValueVariance: d.ValueVariance,
		BaseGas:       d.BaseGas,
		GasVariance:   d.GasVariance,
		Seed:          d.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return syn, nil
}

// relayAuthKey returns the configured relay reputation key, or a fresh one.
func (a *App) relayAuthKey() (*ecdsa.PrivateKey, error) {
	if a.cfg.Relay.AuthKey != "" {
		key, err := crypto.ParseHexKey(a.cfg.Relay.AuthKey)
		if err != nil {
			return nil, fmt.Errorf("app: relay auth key: %w", err)
		}
		return key, nil
	}
	a.logger.Warn("relay auth key not set, signing bundles with an ephemeral key")
	return ethcrypto.GenerateKey()
}

// relayLimiter bounds relay requests locally and across every process that
// shares the searcher account.
func (a *App) relayLimiter(deps *Dependencies, sender common.Address) relay.Waiter {
	limit, window := a.cfg.Relay.RateLimit, a.cfg.Relay.RateWindow.Duration
	if limit <= 0 || window <= 0 {
		return nil
	}
	return relay.Limiters{
		rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
		relay.SharedLimiter{
			Limiter: deps.RateLimiter,
			Key:     "relay:" + strings.ToLower(sender.Hex()),
			Limit:   limit,
			Window:  window,
		},
	}
}

func (a *App) gasConfig() chain.GasConfig {
	c := a.cfg.Chain
	return chain.GasConfig{
		PriorityFeeMultiplier: c.PriorityFeeMultiplier,
		MinPriorityFee:        chain.GweiToWei(c.MinPriorityFeeGwei),
		MaxPriorityFee:        chain.GweiToWei(c.MaxPriorityFeeGwei),
		BaseFeeMultiplier:     c.BaseFeeMultiplier,
		LegacyMultiplierPct:   c.LegacyMultiplierPct,
		GasLimitBufferPct:     c.GasLimitBufferPct,
		EstimateRetries:       c.EstimateRetries,
	}
}

func (a *App) coordinatorConfig() coordinator.Config {
	p := a.cfg.Protection
	cfg := coordinator.DefaultConfig()
	cfg.CommitDelayBlocks = p.CommitDelayBlocks
	cfg.MaxBlocksToTry = p.MaxBlocksToTry
	copy(cfg.DecoysByThreat[:], p.DecoysByThreat)
	cfg.RevealGasLimit = p.RevealGasLimit
	copy(cfg.Bribe.ThreatBumpPct[:], p.ThreatBumpPct)
	cfg.Bribe.EscalationPct = p.EscalationPct
	cfg.Bribe.FeeShareBps = p.FeeShareBps
	cfg.Bribe.MaxTip = nil
	if p.MaxTipGwei > 0 {
		cfg.Bribe.MaxTip = chain.GweiToWei(p.MaxTipGwei)
	}
	if a.cfg.Chain.BaseFeeMultiplier > 0 {
		cfg.Bribe.BaseFeeMultiplier = a.cfg.Chain.BaseFeeMultiplier
	}
	cfg.LockTTL = p.LockTTL.Duration
	cfg.CancelTimeout = p.CancelTimeout.Duration
	cfg.RetainFinished = p.RetainFinished.Duration
	return cfg
}

func (a *App) monitorConfig() (monitor.Config, error) {
	m := a.cfg.Monitor
	known, err := config.ParseSelectors(m.KnownSelectors)
	if err != nil {
		return monitor.Config{}, fmt.Errorf("app: known selectors: %w", err)
	}
	cfg := monitor.DefaultConfig()
	cfg.HighFrequencyCount = m.HighFrequencyCount
	cfg.FrequencyWindow = m.FrequencyWindow.Duration
	cfg.SpikeMultiplier = m.SpikeMultiplier
	cfg.EWMAWeight = m.EWMAWeight
	cfg.KnownSelectors = known
	cfg.StaleAfter = m.StaleAfter.Duration
	cfg.SweepInterval = m.SweepInterval.Duration
	cfg.AnomalyTxCount = m.AnomalyTxCount
	cfg.AnomalyGasPrice = m.AnomalyGasPriceGwei * 1e9
	cfg.AnomalySelectors = m.AnomalySelectors
	cfg.ThreatWindow = m.ThreatWindow.Duration
	cfg.ElevatedAfter = m.ElevatedAfter
	cfg.HighAfter = m.HighAfter
	cfg.Shards = m.Shards
	return cfg, nil
}

func (a *App) trackerConfig() route.TrackerConfig {
	l := a.cfg.Liquidity
	pools := make([]domain.PoolRef, 0, len(l.Pools))
	for _, p := range l.Pools {
		pools = append(pools, domain.PoolRef{
			Pool:  common.HexToAddress(p.Pool),
			Token: common.HexToAddress(p.Token),
			Venue: p.Venue,
		})
	}
	return route.TrackerConfig{
		Pools:           pools,
		PollInterval:    l.PollInterval.Duration,
		Window:          l.Window.Duration,
		SwingThreshold:  l.SwingThreshold,
		DepthMultiplier: l.DepthMultiplier,
		Concurrency:     l.Concurrency,
	}
}

// scanTargets converts the configured pairs and route queries.
func (a *App) scanTargets() ([]service.Pair, []service.RouteQuery, error) {
	chainID := a.cfg.Chain.ChainID
	pairs := make([]service.Pair, 0, len(a.cfg.Scanner.Pairs))
	for i, p := range a.cfg.Scanner.Pairs {
		amount, ok := new(big.Int).SetString(p.AmountIn, 10)
		if !ok {
			return nil, nil, fmt.Errorf("app: scanner pairs[%d]: amount_in %q is not an integer", i, p.AmountIn)
		}
		pair := service.Pair{
			ChainID:     chainID,
			SourceToken: common.HexToAddress(p.SourceToken),
			TargetToken: common.HexToAddress(p.TargetToken),
			AmountIn:    amount,
			VenueA:      domain.Venue{Name: p.VenueA.Name, Router: common.HexToAddress(p.VenueA.Router)},
			VenueB:      domain.Venue{Name: p.VenueB.Name, Router: common.HexToAddress(p.VenueB.Router)},
		}
		if p.GasCost != "" {
			gas, ok := new(big.Int).SetString(p.GasCost, 10)
			if !ok {
				return nil, nil, fmt.Errorf("app: scanner pairs[%d]: gas_cost %q is not an integer", i, p.GasCost)
			}
			pair.GasCost = gas
		}
		pairs = append(pairs, pair)
	}

	queries := make([]service.RouteQuery, 0, len(a.cfg.Scanner.Routes))
	for i, q := range a.cfg.Scanner.Routes {
		amount, ok := new(big.Int).SetString(q.Amount, 10)
		if !ok {
			return nil, nil, fmt.Errorf("app: scanner routes[%d]: amount %q is not an integer", i, q.Amount)
		}
		queries = append(queries, service.RouteQuery{
			ChainID:     chainID,
			SourceToken: common.HexToAddress(q.SourceToken),
			Amount:      amount,
			MaxHops:     max(q.MaxHops, 1),
		})
	}
	return pairs, queries, nil
}

func bridgesFromConfig(cfgs []config.BridgeConfig) ([]domain.Bridge, error) {
	bridges := make([]domain.Bridge, 0, len(cfgs))
	for _, b := range cfgs {
		fixed := decimal.Zero
		if b.FixedFeeUSD != "" {
			var err error
			if fixed, err = decimal.NewFromString(b.FixedFeeUSD); err != nil {
				return nil, fmt.Errorf("app: bridge %s fixed fee: %w", b.Name, err)
			}
		}
		bridges = append(bridges, domain.Bridge{
			Name:         b.Name,
			SourceChain:  b.SourceChain,
			TargetChain:  b.TargetChain,
			SourceToken:  token(b.SourceChain, b.SourceToken),
			TargetToken:  token(b.TargetChain, b.TargetToken),
			FeeBps:       b.FeeBps,
			FixedFeeUSD:  fixed,
			GasUnitsSrc:  b.GasUnitsSrc,
			GasUnitsDest: b.GasUnitsDest,
		})
	}
	return bridges, nil
}

func token(chainID uint64, t config.TokenConfig) domain.Token {
	return domain.Token{
		ChainID:  chainID,
		Address:  common.HexToAddress(t.Address),
		Symbol:   t.Symbol,
		Decimals: t.Decimals,
	}
}

func staticPrices(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("app: static price %s: %w", k, err)
		}
		out[strings.ToLower(k)] = d
	}
	return out, nil
}
