package app

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/chain"
	"github.com/alanyoungcy/flashguard/internal/config"
	"github.com/alanyoungcy/flashguard/internal/relay"
)

func testApp(mutate func(*config.Config)) *App {
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNeedsBackends(t *testing.T) {
	for mode, want := range map[string]bool{"full": true, "server": true, "archive": true, "monitor": false} {
		if got := needsPostgres(mode); got != want {
			t.Errorf("needsPostgres(%s) = %v", mode, got)
		}
	}
	cfg := config.Defaults()
	if needsS3(&cfg) {
		t.Error("full mode without archiving needs no s3")
	}
	cfg.Mode = "archive"
	if !needsS3(&cfg) {
		t.Error("archive mode needs s3")
	}
}

func TestScanTargets(t *testing.T) {
	a := testApp(func(c *config.Config) {
		c.Scanner.Pairs = []config.PairConfig{{
			SourceToken: "0x00000000000000000000000000000000000000a1",
			TargetToken: "0x00000000000000000000000000000000000000b2",
			AmountIn:    "1000",
			VenueA:      config.VenueConfig{Name: "uni", Router: "0x00000000000000000000000000000000000000c3"},
			VenueB:      config.VenueConfig{Name: "sushi", Router: "0x00000000000000000000000000000000000000d4"},
		}}
		c.Scanner.Routes = []config.RouteQueryConfig{{
			SourceToken: "0x00000000000000000000000000000000000000a1",
			Amount:      "5",
		}}
	})

	pairs, queries, err := a.scanTargets()
	if err != nil {
		t.Fatalf("scanTargets: %v", err)
	}
	if len(pairs) != 1 || pairs[0].AmountIn.Cmp(big.NewInt(1000)) != 0 || pairs[0].GasCost != nil {
		t.Errorf("pairs = %+v", pairs)
	}
	if pairs[0].VenueB.Router != common.HexToAddress("0xd4") || pairs[0].ChainID != 1 {
		t.Errorf("pair = %+v", pairs[0])
	}
	if len(queries) != 1 || queries[0].MaxHops != 1 {
		t.Errorf("queries = %+v", queries)
	}

	a.cfg.Scanner.Pairs[0].GasCost = "ten"
	if _, _, err := a.scanTargets(); err == nil {
		t.Error("expected gas_cost error")
	}
}

func TestBridgesFromConfig(t *testing.T) {
	bridges, err := bridgesFromConfig([]config.BridgeConfig{{
		Name:        "hop",
		SourceChain: 1,
		TargetChain: 10,
		SourceToken: config.TokenConfig{Address: "0x01", Symbol: "USDC", Decimals: 6},
		TargetToken: config.TokenConfig{Address: "0x02", Symbol: "USDC", Decimals: 6},
		FeeBps:      4,
	}})
	if err != nil {
		t.Fatalf("bridgesFromConfig: %v", err)
	}
	b := bridges[0]
	if !b.FixedFeeUSD.IsZero() || b.TargetToken.ChainID != 10 || b.SourceToken.Decimals != 6 {
		t.Errorf("bridge = %+v", b)
	}

	if _, err := bridgesFromConfig([]config.BridgeConfig{{Name: "x", FixedFeeUSD: "cheap"}}); err == nil {
		t.Error("expected fixed fee error")
	}
}

func TestStaticPricesLowercasesKeys(t *testing.T) {
	prices, err := staticPrices(map[string]string{"1:0xABCD": "1.5"})
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := prices["1:0xabcd"]; !ok || p.String() != "1.5" {
		t.Errorf("prices = %v", prices)
	}
}

func TestCoordinatorConfig(t *testing.T) {
	a := testApp(func(c *config.Config) {
		c.Protection.DecoysByThreat = []int{0, 2, 4}
		c.Protection.MaxTipGwei = 0
	})
	cfg := a.coordinatorConfig()
	if cfg.DecoysByThreat != [3]int{0, 2, 4} {
		t.Errorf("decoys = %v", cfg.DecoysByThreat)
	}
	if cfg.Bribe.MaxTip != nil {
		t.Errorf("max tip = %v, want uncapped", cfg.Bribe.MaxTip)
	}
	if cfg.Bribe.ThreatBumpPct != [3]int64{0, 25, 50} || cfg.LockTTL != a.cfg.Protection.LockTTL.Duration {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestMonitorConfigConvertsGwei(t *testing.T) {
	a := testApp(func(c *config.Config) {
		c.Monitor.KnownSelectors = []string{"0x38ed1739"}
	})
	cfg, err := a.monitorConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AnomalyGasPrice != 500e9 || len(cfg.KnownSelectors) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}

	a.cfg.Monitor.KnownSelectors = []string{"swap"}
	if _, err := a.monitorConfig(); err == nil {
		t.Error("expected selector error")
	}
}

func TestGasConfig(t *testing.T) {
	cfg := testApp(nil).gasConfig()
	if cfg.MinPriorityFee.Cmp(chain.GweiToWei(1)) != 0 || cfg.MaxPriorityFee.Cmp(chain.GweiToWei(50)) != 0 {
		t.Errorf("fees = %s..%s", cfg.MinPriorityFee, cfg.MaxPriorityFee)
	}
}

func TestRelayLimiter(t *testing.T) {
	a := testApp(nil)
	deps := &Dependencies{}
	w := a.relayLimiter(deps, common.HexToAddress("0xAB"))
	ls, ok := w.(relay.Limiters)
	if !ok || len(ls) != 2 {
		t.Fatalf("limiter = %#v", w)
	}
	if shared := ls[1].(relay.SharedLimiter); shared.Key != "relay:0x00000000000000000000000000000000000000ab" {
		t.Errorf("key = %s", shared.Key)
	}

	a.cfg.Relay.RateLimit = 0
	if w := a.relayLimiter(deps, common.Address{}); w != nil {
		t.Errorf("disabled limiter = %#v", w)
	}
}

func TestTrackerConfig(t *testing.T) {
	a := testApp(func(c *config.Config) {
		c.Liquidity.Pools = []config.PoolConfig{{Pool: "0x10", Token: "0x20", Venue: "uni"}}
	})
	cfg := a.trackerConfig()
	if len(cfg.Pools) != 1 || cfg.Pools[0].Token != common.HexToAddress("0x20") || cfg.SwingThreshold != 0.10 {
		t.Errorf("cfg = %+v", cfg)
	}
}
