package settlement

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

var (
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	owner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	executor = common.HexToAddress("0x2222222222222222222222222222222222222222")
	stranger = common.HexToAddress("0x3333333333333333333333333333333333333333")
	lender   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	self     = common.HexToAddress("0x5555555555555555555555555555555555555555")
	venueA   = common.HexToAddress("0xaaaa000000000000000000000000000000000000")
	venueB   = common.HexToAddress("0xbbbb000000000000000000000000000000000000")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// setup deploys a contract where leg A converts 1 WETH to 1000 USDC and
// leg B converts 1000 USDC back to legBNum/10000 WETH.
func setup(t *testing.T, legBNum int64) (*Contract, *Ledger) {
	t.Helper()
	ledger := NewLedger()
	ledger.Mint(weth, lender, ether(100))
	ledger.Mint(usdc, venueA, ether(1_000_000))
	ledger.Mint(weth, venueB, ether(100))

	c, err := NewContract(Config{
		Address:      self,
		Owner:        owner,
		Lender:       Lender{Addr: lender, PremiumBps: 5},
		MinProfitBps: 10,
	}, ledger)
	if err != nil {
		t.Fatalf("NewContract: %v", err)
	}

	a := NewFixedRateVenue(venueA)
	a.SetRate(weth, usdc, big.NewInt(1000), big.NewInt(1))
	b := NewFixedRateVenue(venueB)
	b.SetRate(usdc, weth, big.NewInt(legBNum), big.NewInt(10_000))

	must(t, c.WhitelistToken(owner, weth))
	must(t, c.ApproveVenue(owner, a))
	must(t, c.ApproveVenue(owner, b))
	must(t, c.AuthorizeExecutor(owner, executor, true))
	return c, ledger
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func trade() TradeData {
	return TradeData{VenueA: venueA, VenueB: venueB, Intermediate: usdc}
}

func TestExecuteArbitrage_Profitable(t *testing.T) {
	c, _ := setup(t, 12)

	profit, err := c.ExecuteArbitrage(executor, weth, ether(1), trade())
	if err != nil {
		t.Fatalf("ExecuteArbitrage: %v", err)
	}

	// 1 WETH -> 1000 USDC -> 1.2 WETH.
	wantProfit := new(big.Int).Div(ether(2), big.NewInt(10))
	if profit.Cmp(wantProfit) != 0 {
		t.Errorf("profit = %s, want %s", profit, wantProfit)
	}

	premium := new(big.Int).Div(new(big.Int).Mul(ether(1), big.NewInt(5)), big.NewInt(10_000))
	wantCaller := new(big.Int).Sub(wantProfit, premium)
	if got := c.BalanceOf(weth, executor); got.Cmp(wantCaller) != 0 {
		t.Errorf("caller balance = %s, want %s", got, wantCaller)
	}
	wantLender := new(big.Int).Add(ether(100), premium)
	if got := c.BalanceOf(weth, lender); got.Cmp(wantLender) != 0 {
		t.Errorf("lender balance = %s, want %s", got, wantLender)
	}
	if got := c.BalanceOf(weth, self); got.Sign() != 0 {
		t.Errorf("contract retained %s", got)
	}
}

func TestExecuteArbitrage_UnprofitableReverts(t *testing.T) {
	c, ledger := setup(t, 8)
	before := ledger.Snapshot()

	_, err := c.ExecuteArbitrage(executor, weth, ether(1), trade())
	if !errors.Is(err, domain.ErrUnprofitable) {
		t.Fatalf("err = %v, want ErrUnprofitable", err)
	}
	var rev *RevertError
	if !errors.As(err, &rev) {
		t.Fatalf("err = %T, want *RevertError", err)
	}
	if rev.State != StateLegBExecuted {
		t.Errorf("revert state = %s, want leg_b_executed", rev.State)
	}

	for _, acct := range []common.Address{executor, lender, self, venueA, venueB} {
		for _, tok := range []common.Address{weth, usdc} {
			if got, want := c.BalanceOf(tok, acct), before.BalanceOf(tok, acct); got.Cmp(want) != 0 {
				t.Errorf("balance %s/%s = %s, want %s", acct.Hex()[:6], tok.Hex()[:6], got, want)
			}
		}
	}
}

func TestExecuteArbitrage_Preconditions(t *testing.T) {
	c, _ := setup(t, 12)

	tests := []struct {
		name   string
		caller common.Address
		asset  common.Address
		amount *big.Int
		td     TradeData
		want   error
	}{
		{name: "unauthorized caller", caller: stranger, asset: weth, amount: ether(1), td: trade(), want: domain.ErrUnauthorized},
		{name: "zero amount", caller: executor, asset: weth, amount: big.NewInt(0), td: trade(), want: ErrZeroAmount},
		{name: "asset not whitelisted", caller: executor, asset: usdc, amount: ether(1), td: trade(), want: ErrTokenNotAllowed},
		{
			name: "venue not approved", caller: executor, asset: weth, amount: ether(1),
			td: TradeData{VenueA: stranger, VenueB: venueB, Intermediate: usdc}, want: ErrVenueNotApproved,
		},
		{
			name: "slippage on leg a", caller: executor, asset: weth, amount: ether(1),
			td: TradeData{VenueA: venueA, VenueB: venueB, Intermediate: usdc, MinOutA: ether(1001)}, want: ErrSlippage,
		},
		{name: "loan exceeds lender", caller: executor, asset: weth, amount: ether(101), td: trade(), want: ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ExecuteArbitrage(tt.caller, tt.asset, tt.amount, tt.td)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExecuteArbitrage_Paused(t *testing.T) {
	c, _ := setup(t, 12)
	must(t, c.SetPaused(owner, true))
	if _, err := c.ExecuteArbitrage(owner, weth, ether(1), trade()); !errors.Is(err, domain.ErrPaused) {
		t.Errorf("err = %v, want ErrPaused", err)
	}
}

func TestAdmin_OwnerGated(t *testing.T) {
	c, _ := setup(t, 12)

	if err := c.SetMinProfitBps(stranger, 1); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("SetMinProfitBps by stranger: %v", err)
	}
	if err := c.WithdrawToken(stranger, weth, stranger, big.NewInt(1)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("WithdrawToken by stranger: %v", err)
	}
	if err := c.SetMinProfitBps(owner, 20_000); !errors.Is(err, ErrInvalidBps) {
		t.Errorf("SetMinProfitBps out of range: %v", err)
	}

	before := len(c.Events())
	must(t, c.SetMinProfitBps(owner, 50))
	must(t, c.BlacklistToken(owner, weth))
	events := c.Events()
	if len(events) != before+2 {
		t.Fatalf("events = %d, want %d", len(events), before+2)
	}
	if events[len(events)-1].Type != domain.EventSettlementAdmin {
		t.Errorf("event type = %s", events[len(events)-1].Type)
	}
	if _, err := c.ExecuteArbitrage(owner, weth, ether(1), trade()); !errors.Is(err, ErrTokenNotAllowed) {
		t.Errorf("blacklisted asset accepted: %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	c, _ := setup(t, 12)

	if err := c.TransferOwnership(owner, common.Address{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("renounce via zero address: %v", err)
	}
	must(t, c.TransferOwnership(owner, stranger))
	if c.Owner() != stranger {
		t.Fatalf("owner = %s", c.Owner().Hex())
	}
	if err := c.WhitelistToken(owner, usdc); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("previous owner still privileged: %v", err)
	}
}

func TestPreflight(t *testing.T) {
	q := Quote{
		Asset:        weth,
		Intermediate: usdc,
		AmountIn:     ether(1),
		LegAOut:      ether(1000),
		FinalAmount:  new(big.Int).Div(ether(12), big.NewInt(10)),
		MinProfitBps: 10,
		PremiumBps:   5,
	}
	profit, err := Preflight(q)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if want := new(big.Int).Div(ether(2), big.NewInt(10)); profit.Cmp(want) != 0 {
		t.Errorf("profit = %s, want %s", profit, want)
	}

	q.FinalAmount = new(big.Int).Div(ether(8), big.NewInt(10))
	if _, err := Preflight(q); !errors.Is(err, domain.ErrUnprofitable) {
		t.Errorf("err = %v, want ErrUnprofitable", err)
	}
}

func TestPreflight_SetupErrorSurfaces(t *testing.T) {
	q := Quote{Intermediate: usdc, AmountIn: ether(1), LegAOut: ether(1000), FinalAmount: ether(2)}
	_, err := Preflight(q)
	if !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("err = %v, want ErrZeroAddress", err)
	}
	if !strings.Contains(err.Error(), "preflight setup") {
		t.Errorf("err = %q, want setup context", err)
	}
}

func TestTradeDataRoundTrip(t *testing.T) {
	td := TradeData{VenueA: venueA, VenueB: venueB, Intermediate: usdc, MinOutA: big.NewInt(7), MinOutB: big.NewInt(9)}
	b, err := EncodeTradeData(td)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeTradeData(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.VenueA != td.VenueA || got.Intermediate != td.Intermediate || got.MinOutB.Cmp(td.MinOutB) != 0 {
		t.Errorf("round trip = %+v", got)
	}

	data, err := PackExecuteArbitrage(weth, ether(1), td)
	if err != nil {
		t.Fatal(err)
	}
	if want := ABI.Methods["executeArbitrage"].ID; string(data[:4]) != string(want) {
		t.Errorf("selector = %x, want %x", data[:4], want)
	}
}

func TestExecute_DispatchesCalldata(t *testing.T) {
	c, ledger := setup(t, 12)

	data, err := PackExecuteArbitrage(weth, ether(1), trade())
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Execute(executor, self, nil, data)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	profit, err := UnpackProfit(out)
	if err != nil {
		t.Fatal(err)
	}
	if want := new(big.Int).Div(ether(2), big.NewInt(10)); profit.Cmp(want) != 0 {
		t.Errorf("profit = %s, want %s", profit, want)
	}

	if _, err := c.Execute(executor, stranger, nil, data); err == nil {
		t.Error("call to another address succeeded")
	}
	if _, err := c.Execute(executor, self, nil, []byte{1, 2, 3, 4}); err == nil {
		t.Error("unknown selector succeeded")
	}

	restore := c.Checkpoint()
	before := ledger.BalanceOf(weth, executor)
	if _, err := c.Execute(executor, self, nil, data); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	restore()
	if got := c.BalanceOf(weth, executor); got.Cmp(before) != 0 {
		t.Errorf("balance after restore = %s, want %s", got, before)
	}
}
