package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/coordinator"
	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/settlement"
)

var (
	weth       = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc       = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	settleAddr = common.HexToAddress("0x5e77")
	uniswap    = domain.Venue{Name: "uniswap", Router: common.HexToAddress("0x01")}
	sushiswap  = domain.Venue{Name: "sushiswap", Router: common.HexToAddress("0x02")}
	baseOpp    = domain.Opportunity{
		ID:          "opp-1",
		ChainID:     1,
		SourceToken: weth,
		TargetToken: usdc,
		AmountIn:    big.NewInt(1_000),
		VenueA:      uniswap,
		VenueB:      sushiswap,
	}
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeEvaluator struct {
	ev  domain.Evaluation
	err error
}

func (f fakeEvaluator) EvaluateSameChain(_ context.Context, opp domain.Opportunity) (domain.Evaluation, error) {
	ev := f.ev
	ev.OpportunityID = opp.ID
	return ev, f.err
}

func profitable(final int64) domain.Evaluation {
	return domain.Evaluation{
		Direction:   domain.DirectionAB,
		First:       uniswap,
		Second:      sushiswap,
		LegAOut:     big.NewInt(2_000_000),
		FinalAmount: big.NewInt(final),
		GrossProfit: big.NewInt(final - 1_000),
		NetProfit:   big.NewInt(final - 1_000),
		Profitable:  final > 1_000,
	}
}

type liquidity bool

func (l liquidity) IsLiquidityAdequate(common.Address, *big.Int) bool { return bool(l) }

type fakeProtector struct {
	mu   sync.Mutex
	reqs []coordinator.Request
	err  error
}

func (p *fakeProtector) Protect(_ context.Context, req coordinator.Request) (domain.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	exec := domain.Execution{ID: req.ID, OpportunityID: req.OpportunityID, Outcome: domain.OutcomeIncluded}
	if p.err != nil {
		exec.Outcome = domain.OutcomeFailed
		exec.Error = p.err.Error()
	}
	return exec, p.err
}

type memOpportunities struct {
	mu   sync.Mutex
	recs []domain.OpportunityRecord
}

func (m *memOpportunities) Insert(_ context.Context, rec domain.OpportunityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memOpportunities) UpdateStatus(context.Context, string, domain.OpportunityStatus, string) error {
	return nil
}

func (m *memOpportunities) ListRecent(context.Context, int) ([]domain.OpportunityRecord, error) {
	return m.recs, nil
}

func (m *memOpportunities) ListBefore(context.Context, time.Time) ([]domain.OpportunityRecord, error) {
	return nil, nil
}

func (m *memOpportunities) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memExecutions struct {
	mu    sync.Mutex
	execs []domain.Execution
}

func (m *memExecutions) Create(_ context.Context, e domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, e)
	return nil
}

func (m *memExecutions) GetByID(context.Context, string) (domain.Execution, error) {
	return domain.Execution{}, domain.ErrNotFound
}

func (m *memExecutions) ListRecent(context.Context, int) ([]domain.Execution, error) {
	return m.execs, nil
}

func (m *memExecutions) ListBefore(context.Context, time.Time) ([]domain.Execution, error) {
	return nil, nil
}

func (m *memExecutions) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type fixture struct {
	svc       *ArbService
	protector *fakeProtector
	opps      *memOpportunities
	execs     *memExecutions
	events    *recorder
}

func newFixture(ev fakeEvaluator, liq liquidity, minProfitBps int64) *fixture {
	f := &fixture{
		protector: &fakeProtector{},
		opps:      &memOpportunities{},
		execs:     &memExecutions{},
		events:    &recorder{},
	}
	f.svc = NewArbService(ArbConfig{
		Settlement:      settleAddr,
		MinProfitBps:    minProfitBps,
		SlippageBps:     50,
		CommitFee:       big.NewInt(1_000),
		MaxBlocksToWait: 2,
	}, ev, liq, f.protector, f.execs, f.opps, f.events, nil, discard())
	return f
}

func TestExecute_ProtectsProfitableOpportunity(t *testing.T) {
	f := newFixture(fakeEvaluator{ev: profitable(1_100)}, true, 10)

	exec, err := f.svc.Execute(context.Background(), baseOpp)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Outcome != domain.OutcomeIncluded {
		t.Errorf("outcome = %s", exec.Outcome)
	}
	if len(f.protector.reqs) != 1 {
		t.Fatalf("protect calls = %d", len(f.protector.reqs))
	}
	req := f.protector.reqs[0]
	if req.Target != settleAddr || req.OpportunityID != "opp-1" || req.MaxBlocksToWait != 2 {
		t.Errorf("request = %+v", req)
	}
	method := settlement.ABI.Methods["executeArbitrage"]
	if !bytes.Equal(req.Data[:4], method.ID) {
		t.Fatalf("payload selector = %x", req.Data[:4])
	}
	args, err := method.Inputs.Unpack(req.Data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	td, err := settlement.DecodeTradeData(args[2].([]byte))
	if err != nil {
		t.Fatalf("DecodeTradeData: %v", err)
	}
	if td.VenueA != uniswap.Router || td.VenueB != sushiswap.Router || td.Intermediate != usdc {
		t.Errorf("trade data = %+v", td)
	}
	// 0.5% slippage on 1100.
	if td.MinOutB.Int64() != 1_094 {
		t.Errorf("MinOutB = %s, want 1094", td.MinOutB)
	}

	if len(f.opps.recs) != 1 || f.opps.recs[0].Status != domain.OpportunityProtected {
		t.Errorf("opportunity records = %+v", f.opps.recs)
	}
	if len(f.execs.execs) != 1 {
		t.Errorf("execution records = %d", len(f.execs.execs))
	}
}

func TestExecute_Duplicate(t *testing.T) {
	f := newFixture(fakeEvaluator{ev: profitable(1_100)}, true, 10)

	if _, err := f.svc.Execute(context.Background(), baseOpp); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.svc.Execute(context.Background(), baseOpp); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("second err = %v", err)
	}
	if len(f.protector.reqs) != 1 {
		t.Errorf("protect calls = %d", len(f.protector.reqs))
	}
}

func TestExecute_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		ev     fakeEvaluator
		liq    liquidity
		minBps int64
		want   error
	}{
		{"unprofitable", fakeEvaluator{ev: profitable(990)}, true, 10, domain.ErrUnprofitable},
		{"thin liquidity", fakeEvaluator{ev: profitable(1_100)}, false, 10, domain.ErrInsufficientLiquidity},
		// 1% profit against a 20% floor reverts in preflight.
		{"preflight floor", fakeEvaluator{ev: profitable(1_010)}, true, 2_000, domain.ErrUnprofitable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.ev, tt.liq, tt.minBps)

			_, err := f.svc.Execute(context.Background(), baseOpp)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(f.protector.reqs) != 0 {
				t.Error("rejected opportunity reached the coordinator")
			}
			if len(f.opps.recs) != 1 || f.opps.recs[0].Status != domain.OpportunityRejected {
				t.Errorf("records = %+v", f.opps.recs)
			}
			if len(f.events.events) != 1 || f.events.events[0].Type != domain.EventOpportunityRejected {
				t.Errorf("events = %+v", f.events.events)
			}
		})
	}
}

func TestExecute_PreflightRevertCarriesState(t *testing.T) {
	f := newFixture(fakeEvaluator{ev: profitable(1_010)}, true, 2_000)

	_, err := f.svc.Execute(context.Background(), baseOpp)
	var rev *settlement.RevertError
	if !errors.As(err, &rev) {
		t.Fatalf("err = %v, want RevertError", err)
	}
	if rev.State != settlement.StateLegBExecuted {
		t.Errorf("state = %s", rev.State)
	}
}

func TestExecute_ProtectFailureIsRecorded(t *testing.T) {
	f := newFixture(fakeEvaluator{ev: profitable(1_100)}, true, 10)
	f.protector.err = domain.ErrInclusionExhausted

	exec, err := f.svc.Execute(context.Background(), baseOpp)
	if !errors.Is(err, domain.ErrInclusionExhausted) {
		t.Fatalf("err = %v", err)
	}
	if exec.Outcome != domain.OutcomeFailed {
		t.Errorf("outcome = %s", exec.Outcome)
	}
	if len(f.opps.recs) != 1 || f.opps.recs[0].Status != domain.OpportunityFailed {
		t.Errorf("records = %+v", f.opps.recs)
	}
	if len(f.execs.execs) != 1 {
		t.Errorf("failed execution not stored")
	}
}

func TestExecute_EvaluatorError(t *testing.T) {
	f := newFixture(fakeEvaluator{err: errors.New("no quotes")}, true, 10)
	if _, err := f.svc.Execute(context.Background(), baseOpp); err == nil || domain.IsEconomicRejection(err) {
		t.Errorf("err = %v", err)
	}
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	if !d.Consume("a") {
		t.Fatal("first consume should succeed")
	}
	if d.Consume("a") {
		t.Error("second consume within TTL should fail")
	}

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	if d.Len() != 0 {
		t.Errorf("Len after cleanup = %d", d.Len())
	}
	if !d.Consume("a") {
		t.Error("consume after TTL should succeed")
	}
}
