package coordinator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashguard/internal/chain"
	"github.com/alanyoungcy/flashguard/internal/commitreveal"
	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/relay"
)

var (
	protectionAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	settlementAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	owner          = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	gwei           = big.NewInt(1_000_000_000)
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSigner struct {
	key     *ecdsa.PrivateKey
	signer  types.Signer
	pending atomic.Uint64
	gas     chain.GasParams
	est     uint64
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &fakeSigner{
		key:    key,
		signer: types.LatestSignerForChainID(big.NewInt(1)),
		gas: chain.GasParams{
			BaseFee: new(big.Int).Mul(big.NewInt(10), gwei),
			TipCap:  new(big.Int).Set(gwei),
			FeeCap:  new(big.Int).Mul(big.NewInt(21), gwei),
		},
		est: 100_000,
	}
}

func (s *fakeSigner) Sender() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s *fakeSigner) Nonce(context.Context) (uint64, error) { return s.pending.Load(), nil }

func (s *fakeSigner) GasParams(context.Context) (chain.GasParams, error) { return s.gas, nil }

func (s *fakeSigner) EstimateGas(context.Context, domain.Call) (uint64, error) { return s.est, nil }

func (s *fakeSigner) Sign(call domain.Call, nonce uint64, gas chain.GasParams) (*types.Transaction, error) {
	to := call.To
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		GasTipCap: gas.TipCap,
		GasFeeCap: gas.FeeCap,
		Gas:       call.GasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	return types.SignTx(tx, s.signer, s.key)
}

// fakeHead advances by step on every read.
type fakeHead struct{ n, step atomic.Uint64 }

func (h *fakeHead) BlockNumber(context.Context) (uint64, error) { return h.n.Add(h.step.Load()), nil }

// fakeRelay includes the bundle targeted at includeAt by applying its real
// transaction to the simulated protection contract.
type fakeRelay struct {
	sim          *commitreveal.Simulated
	includeAt    uint64
	revertReal   bool
	revertDecoys bool
	sendErr      error
	hold         chan struct{}

	mu         sync.Mutex
	targets    []uint64
	bundles    [][]*types.Transaction
	revertible [][]common.Hash
	simulated  int
}

func newFakeRelay(sim *commitreveal.Simulated) *fakeRelay {
	return &fakeRelay{sim: sim}
}

func (r *fakeRelay) SendBundle(_ context.Context, txs []*types.Transaction, target uint64, revertible ...common.Hash) (relay.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	if r.sendErr != nil {
		return relay.SendResult{}, r.sendErr
	}
	r.bundles = append(r.bundles, txs)
	r.revertible = append(r.revertible, revertible)
	return relay.SendResult{BundleHash: txs[0].Hash().Hex()}, nil
}

func (r *fakeRelay) SimulateBundle(_ context.Context, txs []*types.Transaction, _ uint64) (relay.SimulationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.simulated++
	res := relay.SimulationResult{BundleHash: "0xsim"}
	for i := range txs {
		sim := relay.TxSimulation{TxHash: txs[i].Hash().Hex()}
		reveal := txs[i].To() != nil && *txs[i].To() == protectionAddr
		if (reveal && r.revertReal) || (!reveal && r.revertDecoys) {
			sim.Error = "execution reverted"
		}
		res.Results = append(res.Results, sim)
	}
	return res, nil
}

func (r *fakeRelay) WaitForInclusion(ctx context.Context, txHash common.Hash, target uint64) (relay.Inclusion, error) {
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return relay.Inclusion{}, ctx.Err()
		}
	}
	if target != r.includeAt {
		return relay.Inclusion{}, nil
	}
	r.mu.Lock()
	txs := r.bundles[len(r.bundles)-1]
	r.mu.Unlock()
	for _, tx := range txs {
		if tx.Hash() != txHash {
			continue
		}
		call := domain.Call{To: *tx.To(), Value: tx.Value(), Data: tx.Data()}
		if _, err := r.sim.Apply(call, tx.GasFeeCap()); err != nil {
			return relay.Inclusion{}, err
		}
		return relay.Inclusion{Included: true, Block: target}, nil
	}
	return relay.Inclusion{}, errors.New("real tx not in bundle")
}

func (r *fakeRelay) sentTargets() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.targets...)
}

type fixedThreat domain.ThreatLevel

func (f fixedThreat) ThreatLevel() domain.ThreatLevel { return domain.ThreatLevel(f) }

type fixedMode domain.ExecutionMode

func (m fixedMode) Current() domain.ExecutionMode { return domain.ExecutionMode(m) }

type stubDecoys struct{}

func (stubDecoys) Generate(n int) ([]domain.Call, error) {
	calls := make([]domain.Call, n)
	for i := range calls {
		calls[i] = domain.Call{To: common.BigToAddress(big.NewInt(int64(0x1000 + i))), Data: []byte{0xa9, 0x05, 0x9c, 0xbb}, GasLimit: 50_000}
	}
	return calls, nil
}

type harness struct {
	coord  *Coordinator
	reg    *commitreveal.Registry
	relay  *fakeRelay
	signer *fakeSigner
	head   *fakeHead
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(_ context.Context, evt domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) has(t domain.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type harnessOpts struct {
	params domain.ProtectionParams
	mode   domain.ExecutionMode
	threat domain.ThreatLevel
	cfg    *Config
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.params.CommitRevealWindow == 0 {
		o.params.CommitRevealWindow = time.Minute
	}
	if o.mode == "" {
		o.mode = domain.ModeLive
	}
	reg, err := commitreveal.NewRegistry(commitreveal.RegistryConfig{Owner: owner, Params: o.params},
		commitreveal.ExecutorFunc(func(_, _ common.Address, _ *big.Int, _ []byte) ([]byte, error) {
			return nil, nil
		}))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	signer := newFakeSigner(t)
	signer.pending.Store(7)
	sim := commitreveal.NewSimulated(reg, protectionAddr, signer.Sender())
	rel := newFakeRelay(sim)
	head := &fakeHead{}
	head.n.Store(100)
	events := &eventLog{}

	cfg := DefaultConfig()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	coord, err := New(cfg, Deps{
		Protection: sim,
		Relay:      rel,
		Signer:     signer,
		Head:       head,
		Decoys:     stubDecoys{},
		Threat:     fixedThreat(o.threat),
		Mode:       fixedMode(o.mode),
		Publisher:  events,
	}, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{coord: coord, reg: reg, relay: rel, signer: signer, head: head, events: events}
}

func request(id string) Request {
	return Request{
		ID:     id,
		Target: settlementAddr,
		Value:  big.NewInt(0),
		Data:   []byte{0x01, 0x02, 0x03, 0x04},
		Fee:    big.NewInt(1_000_000),
	}
}

func TestProtect_IncludedOnRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.relay.includeAt = 103

	exec, err := h.coord.Protect(context.Background(), request("req-1"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if exec.Outcome != domain.OutcomeIncluded || exec.IncludedBlock != 103 {
		t.Errorf("outcome = %s at %d", exec.Outcome, exec.IncludedBlock)
	}
	want := []uint64{101, 102, 103}
	if got := h.relay.sentTargets(); !equalBlocks(got, want) {
		t.Errorf("targets = %v, want %v", got, want)
	}
	c, ok := h.reg.Commitment(exec.CommitmentHash)
	if !ok || !c.Used {
		t.Errorf("commitment used = %v, found = %v", c.Used, ok)
	}
	if exec.FeeRefunded {
		t.Error("fee must not be refunded after inclusion")
	}
	if !h.events.has(domain.EventBundleIncluded) || !h.events.has(domain.EventBundleMissed) {
		t.Error("missing bundle events")
	}
	if st, ok := h.coord.Status("req-1"); !ok || st.State != StateIncluded {
		t.Errorf("status = %+v", st)
	}
}

func TestProtect_RetryBound(t *testing.T) {
	for _, maxTry := range []int{0, 1, 3} {
		cfg := DefaultConfig()
		cfg.MaxBlocksToTry = maxTry
		h := newHarness(t, harnessOpts{cfg: &cfg})

		exec, err := h.coord.Protect(context.Background(), request("req"))
		if !errors.Is(err, domain.ErrInclusionExhausted) {
			t.Fatalf("maxTry %d: err = %v", maxTry, err)
		}
		targets := h.relay.sentTargets()
		if len(targets) != maxTry+1 {
			t.Errorf("maxTry %d: %d attempts, want %d", maxTry, len(targets), maxTry+1)
		}
		for i, b := range targets {
			if b != 101+uint64(i) {
				t.Errorf("maxTry %d: attempt %d targeted %d", maxTry, i, b)
			}
		}
		if exec.Outcome != domain.OutcomeFailed || !exec.FeeRefunded {
			t.Errorf("maxTry %d: outcome = %s refunded = %v", maxTry, exec.Outcome, exec.FeeRefunded)
		}
		if got := h.reg.Refunded(h.signer.Sender()); got.Cmp(big.NewInt(1_000_000)) != 0 {
			t.Errorf("maxTry %d: refunded = %s", maxTry, got)
		}
		if h.reg.Escrowed().Sign() != 0 {
			t.Errorf("maxTry %d: escrow not released", maxTry)
		}
	}
}

func TestProtect_RequestOverridesBlocksToWait(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	req := request("req")
	req.MaxBlocksToWait = 5

	if _, err := h.coord.Protect(context.Background(), req); !errors.Is(err, domain.ErrInclusionExhausted) {
		t.Fatalf("err = %v", err)
	}
	if got := len(h.relay.sentTargets()); got != 6 {
		t.Errorf("attempts = %d, want 6", got)
	}
}

func TestProtect_GasPriceTooHigh(t *testing.T) {
	h := newHarness(t, harnessOpts{params: domain.ProtectionParams{
		CommitRevealWindow: time.Minute,
		MaxGasPrice:        new(big.Int).Set(gwei),
		EnforceGasPrice:    true,
	}})

	exec, err := h.coord.Protect(context.Background(), request("req"))
	if !errors.Is(err, domain.ErrGasPriceTooHigh) || !domain.IsEconomicRejection(err) {
		t.Fatalf("err = %v", err)
	}
	if len(h.relay.sentTargets()) != 0 {
		t.Error("no bundle should be sent")
	}
	if !exec.FeeRefunded {
		t.Error("fee should be refunded")
	}
}

func TestProtect_Paused(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: domain.ModePaused})

	exec, err := h.coord.Protect(context.Background(), request("req"))
	if !errors.Is(err, domain.ErrPaused) {
		t.Fatalf("err = %v", err)
	}
	if exec.Outcome != domain.OutcomeFailed {
		t.Errorf("outcome = %s", exec.Outcome)
	}
	if h.reg.Escrowed().Sign() != 0 {
		t.Error("paused request must not commit")
	}
}

func TestProtect_Simulate(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: domain.ModeSimulate})

	exec, err := h.coord.Protect(context.Background(), request("req"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if !exec.Simulated || exec.Outcome != domain.OutcomeIncluded {
		t.Errorf("exec = %+v", exec)
	}
	if h.relay.simulated != 1 || len(h.relay.sentTargets()) != 0 {
		t.Errorf("simulated = %d sent = %d", h.relay.simulated, len(h.relay.sentTargets()))
	}
	if !exec.FeeRefunded {
		t.Error("simulated commitment should be released")
	}
}

func TestProtect_SimulateRealRevertFails(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: domain.ModeSimulate, threat: domain.ThreatHigh})
	h.relay.revertReal = true

	exec, err := h.coord.Protect(context.Background(), request("req"))
	if !errors.Is(err, domain.ErrCallReverted) {
		t.Fatalf("err = %v, want ErrCallReverted", err)
	}
	if exec.Outcome != domain.OutcomeFailed {
		t.Errorf("outcome = %s", exec.Outcome)
	}
}

func TestProtect_SimulateIgnoresDecoyReverts(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: domain.ModeSimulate, threat: domain.ThreatHigh})
	h.relay.revertDecoys = true

	exec, err := h.coord.Protect(context.Background(), request("req"))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if exec.Outcome != domain.OutcomeIncluded {
		t.Errorf("outcome = %s", exec.Outcome)
	}
}

func TestProtect_SendsDecoysAsRevertible(t *testing.T) {
	h := newHarness(t, harnessOpts{threat: domain.ThreatHigh})
	h.relay.includeAt = 101

	if _, err := h.coord.Protect(context.Background(), request("req")); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	txs, revertible := h.relay.bundles[0], h.relay.revertible[0]
	if len(revertible) != len(txs)-1 {
		t.Fatalf("revertible = %d of %d txs", len(revertible), len(txs))
	}
	for _, tx := range txs {
		isReal := *tx.To() == protectionAddr
		if slices.Contains(revertible, tx.Hash()) == isReal {
			t.Errorf("tx to %s: revertible = %v", tx.To().Hex(), !isReal)
		}
	}
}

func TestProtect_SendFailureWaitsForHead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadPollInterval = time.Millisecond
	h := newHarness(t, harnessOpts{cfg: &cfg})
	sendErr := fmt.Errorf("%w: builder unavailable", domain.ErrRelay)
	h.relay.sendErr = sendErr
	h.head.step.Store(1)

	exec, err := h.coord.Protect(context.Background(), request("req"))
	if !errors.Is(err, domain.ErrInclusionExhausted) || !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want ErrInclusionExhausted wrapping the relay error", err)
	}
	targets := h.relay.sentTargets()
	if len(targets) != cfg.MaxBlocksToTry+1 {
		t.Fatalf("attempts = %d, want %d", len(targets), cfg.MaxBlocksToTry+1)
	}
	for i := 1; i < len(targets); i++ {
		if targets[i] != targets[i-1]+1 {
			t.Errorf("targets = %v, want consecutive blocks", targets)
		}
	}
	// Each retry is sent only after the previous target was mined.
	if last := targets[len(targets)-2]; h.head.n.Load() < last {
		t.Errorf("head = %d, retried before block %d", h.head.n.Load(), last)
	}
	if exec.Outcome != domain.OutcomeFailed || !exec.FeeRefunded {
		t.Errorf("outcome = %s refunded = %v", exec.Outcome, exec.FeeRefunded)
	}
}

func TestProtect_DuplicateID(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.relay.includeAt = 101
	if _, err := h.coord.Protect(context.Background(), request("dup")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := h.coord.Protect(context.Background(), request("dup")); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("second err = %v", err)
	}
}

func waitForState(t *testing.T, c *Coordinator, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := c.Status(id); ok && st.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := c.Status(id)
	t.Fatalf("state = %s, want %s", st.State, want)
}

func TestCancel_BeforeSubmission(t *testing.T) {
	h := newHarness(t, harnessOpts{params: domain.ProtectionParams{
		MinCommitAge:       time.Minute,
		CommitRevealWindow: 2 * time.Minute,
	}})

	type result struct {
		exec domain.Execution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := h.coord.Protect(context.Background(), request("req"))
		done <- result{exec, err}
	}()

	waitForState(t, h.coord, "req", StateWaitingMinAge)
	if err := h.coord.Cancel(context.Background(), "req"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res := <-done
	if !errors.Is(res.err, domain.ErrCancelled) {
		t.Errorf("Protect err = %v", res.err)
	}
	if res.exec.Outcome != domain.OutcomeCancelled || !res.exec.FeeRefunded {
		t.Errorf("exec = %+v", res.exec)
	}
	if c, ok := h.reg.Commitment(res.exec.CommitmentHash); !ok || !c.Cancelled {
		t.Errorf("commitment = %+v, found = %v, want cancelled", c, ok)
	}
	if len(h.relay.sentTargets()) != 0 {
		t.Error("cancelled request submitted a bundle")
	}
	if st, _ := h.coord.Status("req"); st.State != StateCancelled {
		t.Errorf("state = %s", st.State)
	}
}

func TestCancel_AfterSubmission(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.relay.includeAt = 101
	h.relay.hold = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Protect(context.Background(), request("req"))
		done <- err
	}()

	waitForState(t, h.coord, "req", StateSubmitted)
	if err := h.coord.Cancel(context.Background(), "req"); !errors.Is(err, domain.ErrAlreadyRevealed) {
		t.Errorf("Cancel err = %v", err)
	}
	close(h.relay.hold)
	if err := <-done; err != nil {
		t.Errorf("Protect: %v", err)
	}
}

func TestCancel_Unknown(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if err := h.coord.Cancel(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if _, ok := h.coord.Status("nope"); ok {
		t.Error("unknown request has status")
	}
}

func TestNew_SenderMismatch(t *testing.T) {
	reg, err := commitreveal.NewRegistry(commitreveal.RegistryConfig{
		Owner:  owner,
		Params: domain.ProtectionParams{CommitRevealWindow: time.Minute},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sim := commitreveal.NewSimulated(reg, protectionAddr, owner)
	_, err = New(DefaultConfig(), Deps{
		Protection: sim,
		Relay:      newFakeRelay(sim),
		Signer:     newFakeSigner(t),
		Head:       &fakeHead{},
	}, discard())
	if err == nil {
		t.Error("expected sender mismatch error")
	}
}

func equalBlocks(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
