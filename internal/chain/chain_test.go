package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

type fakeBackend struct {
	mu        sync.Mutex
	baseFee   *big.Int
	tip       *big.Int
	tipErr    error
	gasPrice  *big.Int
	estimates []error
	estimate  uint64
	calls     int
	receipts  map[common.Hash]*types.Receipt
	sent      []*types.Transaction
	nonce     uint64
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if f.tipErr != nil {
		return nil, f.tipErr
	}
	return new(big.Int).Set(f.tip), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.estimates) > 0 {
		err := f.estimates[0]
		f.estimates = f.estimates[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.estimate, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func tenthGwei(n int64) *big.Int { return big.NewInt(n * 1e8) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCalculateGasParams(t *testing.T) {
	cfg := DefaultGasConfig()

	tests := []struct {
		name       string
		backend    *fakeBackend
		wantTip    *big.Int
		wantFeeCap *big.Int
		wantLegacy *big.Int
	}{
		{
			name:       "dynamic fee",
			backend:    &fakeBackend{baseFee: GweiToWei(10), tip: GweiToWei(2)},
			wantTip:    tenthGwei(24),
			wantFeeCap: tenthGwei(224),
		},
		{
			name:       "tip clamped to max",
			backend:    &fakeBackend{baseFee: GweiToWei(10), tip: GweiToWei(100)},
			wantTip:    GweiToWei(50),
			wantFeeCap: GweiToWei(70),
		},
		{
			name:       "tip suggestion fails",
			backend:    &fakeBackend{baseFee: GweiToWei(10), tipErr: errors.New("boom")},
			wantTip:    tenthGwei(12),
			wantFeeCap: tenthGwei(212),
		},
		{
			name:       "legacy chain",
			backend:    &fakeBackend{gasPrice: GweiToWei(20)},
			wantLegacy: GweiToWei(30),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CalculateGasParams(context.Background(), tt.backend, cfg, discard())
			if err != nil {
				t.Fatalf("CalculateGasParams: %v", err)
			}
			if tt.wantLegacy != nil {
				if !p.Legacy || p.GasPrice.Cmp(tt.wantLegacy) != 0 {
					t.Errorf("legacy price = %v, want %v", p.GasPrice, tt.wantLegacy)
				}
				return
			}
			if p.TipCap.Cmp(tt.wantTip) != 0 {
				t.Errorf("tip = %s, want %s", p.TipCap, tt.wantTip)
			}
			if p.FeeCap.Cmp(tt.wantFeeCap) != 0 {
				t.Errorf("fee cap = %s, want %s", p.FeeCap, tt.wantFeeCap)
			}
		})
	}
}

func TestEstimateGas_RetriesAndBuffers(t *testing.T) {
	b := &fakeBackend{estimate: 100_000, estimates: []error{errors.New("transient"), nil}}
	cfg := DefaultGasConfig()

	gas, err := EstimateGas(context.Background(), b, ethereum.CallMsg{}, cfg)
	if err != nil {
		t.Fatalf("EstimateGas: %v", err)
	}
	if gas != 120_000 {
		t.Errorf("gas = %d, want 120000", gas)
	}
	if b.calls != 2 {
		t.Errorf("calls = %d, want 2", b.calls)
	}
}

func TestEstimateGas_Exhausted(t *testing.T) {
	fail := errors.New("execution reverted")
	b := &fakeBackend{estimates: []error{fail, fail}}
	cfg := DefaultGasConfig()
	cfg.EstimateRetries = 2

	if _, err := EstimateGas(context.Background(), b, ethereum.CallMsg{}, cfg); !errors.Is(err, fail) {
		t.Errorf("err = %v, want wrapped %v", err, fail)
	}
}

func TestTxBuilder_SignRecoversSender(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b := NewTxBuilder(&fakeBackend{}, key, big.NewInt(1), DefaultGasConfig(), discard())

	call := domain.Call{To: common.HexToAddress("0x01"), Value: big.NewInt(5), Data: []byte{1, 2}, GasLimit: 21_000}
	gas := GasParams{BaseFee: GweiToWei(10)}.WithTip(GweiToWei(2), 2)

	tx, err := b.Sign(call, 7, gas)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != b.Sender() {
		t.Errorf("sender = %s, want %s", from.Hex(), b.Sender().Hex())
	}
	if tx.Nonce() != 7 || tx.Type() != types.DynamicFeeTxType {
		t.Errorf("nonce=%d type=%d", tx.Nonce(), tx.Type())
	}

	if _, err := b.Sign(domain.Call{To: call.To}, 0, gas); !errors.Is(err, domain.ErrSigningFailed) {
		t.Errorf("zero gas limit: err = %v", err)
	}
}

func TestTxBuilder_Send(t *testing.T) {
	key, _ := crypto.GenerateKey()
	be := &fakeBackend{baseFee: GweiToWei(10), tip: GweiToWei(2), estimate: 50_000, nonce: 3}
	b := NewTxBuilder(be, key, big.NewInt(1), DefaultGasConfig(), discard())

	tx, err := b.Send(context.Background(), domain.Call{To: common.HexToAddress("0x02")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tx.Gas() != 60_000 || tx.Nonce() != 3 {
		t.Errorf("gas=%d nonce=%d", tx.Gas(), tx.Nonce())
	}
	if len(be.sent) != 1 {
		t.Errorf("sent = %d", len(be.sent))
	}
}

func TestWaitMined(t *testing.T) {
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	missing := common.HexToHash("0x03")
	b := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		ok:       {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5)},
		reverted: {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(5)},
	}}
	ctx := context.Background()

	if r, err := WaitMined(ctx, b, ok, 10*time.Millisecond, time.Second); err != nil || r.BlockNumber.Int64() != 5 {
		t.Errorf("mined: r=%v err=%v", r, err)
	}
	if _, err := WaitMined(ctx, b, reverted, 10*time.Millisecond, time.Second); !errors.Is(err, domain.ErrCallReverted) {
		t.Errorf("reverted: err = %v", err)
	}
	if _, err := WaitMined(ctx, b, missing, 10*time.Millisecond, 50*time.Millisecond); !errors.Is(err, domain.ErrMineTimeout) {
		t.Errorf("missing: err = %v", err)
	}
}
