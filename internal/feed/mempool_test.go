package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu  sync.Mutex
	txs []domain.PendingTx
	got chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 64)} }

func (r *recorder) Observe(tx domain.PendingTx) bool {
	r.mu.Lock()
	r.txs = append(r.txs, tx)
	r.mu.Unlock()
	r.got <- struct{}{}
	return false
}

func (r *recorder) snapshot() []domain.PendingTx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PendingTx(nil), r.txs...)
}

const swapTx = `{"hash":"0x%s","from":"0x00000000000000000000000000000000000000aa","to":"0x00000000000000000000000000000000000000bb","gasPrice":"0x3b9aca00","input":"0x38ed1739deadbeef"}`

func notification(sub, result string) string {
	return `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"` + sub + `","result":` + result + `}}`
}

func txJSON(hashByte string) string {
	return strings.Replace(swapTx, "0x%s", "0x"+strings.Repeat(hashByte, 64), 1)
}

// mempoolServer serves one scripted session per connection and counts
// connections.
func mempoolServer(t *testing.T, sessions []func(*websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" || req.Params[0] != "newPendingTransactions" {
			t.Errorf("unexpected request %+v", req)
			return
		}

		n := int(conns.Add(1)) - 1
		if n < len(sessions) {
			sessions[n](conn)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestMempoolFeed_ObservesAndReconnects(t *testing.T) {
	srv, conns := mempoolServer(t, []func(*websocket.Conn){
		func(c *websocket.Conn) {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub1"}`))
			_ = c.WriteMessage(websocket.TextMessage, []byte(notification("0xsub1", txJSON("1"))))
			// Plain transfer: no selector.
			_ = c.WriteMessage(websocket.TextMessage, []byte(notification("0xsub1",
				`{"hash":"0x`+strings.Repeat("2", 64)+`","from":"0x00000000000000000000000000000000000000aa","to":"0x00000000000000000000000000000000000000bb","gasPrice":"0x1","input":"0x"}`)))
			// Foreign subscription id.
			_ = c.WriteMessage(websocket.TextMessage, []byte(notification("0xother", txJSON("3"))))
		},
		func(c *websocket.Conn) {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub2"}`))
			_ = c.WriteMessage(websocket.TextMessage, []byte(notification("0xsub2", txJSON("4"))))
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		},
	})
	defer srv.Close()

	rec := newRecorder()
	cfg := DefaultConfig(wsURL(srv))
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	f, err := NewMempoolFeed(cfg, rec, nil, discard())
	if err != nil {
		t.Fatalf("NewMempoolFeed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	for i := range 2 {
		select {
		case <-rec.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for observation %d", i)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	txs := rec.snapshot()
	if len(txs) != 2 {
		t.Fatalf("observed %d txs, want 2", len(txs))
	}
	if txs[0].Hash != common.HexToHash("0x"+strings.Repeat("1", 64)) || txs[1].Hash != common.HexToHash("0x"+strings.Repeat("4", 64)) {
		t.Errorf("hashes = %s, %s", txs[0].Hash, txs[1].Hash)
	}
	if txs[0].Selector != (domain.Selector{0x38, 0xed, 0x17, 0x39}) {
		t.Errorf("selector = %x", txs[0].Selector)
	}
	if txs[0].GasPrice.Int64() != 1_000_000_000 {
		t.Errorf("gas price = %s", txs[0].GasPrice)
	}
	if conns.Load() < 2 {
		t.Errorf("connections = %d, want reconnect", conns.Load())
	}
	st := f.Stats()
	if st.Observed != 2 || st.Skipped != 1 || st.Reconnects < 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMempoolFeed_SubscribeRejected(t *testing.T) {
	srv, _ := mempoolServer(t, []func(*websocket.Conn){
		func(c *websocket.Conn) {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"notifications not supported"}}`))
			_, _, _ = c.ReadMessage()
		},
	})
	defer srv.Close()

	f, err := NewMempoolFeed(DefaultConfig(wsURL(srv)), newRecorder(), nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	err = f.runConnection(context.Background())
	if err == nil || !strings.Contains(err.Error(), "notifications not supported") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewMempoolFeed_Validation(t *testing.T) {
	if _, err := NewMempoolFeed(Config{}, newRecorder(), nil, discard()); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := NewMempoolFeed(Config{URL: "ws://x"}, nil, nil, discard()); err == nil {
		t.Error("expected error for missing observer")
	}
	if _, err := NewMempoolFeed(Config{URL: "ws://x"}, newRecorder(), nil, discard()); err == nil {
		t.Error("expected error for hash-only feed without resolver")
	}
}

func TestDecode_DynamicFeeFallback(t *testing.T) {
	f, _ := NewMempoolFeed(DefaultConfig("ws://x"), newRecorder(), nil, discard())
	raw := json.RawMessage(`{"hash":"0x` + strings.Repeat("a", 64) + `","from":"0x00000000000000000000000000000000000000aa","to":"0x00000000000000000000000000000000000000bb","maxFeePerGas":"0x77359400","input":"0xa9059cbb00"}`)

	tx, ok := f.decode(context.Background(), raw)
	if !ok {
		t.Fatal("decode rejected a contract call")
	}
	if tx.GasPrice.Int64() != 2_000_000_000 {
		t.Errorf("gas price = %s, want max fee", tx.GasPrice)
	}

	deploy := json.RawMessage(`{"hash":"0x` + strings.Repeat("b", 64) + `","from":"0x00000000000000000000000000000000000000aa","to":null,"gasPrice":"0x1","input":"0x60806040"}`)
	if _, ok := f.decode(context.Background(), deploy); ok {
		t.Error("deployment should be skipped")
	}
	if _, ok := f.decode(context.Background(), json.RawMessage(`"0x`+strings.Repeat("c", 64)+`"`)); ok {
		t.Error("hash payload without resolver should be skipped")
	}
}

type fakeResolver struct {
	tx  *types.Transaction
	err error
}

func (r fakeResolver) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return r.tx, true, r.err
}

func TestDecode_ResolvesHashes(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chainID := big.NewInt(1)
	to := common.HexToAddress("0xbb")
	signed, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     3,
		GasTipCap: big.NewInt(2e9),
		GasFeeCap: big.NewInt(40e9),
		Gas:       200_000,
		To:        &to,
		Data:      []byte{0x12, 0x34, 0x56, 0x78, 0x00},
	}), types.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig("ws://x")
	cfg.FullTransactions = false
	cfg.ChainID = 1
	f, err := NewMempoolFeed(cfg, newRecorder(), fakeResolver{tx: signed}, discard())
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(signed.Hash())
	tx, ok := f.decode(context.Background(), raw)
	if !ok {
		t.Fatal("resolve failed")
	}
	if tx.Sender != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("sender = %s", tx.Sender)
	}
	if tx.Selector != (domain.Selector{0x12, 0x34, 0x56, 0x78}) || tx.GasPrice.Int64() != 40e9 {
		t.Errorf("tx = %+v", tx)
	}

	f.resolver = fakeResolver{err: errors.New("not found")}
	if _, ok := f.decode(context.Background(), raw); ok {
		t.Error("resolver error should skip")
	}
}
