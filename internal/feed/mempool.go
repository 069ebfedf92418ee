// Package feed streams pending transactions from a node's websocket
// endpoint into the competitor monitor.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

const (
	subscribeID = 1
	writeWait   = 10 * time.Second
)

// Observer consumes decoded pending transactions. *monitor.Monitor
// satisfies it.
type Observer interface {
	Observe(tx domain.PendingTx) bool
}

// TxResolver looks up a pending transaction by hash for nodes that only
// stream hashes. *ethclient.Client satisfies it.
type TxResolver interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Config controls the mempool subscription.
type Config struct {
	URL string
	// FullTransactions asks the node for full transaction objects instead
	// of hashes. Geth and Erigon support it.
	FullTransactions  bool
	ChainID           uint64
	HandshakeTimeout  time.Duration
	PongWait          time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ResolveTimeout    time.Duration
}

// DefaultConfig returns production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		FullTransactions:  true,
		HandshakeTimeout:  15 * time.Second,
		PongWait:          60 * time.Second,
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: 60 * time.Second,
		ResolveTimeout:    2 * time.Second,
	}
}

// Stats counts what the feed has seen since it started.
type Stats struct {
	Received   uint64 `json:"received"`
	Observed   uint64 `json:"observed"`
	Skipped    uint64 `json:"skipped"`
	Reconnects uint64 `json:"reconnects"`
}

// MempoolFeed keeps an eth_subscribe newPendingTransactions subscription
// open, reconnecting with exponential backoff, and hands every contract call
// to the observer.
type MempoolFeed struct {
	cfg      Config
	observer Observer
	resolver TxResolver
	signer   types.Signer
	logger   *slog.Logger
	now      func() time.Time

	received   atomic.Uint64
	observed   atomic.Uint64
	skipped    atomic.Uint64
	reconnects atomic.Uint64
}

// NewMempoolFeed creates a feed. resolver may be nil when FullTransactions
// is set.
func NewMempoolFeed(cfg Config, observer Observer, resolver TxResolver, logger *slog.Logger) (*MempoolFeed, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: websocket url is required")
	}
	if observer == nil {
		return nil, errors.New("feed: observer is required")
	}
	if !cfg.FullTransactions && resolver == nil {
		return nil, errors.New("feed: hash-only subscription needs a resolver")
	}
	def := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(def.MaxReconnectDelay, cfg.ReconnectDelay)
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}

	f := &MempoolFeed{
		cfg:      cfg,
		observer: observer,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "mempool_feed")),
		now:      time.Now,
	}
	if cfg.ChainID != 0 {
		f.signer = types.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID))
	}
	return f, nil
}

// Stats returns a snapshot of the feed counters.
func (f *MempoolFeed) Stats() Stats {
	return Stats{
		Received:   f.received.Load(),
		Observed:   f.observed.Load(),
		Skipped:    f.skipped.Load(),
		Reconnects: f.reconnects.Load(),
	}
}

// Run holds the subscription open until ctx is cancelled.
func (f *MempoolFeed) Run(ctx context.Context) error {
	delay := f.cfg.ReconnectDelay
	for {
		started := f.now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A connection that stayed up for a while resets the backoff.
		if f.now().Sub(started) > f.cfg.MaxReconnectDelay {
			delay = f.cfg.ReconnectDelay
		}
		f.reconnects.Add(1)
		f.logger.Warn("mempool subscription dropped, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay = min(delay*2, f.cfg.MaxReconnectDelay)
	}
}

func (f *MempoolFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer conn.Close()
		ping := time.NewTicker(f.cfg.PongWait * 9 / 10)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, f.now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(f.now().Add(f.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(f.now().Add(f.cfg.PongWait))
	})

	params := []any{"newPendingTransactions"}
	if f.cfg.FullTransactions {
		params = append(params, true)
	}
	if err := conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: subscribeID, Method: "eth_subscribe", Params: params}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	subID := ""
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(f.now().Add(f.cfg.PongWait))

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Debug("undecodable message", slog.String("error", err.Error()))
			continue
		}

		switch {
		case msg.ID != nil && *msg.ID == subscribeID:
			if msg.Error != nil {
				return fmt.Errorf("feed: subscribe rejected: %s", msg.Error.Message)
			}
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				return fmt.Errorf("feed: subscribe result: %w", err)
			}
			f.logger.Info("mempool subscription established",
				slog.String("subscription", subID),
				slog.Bool("full_transactions", f.cfg.FullTransactions),
			)
		case msg.Method == "eth_subscription" && msg.Params != nil:
			if subID != "" && msg.Params.Subscription != subID {
				continue
			}
			f.received.Add(1)
			f.handle(ctx, msg.Params.Result)
		}
	}
}

func (f *MempoolFeed) handle(ctx context.Context, raw json.RawMessage) {
	tx, ok := f.decode(ctx, raw)
	if !ok {
		f.skipped.Add(1)
		return
	}
	f.observed.Add(1)
	f.observer.Observe(tx)
}

// decode turns a subscription payload into a PendingTx. Plain transfers and
// deployments carry no selector and are skipped.
func (f *MempoolFeed) decode(ctx context.Context, raw json.RawMessage) (domain.PendingTx, bool) {
	if len(raw) > 0 && raw[0] == '"' {
		var hash common.Hash
		if err := json.Unmarshal(raw, &hash); err != nil {
			return domain.PendingTx{}, false
		}
		return f.resolve(ctx, hash)
	}

	var tx rpcTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return domain.PendingTx{}, false
	}
	if tx.To == nil || len(tx.Input) < 4 {
		return domain.PendingTx{}, false
	}
	price := tx.GasPrice
	if price == nil {
		price = tx.MaxFeePerGas
	}
	if price == nil {
		return domain.PendingTx{}, false
	}

	out := domain.PendingTx{
		Hash:      tx.Hash,
		Sender:    tx.From,
		GasPrice:  price.ToInt(),
		Timestamp: f.now().UTC(),
	}
	copy(out.Selector[:], tx.Input[:4])
	return out, true
}

func (f *MempoolFeed) resolve(ctx context.Context, hash common.Hash) (domain.PendingTx, bool) {
	if f.resolver == nil || f.signer == nil {
		return domain.PendingTx{}, false
	}
	rctx, cancel := context.WithTimeout(ctx, f.cfg.ResolveTimeout)
	defer cancel()

	tx, _, err := f.resolver.TransactionByHash(rctx, hash)
	if err != nil {
		return domain.PendingTx{}, false
	}
	if tx.To() == nil || len(tx.Data()) < 4 {
		return domain.PendingTx{}, false
	}
	from, err := types.Sender(f.signer, tx)
	if err != nil {
		return domain.PendingTx{}, false
	}

	out := domain.PendingTx{
		Hash:      hash,
		Sender:    from,
		GasPrice:  tx.GasFeeCap(),
		Timestamp: f.now().UTC(),
	}
	copy(out.Selector[:], tx.Data()[:4])
	return out, true
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

type rpcTx struct {
	Hash         common.Hash     `json:"hash"`
	From         common.Address  `json:"from"`
	To           *common.Address `json:"to"`
	GasPrice     *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas *hexutil.Big    `json:"maxFeePerGas"`
	Input        hexutil.Bytes   `json:"input"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
