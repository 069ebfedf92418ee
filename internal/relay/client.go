// Package relay submits signed bundles to a private block-builder relay and
// tracks whether they land in their target block.
package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/metrics"
)

// ErrEmptyBundle is returned for a bundle with no transactions.
var ErrEmptyBundle = errors.New("relay: empty bundle")

// Waiter blocks until the caller may issue another request. Both
// *rate.Limiter and SharedLimiter satisfy it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// SharedLimiter adapts a distributed rate limiter so every process sharing
// the relay key draws from one budget.
type SharedLimiter struct {
	Limiter domain.RateLimiter
	Key     string
	Limit   int
	Window  time.Duration
}

func (s SharedLimiter) Wait(ctx context.Context) error {
	return s.Limiter.Wait(ctx, s.Key, s.Limit, s.Window)
}

// Limiters waits on each limiter in order.
type Limiters []Waiter

func (ls Limiters) Wait(ctx context.Context) error {
	for _, l := range ls {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HeadReader is the chain access WaitForInclusion needs.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds relay endpoint settings.
type Config struct {
	URL              string
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	InclusionTimeout time.Duration
	PollInterval     time.Duration
}

// Client is safe for concurrent use; all pipelines share one.
type Client struct {
	cfg     Config
	authKey *ecdsa.PrivateKey
	http    *http.Client
	limiter Waiter
	chain   HeadReader
	metrics *metrics.Collector
	logger  *slog.Logger
	nextID  atomic.Int64
}

// New creates a relay client. limiter and m may be nil.
func New(cfg Config, authKey *ecdsa.PrivateKey, chain HeadReader, limiter Waiter, m *metrics.Collector, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.InclusionTimeout <= 0 {
		cfg.InclusionTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{
		cfg:     cfg,
		authKey: authKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		chain:   chain,
		metrics: m,
		logger:  logger.With(slog.String("component", "relay")),
	}
}

// SendBundle submits txs for inclusion in targetBlock. The builder may land
// the bundle even when a transaction listed in revertible reverts.
func (c *Client) SendBundle(ctx context.Context, txs []*types.Transaction, targetBlock uint64, revertible ...common.Hash) (SendResult, error) {
	raw, err := encodeTxs(txs)
	if err != nil {
		return SendResult{}, err
	}
	var reverting []string
	for _, h := range revertible {
		reverting = append(reverting, h.Hex())
	}
	var res SendResult
	err = c.call(ctx, "eth_sendBundle", sendBundleParams{
		Txs:               raw,
		BlockNumber:       hexutil.EncodeUint64(targetBlock),
		RevertingTxHashes: reverting,
	}, &res)
	if err != nil {
		c.metrics.BundleSubmitted("error")
		return SendResult{}, err
	}
	c.metrics.BundleSubmitted("accepted")
	c.logger.InfoContext(ctx, "bundle submitted",
		slog.String("bundle_hash", res.BundleHash),
		slog.Uint64("target_block", targetBlock),
		slog.Int("txs", len(txs)),
	)
	return res, nil
}

// SimulateBundle runs txs on top of the latest state as if mined in
// targetBlock, without submitting them.
func (c *Client) SimulateBundle(ctx context.Context, txs []*types.Transaction, targetBlock uint64) (SimulationResult, error) {
	raw, err := encodeTxs(txs)
	if err != nil {
		return SimulationResult{}, err
	}
	var res SimulationResult
	err = c.call(ctx, "eth_callBundle", callBundleParams{
		Txs:              raw,
		BlockNumber:      hexutil.EncodeUint64(targetBlock),
		StateBlockNumber: "latest",
	}, &res)
	if err != nil {
		c.metrics.BundleSubmitted("simulation_error")
		return SimulationResult{}, err
	}
	c.metrics.BundleSubmitted("simulated")
	return res, nil
}

// Inclusion reports whether a transaction landed by its target block.
type Inclusion struct {
	Included bool
	Block    uint64
}

// WaitForInclusion waits for the chain head to reach targetBlock and then
// checks for a receipt of txHash at or before it. Waiting is bounded by the
// configured inclusion timeout; a timeout is reported as not included.
func (c *Client) WaitForInclusion(ctx context.Context, txHash common.Hash, targetBlock uint64) (Inclusion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InclusionTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		head, err := c.chain.BlockNumber(ctx)
		if err == nil && head >= targetBlock {
			inc, err := c.lookup(ctx, txHash, targetBlock)
			if err != nil {
				return Inclusion{}, err
			}
			if inc.Included {
				c.metrics.BundleSubmitted("included")
			} else {
				c.metrics.BundleSubmitted("missed")
			}
			return inc, nil
		}
		if err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "head lookup failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.logger.Warn("inclusion wait timed out",
					slog.String("tx", txHash.Hex()),
					slog.Uint64("target_block", targetBlock),
				)
				c.metrics.BundleSubmitted("missed")
				return Inclusion{}, nil
			}
			return Inclusion{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) lookup(ctx context.Context, txHash common.Hash, targetBlock uint64) (Inclusion, error) {
	receipt, err := c.chain.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return Inclusion{}, nil
	}
	if err != nil {
		return Inclusion{}, fmt.Errorf("relay: receipt %s: %w", txHash.Hex(), err)
	}
	block := receipt.BlockNumber.Uint64()
	return Inclusion{Included: block <= targetBlock, Block: block}, nil
}

// call sends one signed JSON-RPC request, retrying transport failures with
// linear backoff. Relay-level errors are returned without retry.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      int(c.nextID.Add(1)),
		Method:  method,
		Params:  []any{params},
	})
	if err != nil {
		return fmt.Errorf("relay: marshal %s: %w", method, err)
	}
	sig, err := SignPayload(body, c.authKey)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("relay: rate limit: %w", err)
			}
		}

		resp, err := c.post(ctx, body, sig)
		if err == nil {
			if resp.Error != nil {
				return fmt.Errorf("%w: %s: %d %s", domain.ErrRelay, method, resp.Error.Code, resp.Error.Message)
			}
			if out != nil && len(resp.Result) > 0 {
				if err := json.Unmarshal(resp.Result, out); err != nil {
					return fmt.Errorf("relay: decode %s result: %w", method, err)
				}
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < c.cfg.MaxRetries {
			c.logger.WarnContext(ctx, "relay request failed, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			}
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", domain.ErrRelay, method, c.cfg.MaxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte, sig string) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flashbots-Signature", sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("relay: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("relay: %w: %s", domain.ErrRateLimited, bytes.TrimSpace(data))
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("relay: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("relay: status %d: decode response: %w", resp.StatusCode, err)
	}
	return &out, nil
}

// SignPayload produces the X-Flashbots-Signature header value for body:
// the signer address and an EIP-191 signature over hex(keccak256(body)).
func SignPayload(body []byte, key *ecdsa.PrivateKey) (string, error) {
	hashHex := hexutil.Encode(crypto.Keccak256(body))
	sig, err := crypto.Sign(accounts.TextHash([]byte(hashHex)), key)
	if err != nil {
		return "", fmt.Errorf("%w: relay payload: %v", domain.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}

func encodeTxs(txs []*types.Transaction) ([]string, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBundle
	}
	out := make([]string, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("relay: encode tx %d: %w", i, err)
		}
		out[i] = hexutil.Encode(raw)
	}
	return out, nil
}
