package commitreveal

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/chain"
	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Client talks to a deployed protection contract.
type Client struct {
	addr        common.Address
	builder     *chain.TxBuilder
	mineTimeout time.Duration
	pollEvery   time.Duration
	logger      *slog.Logger
}

// NewClient creates a client for the contract at addr.
func NewClient(addr common.Address, builder *chain.TxBuilder, mineTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		addr:        addr,
		builder:     builder,
		mineTimeout: mineTimeout,
		pollEvery:   time.Second,
		logger:      logger.With(slog.String("component", "protection_client")),
	}
}

func (c *Client) Address() common.Address { return c.addr }
func (c *Client) Sender() common.Address  { return c.builder.Sender() }

// SubmitCommitment sends submitCommitment(hash) with fee attached and waits
// for it to be mined.
func (c *Client) SubmitCommitment(ctx context.Context, hash common.Hash, fee *big.Int) (domain.CommitReceipt, error) {
	data, err := ABI.Pack("submitCommitment", hash)
	if err != nil {
		return domain.CommitReceipt{}, fmt.Errorf("commitreveal: pack commit: %w", err)
	}
	tx, err := c.builder.Send(ctx, domain.Call{To: c.addr, Value: fee, Data: data})
	if err != nil {
		return domain.CommitReceipt{}, fmt.Errorf("commitreveal: send commit: %w", err)
	}
	receipt, err := chain.WaitMined(ctx, c.builder.Backend(), tx.Hash(), c.pollEvery, c.mineTimeout)
	if err != nil {
		return domain.CommitReceipt{}, fmt.Errorf("commitreveal: commit %s: %w", hash.Hex(), err)
	}
	header, err := c.builder.Backend().HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return domain.CommitReceipt{}, fmt.Errorf("commitreveal: commit block header: %w", err)
	}

	c.logger.InfoContext(ctx, "commitment mined",
		slog.String("hash", hash.Hex()),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("block", receipt.BlockNumber.Uint64()),
	)
	return domain.CommitReceipt{
		TxHash:    tx.Hash(),
		Block:     receipt.BlockNumber.Uint64(),
		Timestamp: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

// RevealCall builds the unsigned revealAndExecute call for a bundle.
func (c *Client) RevealCall(target common.Address, value *big.Int, data []byte, secret Secret) (domain.Call, error) {
	return revealCall(c.addr, target, value, data, secret)
}

// CancelCommitment cancels an unused commitment and waits for it to be mined.
func (c *Client) CancelCommitment(ctx context.Context, hash common.Hash) error {
	data, err := ABI.Pack("cancelCommitment", hash)
	if err != nil {
		return fmt.Errorf("commitreveal: pack cancel: %w", err)
	}
	tx, err := c.builder.Send(ctx, domain.Call{To: c.addr, Data: data})
	if err != nil {
		return fmt.Errorf("commitreveal: send cancel: %w", err)
	}
	if _, err := chain.WaitMined(ctx, c.builder.Backend(), tx.Hash(), c.pollEvery, c.mineTimeout); err != nil {
		return fmt.Errorf("commitreveal: cancel %s: %w", hash.Hex(), err)
	}
	return nil
}

// Params reads the contract's protection settings.
func (c *Client) Params(ctx context.Context) (domain.ProtectionParams, error) {
	var p domain.ProtectionParams
	minAge, err := c.callUint(ctx, "minCommitAge")
	if err != nil {
		return p, err
	}
	window, err := c.callUint(ctx, "commitRevealWindow")
	if err != nil {
		return p, err
	}
	if p.MaxGasPrice, err = c.callUint(ctx, "maxGasPrice"); err != nil {
		return p, err
	}
	if p.EnforceGasPrice, err = c.callBool(ctx, "enforceGasPrice"); err != nil {
		return p, err
	}
	if p.PrivateMempool, err = c.callBool(ctx, "privateMempool"); err != nil {
		return p, err
	}
	out, err := c.call(ctx, "relayer")
	if err != nil {
		return p, err
	}
	p.Relayer = out[0].(common.Address)
	p.MinCommitAge = time.Duration(minAge.Int64()) * time.Second
	p.CommitRevealWindow = time.Duration(window.Int64()) * time.Second
	return p, nil
}

func (c *Client) call(ctx context.Context, method string) ([]any, error) {
	data, err := ABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: pack %s: %w", method, err)
	}
	to := c.addr
	raw, err := c.builder.Backend().CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: call %s: %w", method, err)
	}
	out, err := ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *Client) callUint(ctx context.Context, method string) (*big.Int, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *Client) callBool(ctx context.Context, method string) (bool, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func revealCall(contract, target common.Address, value *big.Int, data []byte, secret Secret) (domain.Call, error) {
	calldata, err := PackReveal(RevealArgs{Target: target, Value: value, Data: data, Secret: secret})
	if err != nil {
		return domain.Call{}, err
	}
	if value == nil {
		value = new(big.Int)
	}
	return domain.Call{To: contract, Value: new(big.Int).Set(value), Data: calldata}, nil
}
