package commitreveal

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Executor performs the call a commitment protects.
type Executor interface {
	Execute(caller, target common.Address, value *big.Int, data []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(caller, target common.Address, value *big.Int, data []byte) ([]byte, error)

func (f ExecutorFunc) Execute(caller, target common.Address, value *big.Int, data []byte) ([]byte, error) {
	return f(caller, target, value, data)
}

// Reverter is implemented by executors that can roll back a partially
// applied bundle.
type Reverter interface {
	Checkpoint() (restore func())
}

// RegistryConfig is the protection contract's deploy-time state.
type RegistryConfig struct {
	Owner  common.Address
	Params domain.ProtectionParams
}

// Registry is the in-process protection contract.
type Registry struct {
	mu sync.Mutex

	owner       common.Address
	params      domain.ProtectionParams
	commitments map[common.Hash]*domain.Commitment
	refunds     map[common.Address]*big.Int
	escrow      *big.Int
	block       uint64
	events      []domain.Event

	exec Executor
	now  func() time.Time
}

// NewRegistry deploys a registry that forwards revealed calls to exec.
func NewRegistry(cfg RegistryConfig, exec Executor) (*Registry, error) {
	if cfg.Owner == (common.Address{}) {
		return nil, errors.New("commitreveal: zero owner")
	}
	p := cfg.Params
	if p.CommitRevealWindow <= p.MinCommitAge {
		return nil, fmt.Errorf("commitreveal: window %s must exceed min age %s", p.CommitRevealWindow, p.MinCommitAge)
	}
	if p.MaxGasPrice == nil {
		p.MaxGasPrice = new(big.Int)
	}
	return &Registry{
		owner:       cfg.Owner,
		params:      p,
		commitments: make(map[common.Hash]*domain.Commitment),
		refunds:     make(map[common.Address]*big.Int),
		escrow:      new(big.Int),
		exec:        exec,
		now:         time.Now,
	}, nil
}

// SubmitCommitment stores hash for caller and escrows fee.
func (r *Registry) SubmitCommitment(caller common.Address, hash common.Hash, fee *big.Int) (domain.Commitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hash == (common.Hash{}) {
		return domain.Commitment{}, domain.ErrInvalidCommitment
	}
	if _, ok := r.commitments[hash]; ok {
		return domain.Commitment{}, fmt.Errorf("%w: %s", domain.ErrCommitmentExists, hash.Hex())
	}
	if fee == nil {
		fee = new(big.Int)
	}

	r.block++
	c := &domain.Commitment{
		Hash:      hash,
		Committer: caller,
		Fee:       new(big.Int).Set(fee),
		Block:     r.block,
		CreatedAt: r.now(),
		MinAge:    r.params.MinCommitAge,
		MaxAge:    r.params.CommitRevealWindow,
	}
	r.commitments[hash] = c
	r.escrow.Add(r.escrow, fee)

	r.emit(domain.EventCommitmentSubmitted, map[string]any{
		"hash":      hash.Hex(),
		"committer": caller.Hex(),
		"fee":       fee.String(),
		"block":     c.Block,
	})
	return *c, nil
}

// RevealAndExecute opens the commitment matching the arguments and runs the
// protected call. A failing call leaves the commitment unused.
func (r *Registry) RevealAndExecute(caller, target common.Address, value *big.Int, data []byte, secret Secret, gasPrice *big.Int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := ComputeCommitment(target, value, data, secret, caller)
	c, err := r.checkReveal(hash, gasPrice)
	if err != nil {
		return nil, err
	}

	out, err := r.exec.Execute(caller, target, value, data)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: reveal %s: %w", hash.Hex(), err)
	}
	c.Used = true
	r.emit(domain.EventCommitmentRevealed, map[string]any{
		"hash":   hash.Hex(),
		"target": target.Hex(),
	})
	return out, nil
}

func (r *Registry) checkReveal(hash common.Hash, gasPrice *big.Int) (*domain.Commitment, error) {
	c, ok := r.commitments[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitmentNotFound, hash.Hex())
	}
	if c.Used {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitmentUsed, hash.Hex())
	}
	now := r.now()
	if now.Before(c.RevealableAt()) {
		return nil, fmt.Errorf("%w: revealable at %s", domain.ErrCommitmentTooRecent, c.RevealableAt().Format(time.RFC3339))
	}
	if now.After(c.ExpiresAt()) {
		return nil, fmt.Errorf("%w: expired at %s", domain.ErrCommitmentExpired, c.ExpiresAt().Format(time.RFC3339))
	}
	if r.params.EnforceGasPrice && gasPrice != nil && r.params.MaxGasPrice.Sign() > 0 &&
		gasPrice.Cmp(r.params.MaxGasPrice) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", domain.ErrGasPriceTooHigh, gasPrice, r.params.MaxGasPrice)
	}
	return c, nil
}

// ExecuteBundle runs several calls on behalf of the relayer or owner. If any
// call fails, calls already applied are rolled back when the executor
// implements Reverter.
func (r *Registry) ExecuteBundle(caller common.Address, targets []common.Address, values []*big.Int, datas [][]byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.owner && caller != r.params.Relayer {
		return nil, domain.ErrUnauthorized
	}
	if len(targets) != len(values) || len(targets) != len(datas) {
		return nil, fmt.Errorf("commitreveal: bundle length mismatch %d/%d/%d", len(targets), len(values), len(datas))
	}

	restore := func() {}
	if rv, ok := r.exec.(Reverter); ok {
		restore = rv.Checkpoint()
	}

	out := make([][]byte, 0, len(targets))
	for i := range targets {
		res, err := r.exec.Execute(caller, targets[i], values[i], datas[i])
		if err != nil {
			restore()
			return nil, fmt.Errorf("commitreveal: bundle call %d: %w", i, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// CancelCommitment withdraws an unused commitment and refunds its fee to the
// committer. Expired commitments may still be cancelled. The hash stays
// reserved: it cannot be submitted again.
func (r *Registry) CancelCommitment(caller common.Address, hash common.Hash) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commitments[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitmentNotFound, hash.Hex())
	}
	if c.Committer != caller {
		return nil, domain.ErrUnauthorized
	}
	if c.Used {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitmentUsed, hash.Hex())
	}

	c.Used = true
	c.Cancelled = true
	r.escrow.Sub(r.escrow, c.Fee)
	bal, ok := r.refunds[caller]
	if !ok {
		bal = new(big.Int)
		r.refunds[caller] = bal
	}
	bal.Add(bal, c.Fee)

	r.emit(domain.EventCommitmentCancelled, map[string]any{
		"hash":     hash.Hex(),
		"refunded": c.Fee.String(),
	})
	return new(big.Int).Set(c.Fee), nil
}

// Commitment returns a copy of the commitment stored under hash.
func (r *Registry) Commitment(hash common.Hash) (domain.Commitment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commitments[hash]
	if !ok {
		return domain.Commitment{}, false
	}
	return *c, true
}

// Params returns the current protection settings.
func (r *Registry) Params() domain.ProtectionParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.params
	p.MaxGasPrice = new(big.Int).Set(r.params.MaxGasPrice)
	return p
}

// Refunded returns the total fees refunded to addr.
func (r *Registry) Refunded(addr common.Address) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.refunds[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Escrowed returns the fees currently held for outstanding commitments.
func (r *Registry) Escrowed() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.escrow)
}

// Events returns a copy of every event emitted so far.
func (r *Registry) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Registry) emit(t domain.EventType, fields map[string]any) {
	r.events = append(r.events, domain.NewEvent(t, "", fields))
}

func (r *Registry) admin(caller common.Address, action string, value any, apply func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return domain.ErrUnauthorized
	}
	if err := apply(); err != nil {
		return err
	}
	r.emit(domain.EventProtectionAdmin, map[string]any{"action": action, "value": value})
	return nil
}

func (r *Registry) SetMaxGasPrice(caller common.Address, price *big.Int) error {
	return r.admin(caller, "set_max_gas_price", price.String(), func() error {
		r.params.MaxGasPrice = new(big.Int).Set(price)
		return nil
	})
}

func (r *Registry) SetCommitRevealWindow(caller common.Address, d time.Duration) error {
	return r.admin(caller, "set_commit_reveal_window", d.String(), func() error {
		if d <= r.params.MinCommitAge {
			return fmt.Errorf("commitreveal: window %s must exceed min age %s", d, r.params.MinCommitAge)
		}
		r.params.CommitRevealWindow = d
		return nil
	})
}

func (r *Registry) SetMinCommitAge(caller common.Address, d time.Duration) error {
	return r.admin(caller, "set_min_commit_age", d.String(), func() error {
		if d < 0 || d >= r.params.CommitRevealWindow {
			return fmt.Errorf("commitreveal: min age %s must be below window %s", d, r.params.CommitRevealWindow)
		}
		r.params.MinCommitAge = d
		return nil
	})
}

func (r *Registry) SetRelayer(caller, relayer common.Address) error {
	return r.admin(caller, "set_relayer", relayer.Hex(), func() error {
		r.params.Relayer = relayer
		return nil
	})
}

func (r *Registry) SetPrivateMempool(caller common.Address, enabled bool) error {
	return r.admin(caller, "set_private_mempool", enabled, func() error {
		r.params.PrivateMempool = enabled
		return nil
	})
}

func (r *Registry) SetGasPriceEnforcement(caller common.Address, enabled bool) error {
	return r.admin(caller, "set_gas_price_enforcement", enabled, func() error {
		r.params.EnforceGasPrice = enabled
		return nil
	})
}
