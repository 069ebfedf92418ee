// Package settlement models the atomic borrow-trade-repay contract. A call to
// ExecuteArbitrage either reaches the repaid state or leaves every balance
// exactly as it found it.
package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

var (
	ErrZeroAmount        = errors.New("settlement: zero amount")
	ErrZeroAddress       = errors.New("settlement: zero address")
	ErrTokenNotAllowed   = errors.New("settlement: token not whitelisted")
	ErrVenueNotApproved  = errors.New("settlement: venue not approved")
	ErrSlippage          = errors.New("settlement: output below minimum")
	ErrRepaymentShortage = errors.New("settlement: cannot repay loan")
	ErrInvalidBps        = errors.New("settlement: basis points out of range")
)

// State is the furthest point an ExecuteArbitrage call reached.
type State int

const (
	StateNone State = iota
	StateBorrowed
	StateLegAExecuted
	StateLegBExecuted
	StateProfitVerified
	StateRepaid
)

func (s State) String() string {
	switch s {
	case StateBorrowed:
		return "borrowed"
	case StateLegAExecuted:
		return "leg_a_executed"
	case StateLegBExecuted:
		return "leg_b_executed"
	case StateProfitVerified:
		return "profit_verified"
	case StateRepaid:
		return "repaid"
	default:
		return "none"
	}
}

// RevertError reports an aborted call and the state it had reached.
type RevertError struct {
	State  State
	Reason error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("settlement: reverted at %s: %v", e.State, e.Reason)
}

func (e *RevertError) Unwrap() error { return e.Reason }

// TradeData selects the two legs of a trade.
type TradeData struct {
	VenueA       common.Address
	VenueB       common.Address
	Intermediate common.Address
	MinOutA      *big.Int
	MinOutB      *big.Int
}

// Config is the contract's deploy-time configuration.
type Config struct {
	Address      common.Address
	Owner        common.Address
	Lender       Lender
	MinProfitBps int64
}

// Contract is the in-process settlement contract.
type Contract struct {
	mu sync.Mutex

	addr         common.Address
	owner        common.Address
	lender       Lender
	minProfitBps int64
	paused       bool
	executors    map[common.Address]bool
	whitelist    map[common.Address]bool
	venues       map[common.Address]Venue

	ledger *Ledger
	events []domain.Event
}

// NewContract deploys a contract over ledger.
func NewContract(cfg Config, ledger *Ledger) (*Contract, error) {
	if cfg.Owner == (common.Address{}) || cfg.Address == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if cfg.MinProfitBps < 0 || cfg.MinProfitBps > 10_000 {
		return nil, ErrInvalidBps
	}
	return &Contract{
		addr:         cfg.Address,
		owner:        cfg.Owner,
		lender:       cfg.Lender,
		minProfitBps: cfg.MinProfitBps,
		executors:    make(map[common.Address]bool),
		whitelist:    make(map[common.Address]bool),
		venues:       make(map[common.Address]Venue),
		ledger:       ledger,
	}, nil
}

// ExecuteArbitrage borrows amount of asset, runs both legs, verifies the
// minimum profit, repays the lender and pays the surplus to caller.
func (c *Contract) ExecuteArbitrage(caller, asset common.Address, amount *big.Int, td TradeData) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.precheck(caller, asset, amount, td); err != nil {
		return nil, &RevertError{State: StateNone, Reason: err}
	}

	snap := c.ledger.Snapshot()
	profit, state, err := c.run(caller, asset, amount, td)
	if err != nil {
		c.ledger.Restore(snap)
		return nil, &RevertError{State: state, Reason: err}
	}

	c.emit(domain.EventSettlementExecuted, map[string]any{
		"caller": caller.Hex(),
		"asset":  asset.Hex(),
		"amount": amount.String(),
		"profit": profit.String(),
	})
	return profit, nil
}

func (c *Contract) precheck(caller, asset common.Address, amount *big.Int, td TradeData) error {
	if c.paused {
		return domain.ErrPaused
	}
	if caller != c.owner && !c.executors[caller] {
		return domain.ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if !c.whitelist[asset] {
		return fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset.Hex())
	}
	for _, v := range []common.Address{td.VenueA, td.VenueB} {
		if _, ok := c.venues[v]; !ok {
			return fmt.Errorf("%w: %s", ErrVenueNotApproved, v.Hex())
		}
	}
	return nil
}

func (c *Contract) run(caller, asset common.Address, amount *big.Int, td TradeData) (*big.Int, State, error) {
	state := StateNone

	if err := c.ledger.Transfer(asset, c.lender.Addr, c.addr, amount); err != nil {
		return nil, state, fmt.Errorf("borrow: %w", err)
	}
	state = StateBorrowed

	mid, err := c.venues[td.VenueA].Swap(c.ledger, c.addr, asset, td.Intermediate, amount)
	if err != nil {
		return nil, state, fmt.Errorf("leg a: %w", err)
	}
	if td.MinOutA != nil && mid.Cmp(td.MinOutA) < 0 {
		return nil, state, fmt.Errorf("leg a: %w: got %s, want %s", ErrSlippage, mid, td.MinOutA)
	}
	state = StateLegAExecuted

	final, err := c.venues[td.VenueB].Swap(c.ledger, c.addr, td.Intermediate, asset, mid)
	if err != nil {
		return nil, state, fmt.Errorf("leg b: %w", err)
	}
	if td.MinOutB != nil && final.Cmp(td.MinOutB) < 0 {
		return nil, state, fmt.Errorf("leg b: %w: got %s, want %s", ErrSlippage, final, td.MinOutB)
	}
	state = StateLegBExecuted

	profit := new(big.Int).Sub(final, amount)
	if profit.Sign() < 0 {
		profit.SetInt64(0)
	}
	minProfit := new(big.Int).Mul(amount, big.NewInt(c.minProfitBps))
	minProfit.Div(minProfit, big.NewInt(10_000))
	if profit.Sign() == 0 || profit.Cmp(minProfit) < 0 {
		return nil, state, fmt.Errorf("%w: profit %s below minimum %s", domain.ErrUnprofitable, profit, minProfit)
	}
	state = StateProfitVerified

	owed := new(big.Int).Add(amount, c.lender.Premium(amount))
	if err := c.ledger.Transfer(asset, c.addr, c.lender.Addr, owed); err != nil {
		return nil, state, fmt.Errorf("%w: %v", ErrRepaymentShortage, err)
	}
	state = StateRepaid

	surplus := new(big.Int).Sub(final, owed)
	if surplus.Sign() > 0 {
		if err := c.ledger.Transfer(asset, c.addr, caller, surplus); err != nil {
			return nil, state, fmt.Errorf("payout: %w", err)
		}
	}
	return profit, state, nil
}

func (c *Contract) onlyOwner(caller common.Address) error {
	if caller != c.owner {
		return domain.ErrUnauthorized
	}
	return nil
}

func (c *Contract) emit(t domain.EventType, fields map[string]any) {
	c.events = append(c.events, domain.NewEvent(t, "", fields))
}

func (c *Contract) admin(action string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["action"] = action
	c.emit(domain.EventSettlementAdmin, fields)
}

// SetMinProfitBps updates the minimum profit in basis points of the loan.
func (c *Contract) SetMinProfitBps(caller common.Address, bps int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if bps < 0 || bps > 10_000 {
		return ErrInvalidBps
	}
	old := c.minProfitBps
	c.minProfitBps = bps
	c.admin("set_min_profit_bps", map[string]any{"old": old, "new": bps})
	return nil
}

// WhitelistToken allows token as a loan asset.
func (c *Contract) WhitelistToken(caller, token common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if token == (common.Address{}) {
		return ErrZeroAddress
	}
	c.whitelist[token] = true
	c.admin("whitelist_token", map[string]any{"token": token.Hex()})
	return nil
}

// BlacklistToken removes token from the whitelist.
func (c *Contract) BlacklistToken(caller, token common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	delete(c.whitelist, token)
	c.admin("blacklist_token", map[string]any{"token": token.Hex()})
	return nil
}

// WithdrawToken moves tokens held by the contract to to.
func (c *Contract) WithdrawToken(caller, token, to common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := c.ledger.Transfer(token, c.addr, to, amount); err != nil {
		return err
	}
	c.admin("withdraw_token", map[string]any{
		"token": token.Hex(), "to": to.Hex(), "amount": amount.String(),
	})
	return nil
}

// TransferOwnership hands the contract to next. The zero address is rejected,
// so ownership can never be renounced.
func (c *Contract) TransferOwnership(caller, next common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	prev := c.owner
	c.owner = next
	c.admin("transfer_ownership", map[string]any{"from": prev.Hex(), "to": next.Hex()})
	return nil
}

// ApproveVenue registers v as a venue trades may route through.
func (c *Contract) ApproveVenue(caller common.Address, v Venue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	c.venues[v.Address()] = v
	c.admin("approve_venue", map[string]any{"venue": v.Address().Hex()})
	return nil
}

// AuthorizeExecutor grants or revokes executor rights.
func (c *Contract) AuthorizeExecutor(caller, executor common.Address, allowed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if allowed {
		c.executors[executor] = true
	} else {
		delete(c.executors, executor)
	}
	c.admin("authorize_executor", map[string]any{"executor": executor.Hex(), "allowed": allowed})
	return nil
}

// SetPaused stops or resumes ExecuteArbitrage.
func (c *Contract) SetPaused(caller common.Address, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	c.paused = paused
	c.admin("set_paused", map[string]any{"paused": paused})
	return nil
}

// Owner returns the current owner.
func (c *Contract) Owner() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// BalanceOf returns account's balance of token.
func (c *Contract) BalanceOf(token, account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.BalanceOf(token, account)
}

// Events returns a copy of every event emitted so far.
func (c *Contract) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}
