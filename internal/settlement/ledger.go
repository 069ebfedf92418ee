package settlement

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
var ErrInsufficientBalance = errors.New("settlement: insufficient balance")

// Ledger tracks token balances per account. It is not safe for concurrent
// use; the Contract serialises access to it.
type Ledger struct {
	balances map[common.Address]map[common.Address]*big.Int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

// BalanceOf returns a copy of account's balance of token.
func (l *Ledger) BalanceOf(token, account common.Address) *big.Int {
	if b, ok := l.balances[token][account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Mint credits amount of token to account.
func (l *Ledger) Mint(token, account common.Address, amount *big.Int) {
	l.add(token, account, amount)
}

// Transfer moves amount of token between accounts.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("settlement: negative transfer %s", amount)
	}
	have := l.BalanceOf(token, from)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientBalance, from.Hex(), have, token.Hex(), amount)
	}
	l.add(token, from, new(big.Int).Neg(amount))
	l.add(token, to, amount)
	return nil
}

func (l *Ledger) add(token, account common.Address, delta *big.Int) {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		l.balances[token] = accounts
	}
	cur, ok := accounts[account]
	if !ok {
		cur = new(big.Int)
		accounts[account] = cur
	}
	cur.Add(cur, delta)
}

// Snapshot returns a deep copy of the ledger.
func (l *Ledger) Snapshot() *Ledger {
	cp := NewLedger()
	for token, accounts := range l.balances {
		m := make(map[common.Address]*big.Int, len(accounts))
		for acct, bal := range accounts {
			m[acct] = new(big.Int).Set(bal)
		}
		cp.balances[token] = m
	}
	return cp
}

// Restore replaces the ledger state with snap.
func (l *Ledger) Restore(snap *Ledger) {
	l.balances = snap.Snapshot().balances
}
