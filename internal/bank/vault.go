// Package bank implements native-currency custody. Every participant and
// every component vault has a cash account here; escrow, coupon funding,
// and trade settlement are internal transfers between accounts, so the
// system-wide cash total is conserved by construction.
package bank

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/domain"
)

// PayoutNotifier is invoked after an outbound payout has been committed.
// This is the only point at which external code runs inside an operation,
// and therefore the only vector for re-entrant calls. Notifier errors are
// the notifier's problem; the payout itself has already happened.
type PayoutNotifier func(to common.Address, ticks int64)

// Vault tracks cash balances in currency ticks (1e6 ticks = 1 unit).
type Vault struct {
	mu       sync.RWMutex
	accounts map[common.Address]int64
	notifier PayoutNotifier
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{accounts: make(map[common.Address]int64)}
}

// SetPayoutNotifier registers the outbound-payout hook. Pass nil to clear.
func (v *Vault) SetPayoutNotifier(fn PayoutNotifier) {
	v.mu.Lock()
	v.notifier = fn
	v.mu.Unlock()
}

// BalanceOf returns the cash balance of an account.
func (v *Vault) BalanceOf(addr common.Address) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.accounts[addr]
}

// TotalCash returns the sum over all accounts.
func (v *Vault) TotalCash() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var sum int64
	for _, t := range v.accounts {
		sum += t
	}
	return sum
}

// Deposit credits external currency to an account.
func (v *Vault) Deposit(addr common.Address, ticks int64) error {
	if ticks <= 0 {
		return fmt.Errorf("bank: deposit %d: %w", ticks, domain.ErrInvalidArgument)
	}
	v.mu.Lock()
	v.accounts[addr] += ticks
	v.mu.Unlock()
	return nil
}

// Transfer moves cash between accounts atomically. Both balances change in
// one step; no notifier fires (the cash never leaves custody).
func (v *Vault) Transfer(from, to common.Address, ticks int64) error {
	if ticks <= 0 {
		return fmt.Errorf("bank: transfer %d: %w", ticks, domain.ErrInvalidArgument)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.accounts[from] < ticks {
		return fmt.Errorf("bank: transfer %d from %s: %w", ticks, from.Hex(), domain.ErrInsufficientFunds)
	}
	v.accounts[from] -= ticks
	v.accounts[to] += ticks
	return nil
}

// PayOut moves cash to an external recipient and then fires the payout
// notifier. State is fully committed before the notifier runs, so a
// re-entrant call from the notifier observes post-mutation balances.
func (v *Vault) PayOut(from, to common.Address, ticks int64) error {
	if ticks <= 0 {
		return fmt.Errorf("bank: payout %d: %w", ticks, domain.ErrInvalidArgument)
	}
	v.mu.Lock()
	if v.accounts[from] < ticks {
		v.mu.Unlock()
		return fmt.Errorf("bank: payout %d from %s: %w", ticks, from.Hex(), domain.ErrInsufficientFunds)
	}
	v.accounts[from] -= ticks
	v.accounts[to] += ticks
	notifier := v.notifier
	v.mu.Unlock()

	if notifier != nil {
		notifier(to, ticks)
	}
	return nil
}
