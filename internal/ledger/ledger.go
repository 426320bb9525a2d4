// Package ledger implements the unit ledger: fungible bond-unit balances
// and allowances, immutable bond terms, the Active → Matured → Closed
// lifecycle, and per-holder coupon math. The ledger owns balances and
// lifecycle flags exclusively; the marketplace and coupon scheduler reach
// in only through delegated transfers and read-only queries, never the
// other way around.
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
)

// CouponBook is the scheduler-side record the ledger consults when deciding
// coupon eligibility. Both methods are read-only; the ledger never mutates
// scheduler state.
type CouponBook interface {
	HasBatch(id domain.InstrumentID, date string) bool
	HasClaim(id domain.InstrumentID, holder common.Address, date string) bool
}

// UnitLedger is the balance and lifecycle ledger for one issued instrument.
type UnitLedger struct {
	id     domain.InstrumentID
	issuer common.Address
	terms  domain.BondTerms

	guard *engine.Guard
	clock engine.Clock
	vault *bank.Vault

	mu         sync.RWMutex
	state      domain.LifecycleState
	balances   map[common.Address]int64
	allowances map[common.Address]map[common.Address]int64

	coupons  CouponBook // set after wiring; nil means no batches exist yet
	issuedAt time.Time
}

// ID returns the instrument id.
func (l *UnitLedger) ID() domain.InstrumentID { return l.id }

// Issuer returns the issuing authority.
func (l *UnitLedger) Issuer() common.Address { return l.issuer }

// Terms returns the immutable bond terms.
func (l *UnitLedger) Terms() domain.BondTerms { return l.terms }

// FaceValue returns the per-unit face value in currency ticks.
func (l *UnitLedger) FaceValue() int64 { return l.terms.FaceValueTicks }

// CouponRate returns the coupon rate in basis points of face value.
func (l *UnitLedger) CouponRate() int64 { return l.terms.CouponRateBps }

// CouponFrequency returns the scheduled interval between coupon dates.
func (l *UnitLedger) CouponFrequency() time.Duration { return l.terms.CouponFrequency }

// MaturityDate returns the maturity timestamp.
func (l *UnitLedger) MaturityDate() time.Time { return l.terms.MaturityDate }

// TotalSupply returns the fixed unit supply.
func (l *UnitLedger) TotalSupply() int64 { return l.terms.TotalSupply }

// State returns the current lifecycle state.
func (l *UnitLedger) State() domain.LifecycleState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsMatured reports whether the bond has matured (or closed).
func (l *UnitLedger) IsMatured() bool {
	s := l.State()
	return s == domain.LifecycleMatured || s == domain.LifecycleClosed
}

// IsClosed reports whether the bond has been closed.
func (l *UnitLedger) IsClosed() bool { return l.State() == domain.LifecycleClosed }

// BalanceOf returns the unit balance of a holder.
func (l *UnitLedger) BalanceOf(holder common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[holder]
}

// Allowance returns the remaining allowance owner has granted to spender.
func (l *UnitLedger) Allowance(owner, spender common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[owner][spender]
}

// Holders returns all addresses with a non-zero balance, sorted by address
// so distribution walks are deterministic.
func (l *UnitLedger) Holders() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	holders := make([]common.Address, 0, len(l.balances))
	for addr, bal := range l.balances {
		if bal > 0 {
			holders = append(holders, addr)
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].Hex() < holders[j].Hex()
	})
	return holders
}

// VaultAddress returns the cash account custodying this instrument's funds
// (principal deposits and issuer top-ups).
func (l *UnitLedger) VaultAddress() common.Address {
	return vaultAddress(l.id)
}

func vaultAddress(id domain.InstrumentID) common.Address {
	b := []byte(fmt.Sprintf("bondledger/ledger/%d", id))
	return common.BytesToAddress(b)
}

// Transfer moves units from the caller to another holder. Both balances
// change in one atomic step.
func (l *UnitLedger) Transfer(from, to common.Address, amount int64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return fmt.Errorf("ledger: transfer: %w", err)
	}
	defer release()
	return l.moveUnits(from, to, amount)
}

// Approve sets spender's allowance over the owner's units, replacing any
// previous value.
func (l *UnitLedger) Approve(owner, spender common.Address, amount int64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return fmt.Errorf("ledger: approve: %w", err)
	}
	defer release()

	if amount < 0 {
		return fmt.Errorf("ledger: approve %d: %w", amount, domain.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]int64)
	}
	l.allowances[owner][spender] = amount
	return nil
}

// TransferFrom moves units out of from's balance using spender's allowance.
func (l *UnitLedger) TransferFrom(spender, from, to common.Address, amount int64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return fmt.Errorf("ledger: transfer_from: %w", err)
	}
	defer release()
	return l.TransferUnits(spender, from, to, amount)
}

// TransferUnits performs the allowance-consuming delegated transfer. It is
// the collaborator entry point for the marketplace; the caller must already
// hold the commit guard.
func (l *UnitLedger) TransferUnits(spender, from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: transfer %d: %w", amount, domain.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[from][spender] < amount {
		return fmt.Errorf("ledger: allowance of %s for %s below %d: %w",
			from.Hex(), spender.Hex(), amount, domain.ErrInsufficientAllowance)
	}
	if l.balances[from] < amount {
		return fmt.Errorf("ledger: balance of %s below %d: %w", from.Hex(), amount, domain.ErrInsufficientBalance)
	}
	l.allowances[from][spender] -= amount
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *UnitLedger) moveUnits(from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: transfer %d: %w", amount, domain.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return fmt.Errorf("ledger: balance of %s below %d: %w", from.Hex(), amount, domain.ErrInsufficientBalance)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// CalculateCouponAmount returns the coupon due to a holder at their current
// balance, in currency ticks: balance × faceValue × rateBps / (100 × 10000),
// truncated toward zero. Pure function of balance and terms.
func (l *UnitLedger) CalculateCouponAmount(holder common.Address) int64 {
	return CouponAmount(l.BalanceOf(holder), l.terms.FaceValueTicks, l.terms.CouponRateBps)
}

// CouponAmount computes units × faceValueTicks × rateBps / 1_000_000 using
// wide intermediates so large positions cannot overflow int64 mid-product.
func CouponAmount(units, faceValueTicks, rateBps int64) int64 {
	n := new(big.Int).Mul(big.NewInt(units), big.NewInt(faceValueTicks))
	n.Mul(n, big.NewInt(rateBps))
	n.Quo(n, big.NewInt(100*10000))
	return n.Int64()
}

// CanClaimCoupon reports whether holder is eligible for the coupon on the
// given date: the bond is Active or Matured, a batch is scheduled for the
// date, and the holder has not claimed it yet.
func (l *UnitLedger) CanClaimCoupon(holder common.Address, date string) bool {
	if l.State() == domain.LifecycleClosed {
		return false
	}
	if l.coupons == nil || !l.coupons.HasBatch(l.id, date) {
		return false
	}
	return !l.coupons.HasClaim(l.id, holder, date)
}

// Mature transitions Active → Matured once the maturity timestamp has
// passed. Callable by anyone; the clock, not the caller, gates it.
func (l *UnitLedger) Mature() error {
	release, err := l.guard.Enter()
	if err != nil {
		return fmt.Errorf("ledger: mature: %w", err)
	}
	defer release()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != domain.LifecycleActive {
		return fmt.Errorf("ledger: mature in state %s: %w", l.state, domain.ErrInvalidState)
	}
	if l.clock().Before(l.terms.MaturityDate) {
		return fmt.Errorf("ledger: maturity date %s not reached: %w",
			l.terms.MaturityDate.Format(time.RFC3339), domain.ErrInvalidState)
	}
	l.state = domain.LifecycleMatured
	return nil
}

// Close transitions Matured → Closed. Issuer-only and irreversible.
func (l *UnitLedger) Close(actor common.Address) error {
	release, err := l.guard.Enter()
	if err != nil {
		return fmt.Errorf("ledger: close: %w", err)
	}
	defer release()

	if actor != l.issuer {
		return fmt.Errorf("ledger: close by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != domain.LifecycleMatured {
		return fmt.Errorf("ledger: close in state %s: %w", l.state, domain.ErrInvalidState)
	}
	l.state = domain.LifecycleClosed
	return nil
}

// DepositFunds moves cash from the depositor into the instrument vault
// (principal funding, issuer top-ups).
func (l *UnitLedger) DepositFunds(from common.Address, ticks int64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return fmt.Errorf("ledger: deposit: %w", err)
	}
	defer release()
	if err := l.vault.Transfer(from, l.VaultAddress(), ticks); err != nil {
		return fmt.Errorf("ledger: deposit: %w", err)
	}
	return nil
}

// WithdrawExcess pays surplus custodied cash back to the issuer. Permitted
// in any lifecycle state; bounded only by the vault balance.
func (l *UnitLedger) WithdrawExcess(actor common.Address, ticks int64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return fmt.Errorf("ledger: withdraw_excess: %w", err)
	}
	defer release()

	if actor != l.issuer {
		return fmt.Errorf("ledger: withdraw by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	if ticks <= 0 {
		return fmt.Errorf("ledger: withdraw %d: %w", ticks, domain.ErrInvalidArgument)
	}
	if v := l.vault.BalanceOf(l.VaultAddress()); v < ticks {
		return fmt.Errorf("ledger: withdraw %d exceeds custodied %d: %w", ticks, v, domain.ErrInsufficientFunds)
	}
	// No ledger state changes; the payout is the final step.
	if err := l.vault.PayOut(l.VaultAddress(), actor, ticks); err != nil {
		return fmt.Errorf("ledger: withdraw_excess: %w", err)
	}
	return nil
}

// CustodiedFunds returns the instrument vault's cash balance.
func (l *UnitLedger) CustodiedFunds() int64 {
	return l.vault.BalanceOf(l.VaultAddress())
}

// Snapshot returns the externally visible summary of the instrument.
func (l *UnitLedger) Snapshot() domain.Instrument {
	return domain.Instrument{
		ID:       l.id,
		Issuer:   l.issuer,
		Terms:    l.terms,
		State:    l.State(),
		IssuedAt: l.issuedAt,
	}
}
