// Package coupon implements scheduled interest distribution. The scheduler
// owns the batch table (one batch per instrument and coupon date, its total
// snapshotted at scheduling time) and the claim record (at most one
// successful payment per holder and date, ever). Scheduling and completion
// are operator capabilities; triggering an individual payment is
// permissionless, gated only by ledger eligibility.
package coupon

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
	"github.com/bondfi/bondledger/internal/ledger"
)

type batchKey struct {
	id   domain.InstrumentID
	date string
}

type claimKey struct {
	id     domain.InstrumentID
	holder common.Address
	date   string
}

// Scheduler manages coupon batches and disbursements.
type Scheduler struct {
	guard   *engine.Guard
	clock   engine.Clock
	vault   *bank.Vault
	ledgers *ledger.Registry

	operator common.Address

	mu         sync.RWMutex
	registered map[domain.InstrumentID]bool
	batches    map[batchKey]*domain.CouponBatch
	claims     map[claimKey]bool
}

// New creates a Scheduler administered by the given operator.
func New(guard *engine.Guard, clock engine.Clock, vault *bank.Vault, ledgers *ledger.Registry, operator common.Address) *Scheduler {
	if clock == nil {
		clock = engine.SystemClock
	}
	return &Scheduler{
		guard:      guard,
		clock:      clock,
		vault:      vault,
		ledgers:    ledgers,
		operator:   operator,
		registered: make(map[domain.InstrumentID]bool),
		batches:    make(map[batchKey]*domain.CouponBatch),
		claims:     make(map[claimKey]bool),
	}
}

// Address returns the scheduler's cash custody account.
func (s *Scheduler) Address() common.Address {
	return common.BytesToAddress([]byte("bondledger/coupon"))
}

// Operator returns the scheduler operator.
func (s *Scheduler) Operator() common.Address { return s.operator }

// RegisterBond enrolls an instrument for coupon distribution. Operator-only;
// double registration fails.
func (s *Scheduler) RegisterBond(actor common.Address, id domain.InstrumentID) error {
	release, err := s.guard.Enter()
	if err != nil {
		return fmt.Errorf("coupon: register: %w", err)
	}
	defer release()

	if actor != s.operator {
		return fmt.Errorf("coupon: register by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	if _, err := s.ledgers.Lookup(id); err != nil {
		return fmt.Errorf("coupon: register: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered[id] {
		return fmt.Errorf("coupon: instrument %d: %w", id, domain.ErrAlreadyExists)
	}
	s.registered[id] = true
	return nil
}

// UnregisterBond removes an instrument from distribution. Operator-only.
// Existing batches and claim records are kept; only new scheduling stops.
func (s *Scheduler) UnregisterBond(actor common.Address, id domain.InstrumentID) error {
	release, err := s.guard.Enter()
	if err != nil {
		return fmt.Errorf("coupon: unregister: %w", err)
	}
	defer release()

	if actor != s.operator {
		return fmt.Errorf("coupon: unregister by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registered[id] {
		return fmt.Errorf("coupon: instrument %d: %w", id, domain.ErrNotRegistered)
	}
	delete(s.registered, id)
	return nil
}

// IsRegistered reports whether an instrument is enrolled.
func (s *Scheduler) IsRegistered(id domain.InstrumentID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered[id]
}

// ScheduleCoupon creates the batch for an (instrument, date) pair. The
// total is snapshotted from current supply and terms; later supply or
// balance changes never alter it. Operator-only.
func (s *Scheduler) ScheduleCoupon(actor common.Address, id domain.InstrumentID, date string) (domain.CouponBatch, error) {
	release, err := s.guard.Enter()
	if err != nil {
		return domain.CouponBatch{}, fmt.Errorf("coupon: schedule: %w", err)
	}
	defer release()

	if actor != s.operator {
		return domain.CouponBatch{}, fmt.Errorf("coupon: schedule by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	if _, err := domain.ParseCouponDate(date); err != nil {
		return domain.CouponBatch{}, fmt.Errorf("coupon: date %q: %w", date, domain.ErrInvalidArgument)
	}
	if !s.IsRegistered(id) {
		return domain.CouponBatch{}, fmt.Errorf("coupon: instrument %d: %w", id, domain.ErrNotRegistered)
	}
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return domain.CouponBatch{}, fmt.Errorf("coupon: schedule: %w", err)
	}

	total := ledger.CouponAmount(l.TotalSupply(), l.FaceValue(), l.CouponRate())

	s.mu.Lock()
	defer s.mu.Unlock()
	key := batchKey{id, date}
	if _, ok := s.batches[key]; ok {
		return domain.CouponBatch{}, fmt.Errorf("coupon: batch %d/%s: %w", id, date, domain.ErrAlreadyExists)
	}
	b := &domain.CouponBatch{
		Instrument:  id,
		Date:        date,
		TotalTicks:  total,
		ScheduledAt: s.clock(),
	}
	s.batches[key] = b
	return *b, nil
}

// PayCouponToHolder disburses one holder's coupon for a scheduled date.
// Callable by anyone. The claim record and batch totals are written before
// any cash leaves custody, so a re-entrant call cannot double-claim.
func (s *Scheduler) PayCouponToHolder(id domain.InstrumentID, holder common.Address, date string) (int64, error) {
	release, err := s.guard.Enter()
	if err != nil {
		return 0, fmt.Errorf("coupon: pay: %w", err)
	}
	defer release()

	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return 0, fmt.Errorf("coupon: pay: %w", err)
	}

	s.mu.RLock()
	b, ok := s.batches[batchKey{id, date}]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("coupon: no batch %d/%s: %w", id, date, domain.ErrClaimIneligible)
	}
	if b.Completed {
		return 0, fmt.Errorf("coupon: batch %d/%s completed: %w", id, date, domain.ErrInvalidState)
	}
	if !l.CanClaimCoupon(holder, date) {
		return 0, fmt.Errorf("coupon: holder %s for %d/%s: %w", holder.Hex(), id, date, domain.ErrClaimIneligible)
	}

	amount := l.CalculateCouponAmount(holder)
	if amount <= 0 {
		return 0, fmt.Errorf("coupon: holder %s holds no units: %w", holder.Hex(), domain.ErrClaimIneligible)
	}
	if s.vault.BalanceOf(s.Address()) < amount {
		return 0, fmt.Errorf("coupon: custody below %d: %w", amount, domain.ErrInsufficientFunds)
	}

	// Mutate before transferring value.
	s.mu.Lock()
	s.claims[claimKey{id, holder, date}] = true
	b.PaidTicks += amount
	s.mu.Unlock()

	if err := s.vault.PayOut(s.Address(), holder, amount); err != nil {
		return 0, fmt.Errorf("coupon: pay: %w", err)
	}
	return amount, nil
}

// Complete marks a batch finished. Operator-only, irreversible; payments
// after completion fail. Completing releases the unpaid remainder for
// operator withdrawal (see WithdrawExcess).
func (s *Scheduler) Complete(actor common.Address, id domain.InstrumentID, date string) error {
	release, err := s.guard.Enter()
	if err != nil {
		return fmt.Errorf("coupon: complete: %w", err)
	}
	defer release()

	if actor != s.operator {
		return fmt.Errorf("coupon: complete by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchKey{id, date}]
	if !ok {
		return fmt.Errorf("coupon: batch %d/%s: %w", id, date, domain.ErrNotFound)
	}
	if b.Completed {
		return fmt.Errorf("coupon: batch %d/%s already completed: %w", id, date, domain.ErrInvalidState)
	}
	now := s.clock()
	b.Completed = true
	b.CompletedAt = &now
	return nil
}

// ArePaidForDate reports whether the batch for a date is settled: either
// explicitly completed or fully disbursed.
func (s *Scheduler) ArePaidForDate(id domain.InstrumentID, date string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchKey{id, date}]
	if !ok {
		return false
	}
	return b.Completed || b.PaidTicks >= b.TotalTicks
}

// Deposit funds the scheduler ahead of a distribution.
func (s *Scheduler) Deposit(from common.Address, ticks int64) error {
	release, err := s.guard.Enter()
	if err != nil {
		return fmt.Errorf("coupon: deposit: %w", err)
	}
	defer release()
	if err := s.vault.Transfer(from, s.Address(), ticks); err != nil {
		return fmt.Errorf("coupon: deposit: %w", err)
	}
	return nil
}

// WithdrawExcess reclaims custody not needed for outstanding obligations.
// Outstanding means the unpaid remainder of every incomplete batch; the
// remainder of a completed batch is reclaimable.
func (s *Scheduler) WithdrawExcess(actor common.Address, ticks int64) error {
	release, err := s.guard.Enter()
	if err != nil {
		return fmt.Errorf("coupon: withdraw_excess: %w", err)
	}
	defer release()

	if actor != s.operator {
		return fmt.Errorf("coupon: withdraw by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	if ticks <= 0 {
		return fmt.Errorf("coupon: withdraw %d: %w", ticks, domain.ErrInvalidArgument)
	}

	available := s.vault.BalanceOf(s.Address()) - s.OutstandingObligations()
	if ticks > available {
		return fmt.Errorf("coupon: withdraw %d exceeds free %d: %w", ticks, available, domain.ErrInsufficientFunds)
	}
	if err := s.vault.PayOut(s.Address(), actor, ticks); err != nil {
		return fmt.Errorf("coupon: withdraw_excess: %w", err)
	}
	return nil
}

// OutstandingObligations sums the unpaid remainder of all incomplete
// batches.
func (s *Scheduler) OutstandingObligations() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, b := range s.batches {
		sum += b.Outstanding()
	}
	return sum
}

// CustodiedFunds returns the scheduler vault balance.
func (s *Scheduler) CustodiedFunds() int64 {
	return s.vault.BalanceOf(s.Address())
}

// Batch returns a copy of the batch for an (instrument, date) pair.
func (s *Scheduler) Batch(id domain.InstrumentID, date string) (domain.CouponBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchKey{id, date}]
	if !ok {
		return domain.CouponBatch{}, fmt.Errorf("coupon: batch %d/%s: %w", id, date, domain.ErrNotFound)
	}
	return *b, nil
}

// Batches returns every batch for an instrument, ordered by date.
func (s *Scheduler) Batches(id domain.InstrumentID) []domain.CouponBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CouponBatch
	for key, b := range s.batches {
		if key.id == id {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// HasBatch implements ledger.CouponBook.
func (s *Scheduler) HasBatch(id domain.InstrumentID, date string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.batches[batchKey{id, date}]
	return ok
}

// HasClaim implements ledger.CouponBook.
func (s *Scheduler) HasClaim(id domain.InstrumentID, holder common.Address, date string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims[claimKey{id, holder, date}]
}

var _ ledger.CouponBook = (*Scheduler)(nil)
