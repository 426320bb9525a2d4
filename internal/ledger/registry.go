package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
)

// Registry owns every issued UnitLedger, keyed by a sequential instrument
// id. It is the only place instruments come into existence.
type Registry struct {
	guard *engine.Guard
	clock engine.Clock
	vault *bank.Vault

	mu      sync.RWMutex
	ledgers map[domain.InstrumentID]*UnitLedger
	nextID  domain.InstrumentID
	book    CouponBook
}

// NewRegistry creates an empty registry sharing the given commit guard,
// clock, and cash vault with the rest of the system.
func NewRegistry(guard *engine.Guard, clock engine.Clock, vault *bank.Vault) *Registry {
	if clock == nil {
		clock = engine.SystemClock
	}
	return &Registry{
		guard:   guard,
		clock:   clock,
		vault:   vault,
		ledgers: make(map[domain.InstrumentID]*UnitLedger),
		nextID:  1,
	}
}

// SetCouponBook wires the scheduler's batch/claim record into every ledger
// (existing and future) for coupon eligibility checks. Called once at wiring
// time, before any operation runs.
func (r *Registry) SetCouponBook(book CouponBook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.book = book
	for _, l := range r.ledgers {
		l.coupons = book
	}
}

// Issue creates a new instrument and mints its full supply to the issuer.
func (r *Registry) Issue(issuer common.Address, terms domain.BondTerms) (domain.InstrumentID, error) {
	release, err := r.guard.Enter()
	if err != nil {
		return 0, fmt.Errorf("ledger: issue: %w", err)
	}
	defer release()

	if err := validateTerms(terms, r.clock()); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	l := &UnitLedger{
		id:         id,
		issuer:     issuer,
		terms:      terms,
		guard:      r.guard,
		clock:      r.clock,
		vault:      r.vault,
		state:      domain.LifecycleActive,
		balances:   map[common.Address]int64{issuer: terms.TotalSupply},
		allowances: make(map[common.Address]map[common.Address]int64),
		coupons:    r.book,
		issuedAt:   r.clock(),
	}
	r.ledgers[id] = l
	return id, nil
}

// Lookup returns the ledger for an instrument id.
func (r *Registry) Lookup(id domain.InstrumentID) (*UnitLedger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[id]
	if !ok {
		return nil, fmt.Errorf("ledger: instrument %d: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

// List returns summaries of every issued instrument in id order.
func (r *Registry) List() []domain.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Instrument, 0, len(r.ledgers))
	for id := domain.InstrumentID(1); id < r.nextID; id++ {
		if l, ok := r.ledgers[id]; ok {
			out = append(out, l.Snapshot())
		}
	}
	return out
}

func validateTerms(t domain.BondTerms, now time.Time) error {
	switch {
	case t.TotalSupply <= 0:
		return fmt.Errorf("ledger: total supply %d: %w", t.TotalSupply, domain.ErrInvalidArgument)
	case t.FaceValueTicks <= 0:
		return fmt.Errorf("ledger: face value %d: %w", t.FaceValueTicks, domain.ErrInvalidArgument)
	case t.CouponRateBps < 0:
		return fmt.Errorf("ledger: coupon rate %d: %w", t.CouponRateBps, domain.ErrInvalidArgument)
	case t.CouponFrequency <= 0:
		return fmt.Errorf("ledger: coupon frequency %s: %w", t.CouponFrequency, domain.ErrInvalidArgument)
	case !t.MaturityDate.After(now):
		return fmt.Errorf("ledger: maturity %s not in the future: %w",
			t.MaturityDate.Format(time.RFC3339), domain.ErrInvalidArgument)
	}
	return nil
}
