package coupon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/ledger"
)

// distributorLockTTL bounds how long a crashed distributor can block the
// next run.
const distributorLockTTL = 5 * time.Minute

// Distributor walks the holder set of an instrument and triggers the
// permissionless per-holder payment for a scheduled date. A distributed
// lock ensures only one instance disburses a given batch at a time; the
// claim record makes overlapping runs harmless anyway, the lock just avoids
// wasted work.
type Distributor struct {
	scheduler *Scheduler
	ledgers   *ledger.Registry
	locks     domain.LockManager
	logger    *slog.Logger
}

// NewDistributor creates a Distributor.
func NewDistributor(scheduler *Scheduler, ledgers *ledger.Registry, locks domain.LockManager, logger *slog.Logger) *Distributor {
	return &Distributor{
		scheduler: scheduler,
		ledgers:   ledgers,
		locks:     locks,
		logger:    logger.With(slog.String("component", "distributor")),
	}
}

// DistributeBatch pays every eligible holder of the instrument for the
// given coupon date. Holders that already claimed (or became ineligible)
// are skipped; other failures abort the run. Returns the number of holders
// paid and the total disbursed.
func (d *Distributor) DistributeBatch(ctx context.Context, id domain.InstrumentID, date string) (int, int64, error) {
	if d.locks != nil {
		unlock, err := d.locks.Acquire(ctx, fmt.Sprintf("coupon:distribute:%d:%s", id, date), distributorLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				d.logger.InfoContext(ctx, "distributor: batch already being disbursed",
					slog.Int64("instrument", int64(id)),
					slog.String("date", date),
				)
				return 0, 0, nil
			}
			return 0, 0, fmt.Errorf("distributor: lock: %w", err)
		}
		defer unlock()
	}

	l, err := d.ledgers.Lookup(id)
	if err != nil {
		return 0, 0, fmt.Errorf("distributor: %w", err)
	}

	paid := 0
	var total int64
	for _, holder := range l.Holders() {
		if err := ctx.Err(); err != nil {
			return paid, total, err
		}
		amount, err := d.scheduler.PayCouponToHolder(id, holder, date)
		if err != nil {
			if errors.Is(err, domain.ErrClaimIneligible) {
				continue
			}
			return paid, total, fmt.Errorf("distributor: pay %s: %w", holder.Hex(), err)
		}
		paid++
		total += amount
		d.logger.DebugContext(ctx, "distributor: coupon paid",
			slog.Int64("instrument", int64(id)),
			slog.String("date", date),
			slog.String("holder", holder.Hex()),
			slog.Int64("amount_ticks", amount),
		)
	}

	d.logger.InfoContext(ctx, "distributor: batch disbursed",
		slog.Int64("instrument", int64(id)),
		slog.String("date", date),
		slog.Int("holders_paid", paid),
		slog.Int64("total_ticks", total),
	)
	return paid, total, nil
}

// DistributeDue disburses every incomplete batch whose date is on or before
// now, across all registered instruments.
func (d *Distributor) DistributeDue(ctx context.Context, now time.Time) error {
	for _, inst := range d.ledgers.List() {
		if !d.scheduler.IsRegistered(inst.ID) {
			continue
		}
		for _, b := range d.scheduler.Batches(inst.ID) {
			if b.Completed {
				continue
			}
			due, err := domain.ParseCouponDate(b.Date)
			if err != nil || due.After(now) {
				continue
			}
			if _, _, err := d.DistributeBatch(ctx, inst.ID, b.Date); err != nil {
				return err
			}
		}
	}
	return nil
}
