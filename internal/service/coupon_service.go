package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/coupon"
	"github.com/bondfi/bondledger/internal/domain"
)

// CouponService wraps the coupon scheduler with event emission.
type CouponService struct {
	scheduler *coupon.Scheduler
	emitter   *Emitter
	logger    *slog.Logger
}

// NewCouponService creates a CouponService.
func NewCouponService(scheduler *coupon.Scheduler, emitter *Emitter, logger *slog.Logger) *CouponService {
	return &CouponService{
		scheduler: scheduler,
		emitter:   emitter,
		logger:    logger.With(slog.String("component", "coupon_service")),
	}
}

// RegisterBond enrolls an instrument for distribution. Operator-only.
func (s *CouponService) RegisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error {
	if err := s.scheduler.RegisterBond(actor, id); err != nil {
		return fmt.Errorf("coupon_service: register: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventCouponRegistered, actor, id, nil)
	return nil
}

// UnregisterBond removes an instrument from distribution. Operator-only.
func (s *CouponService) UnregisterBond(ctx context.Context, actor common.Address, id domain.InstrumentID) error {
	if err := s.scheduler.UnregisterBond(actor, id); err != nil {
		return fmt.Errorf("coupon_service: unregister: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventCouponRegistered, actor, id, map[string]any{"removed": true})
	return nil
}

// Schedule creates the batch for an (instrument, date) pair. Operator-only.
func (s *CouponService) Schedule(ctx context.Context, actor common.Address, id domain.InstrumentID, date string) (domain.CouponBatch, error) {
	b, err := s.scheduler.ScheduleCoupon(actor, id, date)
	if err != nil {
		return domain.CouponBatch{}, fmt.Errorf("coupon_service: schedule: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventCouponScheduled, actor, id, map[string]any{
		"date":        b.Date,
		"total_ticks": b.TotalTicks,
	})
	s.logger.InfoContext(ctx, "coupon_service: batch scheduled",
		slog.Int64("instrument", int64(id)),
		slog.String("date", b.Date),
		slog.Int64("total_ticks", b.TotalTicks),
	)
	return b, nil
}

// Pay disburses one holder's coupon. Permissionless trigger.
func (s *CouponService) Pay(ctx context.Context, caller common.Address, id domain.InstrumentID, holder common.Address, date string) (int64, error) {
	amount, err := s.scheduler.PayCouponToHolder(id, holder, date)
	if err != nil {
		return 0, fmt.Errorf("coupon_service: pay: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventCouponPaid, caller, id, map[string]any{
		"holder":       holder.Hex(),
		"date":         date,
		"amount_ticks": amount,
	})
	return amount, nil
}

// Claim is the holder-initiated disbursement path: the caller claims their
// own coupon.
func (s *CouponService) Claim(ctx context.Context, holder common.Address, id domain.InstrumentID, date string) (int64, error) {
	return s.Pay(ctx, holder, id, holder, date)
}

// Complete marks a batch finished. Operator-only, irreversible.
func (s *CouponService) Complete(ctx context.Context, actor common.Address, id domain.InstrumentID, date string) error {
	if err := s.scheduler.Complete(actor, id, date); err != nil {
		return fmt.Errorf("coupon_service: complete: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventCouponCompleted, actor, id, map[string]any{"date": date})
	s.logger.InfoContext(ctx, "coupon_service: batch completed",
		slog.Int64("instrument", int64(id)),
		slog.String("date", date),
	)
	return nil
}

// Deposit funds the scheduler ahead of a distribution.
func (s *CouponService) Deposit(ctx context.Context, from common.Address, ticks int64) error {
	if err := s.scheduler.Deposit(from, ticks); err != nil {
		return fmt.Errorf("coupon_service: deposit: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventFundsDeposited, from, 0, map[string]any{
		"amount_ticks": ticks,
		"custody":      "coupon",
	})
	return nil
}

// WithdrawExcess reclaims custody not backing outstanding obligations.
// Operator-only.
func (s *CouponService) WithdrawExcess(ctx context.Context, actor common.Address, ticks int64) error {
	if err := s.scheduler.WithdrawExcess(actor, ticks); err != nil {
		return fmt.Errorf("coupon_service: withdraw_excess: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventExcessWithdrawn, actor, 0, map[string]any{
		"amount_ticks": ticks,
		"custody":      "coupon",
	})
	return nil
}

// Batch returns the batch for an (instrument, date) pair.
func (s *CouponService) Batch(id domain.InstrumentID, date string) (domain.CouponBatch, error) {
	b, err := s.scheduler.Batch(id, date)
	if err != nil {
		return domain.CouponBatch{}, fmt.Errorf("coupon_service: batch: %w", err)
	}
	return b, nil
}

// Batches lists every batch for an instrument by date.
func (s *CouponService) Batches(id domain.InstrumentID) []domain.CouponBatch {
	return s.scheduler.Batches(id)
}

// ArePaidForDate reports whether a date's batch is settled.
func (s *CouponService) ArePaidForDate(id domain.InstrumentID, date string) bool {
	return s.scheduler.ArePaidForDate(id, date)
}
