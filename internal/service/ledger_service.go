package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/ledger"
)

// LedgerService exposes issuance, unit accounting, lifecycle transitions,
// and cash custody around the ledger registry.
type LedgerService struct {
	ledgers *ledger.Registry
	vault   *bank.Vault
	emitter *Emitter
	logger  *slog.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(ledgers *ledger.Registry, vault *bank.Vault, emitter *Emitter, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		ledgers: ledgers,
		vault:   vault,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "ledger_service")),
	}
}

// Issue creates a new instrument with its full supply minted to the issuer.
func (s *LedgerService) Issue(ctx context.Context, issuer common.Address, terms domain.BondTerms) (domain.InstrumentID, error) {
	id, err := s.ledgers.Issue(issuer, terms)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: issue: %w", err)
	}

	s.emitter.Emit(ctx, domain.EventBondIssued, issuer, id, map[string]any{
		"symbol":          terms.Symbol,
		"face_value":      terms.FaceValueTicks,
		"coupon_rate_bps": terms.CouponRateBps,
		"maturity":        terms.MaturityDate,
		"total_supply":    terms.TotalSupply,
	})
	s.logger.InfoContext(ctx, "ledger_service: bond issued",
		slog.Int64("instrument", int64(id)),
		slog.String("issuer", issuer.Hex()),
		slog.Int64("supply", terms.TotalSupply),
	)
	return id, nil
}

// Transfer moves units between holders.
func (s *LedgerService) Transfer(ctx context.Context, id domain.InstrumentID, from, to common.Address, amount int64) error {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return fmt.Errorf("ledger_service: transfer: %w", err)
	}
	if err := l.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("ledger_service: transfer: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventUnitsTransferred, from, id, map[string]any{
		"to":     to.Hex(),
		"amount": amount,
	})
	return nil
}

// Approve sets a spender allowance.
func (s *LedgerService) Approve(ctx context.Context, id domain.InstrumentID, owner, spender common.Address, amount int64) error {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return fmt.Errorf("ledger_service: approve: %w", err)
	}
	if err := l.Approve(owner, spender, amount); err != nil {
		return fmt.Errorf("ledger_service: approve: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventApprovalSet, owner, id, map[string]any{
		"spender": spender.Hex(),
		"amount":  amount,
	})
	return nil
}

// TransferFrom moves units using a previously granted allowance.
func (s *LedgerService) TransferFrom(ctx context.Context, id domain.InstrumentID, spender, from, to common.Address, amount int64) error {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return fmt.Errorf("ledger_service: transfer_from: %w", err)
	}
	if err := l.TransferFrom(spender, from, to, amount); err != nil {
		return fmt.Errorf("ledger_service: transfer_from: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventUnitsTransferred, spender, id, map[string]any{
		"from":      from.Hex(),
		"to":        to.Hex(),
		"amount":    amount,
		"delegated": true,
	})
	return nil
}

// Mature transitions the bond to Matured once past its maturity date.
func (s *LedgerService) Mature(ctx context.Context, id domain.InstrumentID, actor common.Address) error {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return fmt.Errorf("ledger_service: mature: %w", err)
	}
	if err := l.Mature(); err != nil {
		return fmt.Errorf("ledger_service: mature: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventBondMatured, actor, id, nil)
	s.logger.InfoContext(ctx, "ledger_service: bond matured", slog.Int64("instrument", int64(id)))
	return nil
}

// Close transitions the bond to Closed. Issuer-only.
func (s *LedgerService) Close(ctx context.Context, id domain.InstrumentID, actor common.Address) error {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return fmt.Errorf("ledger_service: close: %w", err)
	}
	if err := l.Close(actor); err != nil {
		return fmt.Errorf("ledger_service: close: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventBondClosed, actor, id, nil)
	s.logger.InfoContext(ctx, "ledger_service: bond closed", slog.Int64("instrument", int64(id)))
	return nil
}

// WithdrawExcess pays surplus custodied cash back to the issuer.
func (s *LedgerService) WithdrawExcess(ctx context.Context, id domain.InstrumentID, actor common.Address, ticks int64) error {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return fmt.Errorf("ledger_service: withdraw_excess: %w", err)
	}
	if err := l.WithdrawExcess(actor, ticks); err != nil {
		return fmt.Errorf("ledger_service: withdraw_excess: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventExcessWithdrawn, actor, id, map[string]any{
		"amount_ticks": ticks,
	})
	return nil
}

// DepositFunds moves cash from the depositor into the instrument vault.
func (s *LedgerService) DepositFunds(ctx context.Context, id domain.InstrumentID, from common.Address, ticks int64) error {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return fmt.Errorf("ledger_service: deposit: %w", err)
	}
	if err := l.DepositFunds(from, ticks); err != nil {
		return fmt.Errorf("ledger_service: deposit: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventFundsDeposited, from, id, map[string]any{
		"amount_ticks": ticks,
		"custody":      "ledger",
	})
	return nil
}

// DepositCash credits external currency to an account. This is the boundary
// where value enters the system.
func (s *LedgerService) DepositCash(ctx context.Context, addr common.Address, ticks int64) error {
	if err := s.vault.Deposit(addr, ticks); err != nil {
		return fmt.Errorf("ledger_service: deposit_cash: %w", err)
	}
	s.emitter.Emit(ctx, domain.EventFundsDeposited, addr, 0, map[string]any{
		"amount_ticks": ticks,
		"custody":      "account",
	})
	return nil
}

// Instrument returns the summary for one instrument.
func (s *LedgerService) Instrument(id domain.InstrumentID) (domain.Instrument, error) {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("ledger_service: instrument: %w", err)
	}
	return l.Snapshot(), nil
}

// Instruments lists all issued instruments.
func (s *LedgerService) Instruments() []domain.Instrument {
	return s.ledgers.List()
}

// Balance returns the unit balance of a holder.
func (s *LedgerService) Balance(id domain.InstrumentID, holder common.Address) (int64, error) {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: balance: %w", err)
	}
	return l.BalanceOf(holder), nil
}

// Allowance returns the remaining spender allowance.
func (s *LedgerService) Allowance(id domain.InstrumentID, owner, spender common.Address) (int64, error) {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: allowance: %w", err)
	}
	return l.Allowance(owner, spender), nil
}

// CouponAmount returns the coupon due to a holder at current balance.
func (s *LedgerService) CouponAmount(id domain.InstrumentID, holder common.Address) (int64, error) {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: coupon_amount: %w", err)
	}
	return l.CalculateCouponAmount(holder), nil
}

// CanClaim reports coupon eligibility for a holder and date.
func (s *LedgerService) CanClaim(id domain.InstrumentID, holder common.Address, date string) (bool, error) {
	l, err := s.ledgers.Lookup(id)
	if err != nil {
		return false, fmt.Errorf("ledger_service: can_claim: %w", err)
	}
	return l.CanClaimCoupon(holder, date), nil
}

// CashBalance returns an account's cash balance in ticks.
func (s *LedgerService) CashBalance(addr common.Address) int64 {
	return s.vault.BalanceOf(addr)
}
