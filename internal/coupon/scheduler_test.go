package coupon_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/coupon"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
	"github.com/bondfi/bondledger/internal/ledger"
)

var (
	operator = common.HexToAddress("0x000000000000000000000000000000000000000f")
	issuer   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

const couponDate = "2026-02-01"

type fixture struct {
	guard *engine.Guard
	vault *bank.Vault
	reg   *ledger.Registry
	sched *coupon.Scheduler
	now   time.Time
	id    domain.InstrumentID
	led   *ledger.UnitLedger
}

// newFixture issues and enrolls an instrument with supply 1000, face 1.00,
// and a 500 bps coupon: a full batch totals 500,000 ticks. Alice holds 100
// units (a 50,000 tick coupon); the issuer keeps the rest.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		guard: &engine.Guard{},
		vault: bank.NewVault(),
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.reg = ledger.NewRegistry(f.guard, clock, f.vault)
	f.sched = coupon.New(f.guard, clock, f.vault, f.reg, operator)
	f.reg.SetCouponBook(f.sched)

	id, err := f.reg.Issue(issuer, domain.BondTerms{
		Name:            "Municipal Bond 2028",
		Symbol:          "MB28",
		FaceValueTicks:  1_000_000,
		CouponRateBps:   500,
		CouponFrequency: 30 * 24 * time.Hour,
		MaturityDate:    f.now.Add(365 * 24 * time.Hour),
		TotalSupply:     1000,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.id = id
	f.led, err = f.reg.Lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sched.RegisterBond(operator, id); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.led.Transfer(issuer, alice, 100); err != nil {
		t.Fatal(err)
	}
	return f
}

// fundCustody deposits cash into the scheduler's custody account.
func (f *fixture) fundCustody(t *testing.T, ticks int64) {
	t.Helper()
	if err := f.vault.Deposit(operator, ticks); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Deposit(operator, ticks); err != nil {
		t.Fatal(err)
	}
}

func TestRegistrationIsOperatorGated(t *testing.T) {
	f := newFixture(t)

	if err := f.sched.RegisterBond(alice, f.id); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("register by stranger: got %v, want ErrUnauthorized", err)
	}
	if err := f.sched.RegisterBond(operator, f.id); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("double register: got %v, want ErrAlreadyExists", err)
	}
	if err := f.sched.RegisterBond(operator, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("register unknown: got %v, want ErrNotFound", err)
	}
	if err := f.sched.UnregisterBond(operator, f.id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if f.sched.IsRegistered(f.id) {
		t.Fatal("still registered after unregister")
	}
}

func TestScheduleSnapshotsTotal(t *testing.T) {
	f := newFixture(t)

	b, err := f.sched.ScheduleCoupon(operator, f.id, couponDate)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if b.TotalTicks != 500_000 {
		t.Fatalf("total = %d, want 500000", b.TotalTicks)
	}

	// Later balance movements never change the snapshotted total.
	if err := f.led.Transfer(issuer, alice, 500); err != nil {
		t.Fatal(err)
	}
	got, err := f.sched.Batch(f.id, couponDate)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalTicks != 500_000 {
		t.Fatalf("total after transfer = %d, want 500000", got.TotalTicks)
	}

	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate schedule: got %v, want ErrAlreadyExists", err)
	}
	if _, err := f.sched.ScheduleCoupon(operator, f.id, "02/01/2026"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("bad date: got %v, want ErrInvalidArgument", err)
	}
	if _, err := f.sched.ScheduleCoupon(alice, f.id, "2026-03-01"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("schedule by stranger: got %v, want ErrUnauthorized", err)
	}
}

func TestScheduleRequiresEnrollment(t *testing.T) {
	f := newFixture(t)
	if err := f.sched.UnregisterBond(operator, f.id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("got %v, want ErrNotRegistered", err)
	}
}

func TestPayCouponToHolder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); err != nil {
		t.Fatal(err)
	}

	// Custody is empty; payment must fail without touching the claim record.
	if _, err := f.sched.PayCouponToHolder(f.id, alice, couponDate); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("unfunded pay: got %v, want ErrInsufficientFunds", err)
	}
	if f.sched.HasClaim(f.id, alice, couponDate) {
		t.Fatal("claim recorded for a failed payment")
	}

	f.fundCustody(t, 500_000)

	amount, err := f.sched.PayCouponToHolder(f.id, alice, couponDate)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if amount != 50_000 {
		t.Fatalf("amount = %d, want 50000", amount)
	}
	if got := f.vault.BalanceOf(alice); got != 50_000 {
		t.Fatalf("alice cash = %d, want 50000", got)
	}

	// At most one successful payment per holder and date, ever.
	if _, err := f.sched.PayCouponToHolder(f.id, alice, couponDate); !errors.Is(err, domain.ErrClaimIneligible) {
		t.Fatalf("double claim: got %v, want ErrClaimIneligible", err)
	}

	b, err := f.sched.Batch(f.id, couponDate)
	if err != nil {
		t.Fatal(err)
	}
	if b.PaidTicks != 50_000 || b.Outstanding() != 450_000 {
		t.Fatalf("batch = %+v, want paid 50000 outstanding 450000", b)
	}
}

func TestPayRejectsIneligibleHolders(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); err != nil {
		t.Fatal(err)
	}
	f.fundCustody(t, 500_000)

	// No batch for this date.
	if _, err := f.sched.PayCouponToHolder(f.id, alice, "2026-03-01"); !errors.Is(err, domain.ErrClaimIneligible) {
		t.Fatalf("no batch: got %v, want ErrClaimIneligible", err)
	}
	// Zero-balance holders earn nothing.
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	if _, err := f.sched.PayCouponToHolder(f.id, stranger, couponDate); !errors.Is(err, domain.ErrClaimIneligible) {
		t.Fatalf("zero balance: got %v, want ErrClaimIneligible", err)
	}
}

func TestCompleteStopsPayments(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); err != nil {
		t.Fatal(err)
	}
	f.fundCustody(t, 500_000)

	if err := f.sched.Complete(alice, f.id, couponDate); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("complete by stranger: got %v, want ErrUnauthorized", err)
	}
	if err := f.sched.Complete(operator, f.id, couponDate); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.sched.Complete(operator, f.id, couponDate); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double complete: got %v, want ErrInvalidState", err)
	}
	if _, err := f.sched.PayCouponToHolder(f.id, alice, couponDate); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("pay after complete: got %v, want ErrInvalidState", err)
	}
	if !f.sched.ArePaidForDate(f.id, couponDate) {
		t.Fatal("expected batch settled after complete")
	}
}

func TestWithdrawExcessBoundedByObligations(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); err != nil {
		t.Fatal(err)
	}
	f.fundCustody(t, 500_000)

	if _, err := f.sched.PayCouponToHolder(f.id, alice, couponDate); err != nil {
		t.Fatal(err)
	}
	// Custody 450,000 and outstanding 450,000: nothing is free.
	if err := f.sched.WithdrawExcess(operator, 1); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("withdraw with obligations: got %v, want ErrInsufficientFunds", err)
	}

	// Completing releases the unpaid remainder.
	if err := f.sched.Complete(operator, f.id, couponDate); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.WithdrawExcess(operator, 450_000); err != nil {
		t.Fatalf("withdraw after complete: %v", err)
	}
	if got := f.sched.CustodiedFunds(); got != 0 {
		t.Fatalf("custody = %d, want 0", got)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDistributeBatchPaysEveryHolder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); err != nil {
		t.Fatal(err)
	}
	f.fundCustody(t, 500_000)

	dist := coupon.NewDistributor(f.sched, f.reg, nil, discardLogger())

	paid, total, err := dist.DistributeBatch(context.Background(), f.id, couponDate)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if paid != 2 || total != 500_000 {
		t.Fatalf("paid %d holders, %d ticks; want 2 holders, 500000 ticks", paid, total)
	}
	if got := f.vault.BalanceOf(alice); got != 50_000 {
		t.Fatalf("alice = %d, want 50000", got)
	}
	if got := f.vault.BalanceOf(issuer); got != 450_000 {
		t.Fatalf("issuer = %d, want 450000", got)
	}

	// Re-running skips holders who already claimed.
	paid, total, err = dist.DistributeBatch(context.Background(), f.id, couponDate)
	if err != nil {
		t.Fatalf("second distribute: %v", err)
	}
	if paid != 0 || total != 0 {
		t.Fatalf("second run paid %d/%d, want 0/0", paid, total)
	}
}

func TestDistributeDueSkipsFutureBatches(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sched.ScheduleCoupon(operator, f.id, couponDate); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.ScheduleCoupon(operator, f.id, "2026-12-01"); err != nil {
		t.Fatal(err)
	}
	f.fundCustody(t, 1_000_000)

	dist := coupon.NewDistributor(f.sched, f.reg, nil, discardLogger())

	// As of March only the February batch is due.
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := dist.DistributeDue(context.Background(), now); err != nil {
		t.Fatalf("distribute due: %v", err)
	}

	feb, _ := f.sched.Batch(f.id, couponDate)
	if feb.PaidTicks != 500_000 {
		t.Fatalf("february paid = %d, want 500000", feb.PaidTicks)
	}
	dec, _ := f.sched.Batch(f.id, "2026-12-01")
	if dec.PaidTicks != 0 {
		t.Fatalf("december paid = %d, want 0", dec.PaidTicks)
	}
}
