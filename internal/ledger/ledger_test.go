package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
	"github.com/bondfi/bondledger/internal/ledger"
)

var (
	issuer = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// fixture holds a registry with a controllable clock.
type fixture struct {
	guard *engine.Guard
	vault *bank.Vault
	reg   *ledger.Registry
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		guard: &engine.Guard{},
		vault: bank.NewVault(),
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.reg = ledger.NewRegistry(f.guard, func() time.Time { return f.now }, f.vault)
	return f
}

func testTerms(maturity time.Time) domain.BondTerms {
	return domain.BondTerms{
		Name:            "Treasury Note 2027",
		Symbol:          "TN27",
		FaceValueTicks:  1_000_000, // 1.00 currency per unit
		CouponRateBps:   500,
		CouponFrequency: 30 * 24 * time.Hour,
		MaturityDate:    maturity,
		TotalSupply:     1000,
	}
}

func (f *fixture) issue(t *testing.T) (domain.InstrumentID, *ledger.UnitLedger) {
	t.Helper()
	id, err := f.reg.Issue(issuer, testTerms(f.now.Add(365*24*time.Hour)))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	l, err := f.reg.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return id, l
}

func TestIssueMintsFullSupplyToIssuer(t *testing.T) {
	f := newFixture(t)
	id, l := f.issue(t)

	if id != 1 {
		t.Fatalf("first instrument id = %d, want 1", id)
	}
	if got := l.BalanceOf(issuer); got != 1000 {
		t.Fatalf("issuer balance = %d, want full supply 1000", got)
	}
	if got := l.State(); got != domain.LifecycleActive {
		t.Fatalf("state = %s, want active", got)
	}

	// Sequential ids.
	id2, err := f.reg.Issue(issuer, testTerms(f.now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if id2 != 2 {
		t.Fatalf("second instrument id = %d, want 2", id2)
	}
	if got := len(f.reg.List()); got != 2 {
		t.Fatalf("list length = %d, want 2", got)
	}
}

func TestIssueRejectsInvalidTerms(t *testing.T) {
	f := newFixture(t)
	maturity := f.now.Add(time.Hour)

	cases := []struct {
		name   string
		mutate func(*domain.BondTerms)
	}{
		{"zero supply", func(tm *domain.BondTerms) { tm.TotalSupply = 0 }},
		{"zero face value", func(tm *domain.BondTerms) { tm.FaceValueTicks = 0 }},
		{"negative coupon rate", func(tm *domain.BondTerms) { tm.CouponRateBps = -1 }},
		{"zero frequency", func(tm *domain.BondTerms) { tm.CouponFrequency = 0 }},
		{"maturity in the past", func(tm *domain.BondTerms) { tm.MaturityDate = f.now.Add(-time.Hour) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terms := testTerms(maturity)
			tc.mutate(&terms)
			if _, err := f.reg.Issue(issuer, terms); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestTransferMovesUnits(t *testing.T) {
	f := newFixture(t)
	_, l := f.issue(t)

	if err := l.Transfer(issuer, alice, 300); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf(issuer); got != 700 {
		t.Fatalf("issuer = %d, want 700", got)
	}
	if got := l.BalanceOf(alice); got != 300 {
		t.Fatalf("alice = %d, want 300", got)
	}

	if err := l.Transfer(alice, bob, 301); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("overdraw: got %v, want ErrInsufficientBalance", err)
	}
	if err := l.Transfer(alice, bob, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero amount: got %v, want ErrInvalidArgument", err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	f := newFixture(t)
	_, l := f.issue(t)

	if err := l.Approve(issuer, alice, 200); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := l.Allowance(issuer, alice); got != 200 {
		t.Fatalf("allowance = %d, want 200", got)
	}

	if err := l.TransferFrom(alice, issuer, bob, 150); err != nil {
		t.Fatalf("transfer_from: %v", err)
	}
	if got := l.Allowance(issuer, alice); got != 50 {
		t.Fatalf("allowance after spend = %d, want 50", got)
	}
	if got := l.BalanceOf(bob); got != 150 {
		t.Fatalf("bob = %d, want 150", got)
	}

	// Remaining allowance no longer covers this.
	if err := l.TransferFrom(alice, issuer, bob, 51); !errors.Is(err, domain.ErrInsufficientAllowance) {
		t.Fatalf("got %v, want ErrInsufficientAllowance", err)
	}

	// Approve replaces, never accumulates.
	if err := l.Approve(issuer, alice, 10); err != nil {
		t.Fatal(err)
	}
	if got := l.Allowance(issuer, alice); got != 10 {
		t.Fatalf("allowance after re-approve = %d, want 10", got)
	}
}

func TestLifecycleMatureAndClose(t *testing.T) {
	f := newFixture(t)
	_, l := f.issue(t)

	// Before maturity the clock gates the transition.
	if err := l.Mature(); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("early mature: got %v, want ErrInvalidState", err)
	}

	f.now = l.MaturityDate().Add(time.Second)
	if err := l.Mature(); err != nil {
		t.Fatalf("mature: %v", err)
	}
	if !l.IsMatured() {
		t.Fatal("expected matured")
	}
	if err := l.Mature(); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double mature: got %v, want ErrInvalidState", err)
	}

	// Close is issuer-only.
	if err := l.Close(alice); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("close by stranger: got %v, want ErrUnauthorized", err)
	}
	if err := l.Close(issuer); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !l.IsClosed() {
		t.Fatal("expected closed")
	}
	if err := l.Close(issuer); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double close: got %v, want ErrInvalidState", err)
	}
}

func TestCloseRequiresMatured(t *testing.T) {
	f := newFixture(t)
	_, l := f.issue(t)

	if err := l.Close(issuer); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("close while active: got %v, want ErrInvalidState", err)
	}
}

func TestCouponAmount(t *testing.T) {
	cases := []struct {
		units, face, bps, want int64
	}{
		{1000, 1_000_000, 500, 500_000},
		{100, 1_000_000, 500, 50_000},
		{1, 1_000_000, 500, 500},
		{0, 1_000_000, 500, 0},
		{3, 333_333, 7, 6},       // truncates toward zero
		{1000, 1_000_000, 0, 0},  // zero-rate bond
	}
	for _, tc := range cases {
		if got := ledger.CouponAmount(tc.units, tc.face, tc.bps); got != tc.want {
			t.Errorf("CouponAmount(%d, %d, %d) = %d, want %d", tc.units, tc.face, tc.bps, got, tc.want)
		}
	}
}

func TestCouponAmountLargePositionNoOverflow(t *testing.T) {
	// units × face alone would overflow int64 without wide intermediates.
	units := int64(5_000_000_000)
	face := int64(10_000_000_000)
	got := ledger.CouponAmount(units, face, 500)
	want := int64(25_000_000_000_000_000) // units*face*500/1e6
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestHoldersSortedAndNonZero(t *testing.T) {
	f := newFixture(t)
	_, l := f.issue(t)

	if err := l.Transfer(issuer, bob, 100); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(issuer, alice, 900); err != nil {
		t.Fatal(err)
	}
	// Issuer balance is now zero and must not appear.
	holders := l.Holders()
	if len(holders) != 2 {
		t.Fatalf("holders = %d, want 2", len(holders))
	}
	if holders[0].Hex() >= holders[1].Hex() {
		t.Fatalf("holders not sorted: %s, %s", holders[0].Hex(), holders[1].Hex())
	}
}

type fakeCouponBook struct {
	batches map[string]bool
	claims  map[string]bool
}

func (b *fakeCouponBook) HasBatch(id domain.InstrumentID, date string) bool {
	return b.batches[date]
}

func (b *fakeCouponBook) HasClaim(id domain.InstrumentID, holder common.Address, date string) bool {
	return b.claims[holder.Hex()+date]
}

func TestCanClaimCoupon(t *testing.T) {
	f := newFixture(t)
	_, l := f.issue(t)

	book := &fakeCouponBook{
		batches: map[string]bool{"2026-06-01": true},
		claims:  map[string]bool{alice.Hex() + "2026-06-01": true},
	}
	f.reg.SetCouponBook(book)

	if l.CanClaimCoupon(bob, "2026-01-01") {
		t.Fatal("claimable without a batch")
	}
	if !l.CanClaimCoupon(bob, "2026-06-01") {
		t.Fatal("expected bob claimable for the scheduled date")
	}
	if l.CanClaimCoupon(alice, "2026-06-01") {
		t.Fatal("alice already claimed")
	}

	// Matured bonds still pay scheduled coupons; closed bonds do not.
	f.now = l.MaturityDate().Add(time.Second)
	if err := l.Mature(); err != nil {
		t.Fatal(err)
	}
	if !l.CanClaimCoupon(bob, "2026-06-01") {
		t.Fatal("expected claimable while matured")
	}
	if err := l.Close(issuer); err != nil {
		t.Fatal(err)
	}
	if l.CanClaimCoupon(bob, "2026-06-01") {
		t.Fatal("claimable after close")
	}
}

func TestDepositAndWithdrawExcess(t *testing.T) {
	f := newFixture(t)
	_, l := f.issue(t)

	if err := f.vault.Deposit(issuer, 1_000_000); err != nil {
		t.Fatal(err)
	}
	if err := l.DepositFunds(issuer, 600_000); err != nil {
		t.Fatalf("deposit funds: %v", err)
	}
	if got := l.CustodiedFunds(); got != 600_000 {
		t.Fatalf("custodied = %d, want 600000", got)
	}

	if err := l.WithdrawExcess(alice, 100); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("withdraw by stranger: got %v, want ErrUnauthorized", err)
	}
	if err := l.WithdrawExcess(issuer, 700_000); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("over-withdraw: got %v, want ErrInsufficientFunds", err)
	}
	if err := l.WithdrawExcess(issuer, 600_000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.vault.BalanceOf(issuer); got != 1_000_000 {
		t.Fatalf("issuer cash = %d, want 1000000", got)
	}
	if got := l.CustodiedFunds(); got != 0 {
		t.Fatalf("custodied = %d, want 0", got)
	}
}

func TestLookupUnknownInstrument(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.Lookup(42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
