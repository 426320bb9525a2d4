package market_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
	"github.com/bondfi/bondledger/internal/ledger"
	"github.com/bondfi/bondledger/internal/market"
)

var (
	operator = common.HexToAddress("0x000000000000000000000000000000000000000f")
	issuer   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fixture struct {
	guard *engine.Guard
	vault *bank.Vault
	reg   *ledger.Registry
	mkt   *market.Marketplace
	now   time.Time
	id    domain.InstrumentID
	led   *ledger.UnitLedger
}

// newFixture issues a registered instrument and moves 200 units to the
// seller. The seller grants the marketplace a standing allowance.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		guard: &engine.Guard{},
		vault: bank.NewVault(),
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.reg = ledger.NewRegistry(f.guard, clock, f.vault)
	f.mkt = market.New(f.guard, clock, f.vault, f.reg, operator)

	id, err := f.reg.Issue(issuer, domain.BondTerms{
		Name:            "Corporate Bond 2030",
		Symbol:          "CB30",
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
	if err := f.mkt.RegisterBond(operator, id); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.led.Transfer(issuer, seller, 200); err != nil {
		t.Fatal(err)
	}
	if err := f.led.Approve(seller, f.mkt.Address(), 200); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) fund(t *testing.T, addr common.Address, ticks int64) {
	t.Helper()
	if err := f.vault.Deposit(addr, ticks); err != nil {
		t.Fatal(err)
	}
}

func TestRegistrationIsOperatorGated(t *testing.T) {
	f := newFixture(t)

	if err := f.mkt.RegisterBond(buyer, f.id); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("register by stranger: got %v, want ErrUnauthorized", err)
	}
	if err := f.mkt.RegisterBond(operator, f.id); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("double register: got %v, want ErrAlreadyExists", err)
	}
	if err := f.mkt.RegisterBond(operator, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("register unknown instrument: got %v, want ErrNotFound", err)
	}

	if err := f.mkt.UnregisterBond(operator, f.id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := f.mkt.UnregisterBond(operator, f.id); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("double unregister: got %v, want ErrNotRegistered", err)
	}
}

func TestFeeConfiguration(t *testing.T) {
	f := newFixture(t)

	if err := f.mkt.SetFeeRate(buyer, 50); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("set fee by stranger: got %v, want ErrUnauthorized", err)
	}
	if err := f.mkt.SetFeeRate(operator, market.MaxFeeRateBps+1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("fee above cap: got %v, want ErrInvalidArgument", err)
	}
	if err := f.mkt.SetFeeRate(operator, 100); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if got := f.mkt.FeeRateBps(); got != 100 {
		t.Fatalf("fee rate = %d, want 100", got)
	}

	if err := f.mkt.SetFeeCollector(operator, common.Address{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero collector: got %v, want ErrInvalidArgument", err)
	}
	if err := f.mkt.SetFeeCollector(operator, seller); err != nil {
		t.Fatalf("set collector: %v", err)
	}
	if got := f.mkt.FeeCollector(); got != seller {
		t.Fatalf("collector = %s, want seller", got.Hex())
	}
}

func TestCreateBuyOrderEscrowsExactly(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 25_000_000)

	// 10 units at 2.00 requires 20,000,000; the extra 5,000,000 stays put.
	oid, err := f.mkt.CreateBuyOrder(buyer, f.id, 10, 2_000_000, 25_000_000)
	if err != nil {
		t.Fatalf("create buy: %v", err)
	}
	if got := f.vault.BalanceOf(buyer); got != 5_000_000 {
		t.Fatalf("buyer cash = %d, want 5000000", got)
	}
	if got := f.mkt.EscrowedFunds(); got != 20_000_000 {
		t.Fatalf("escrow = %d, want 20000000", got)
	}

	o, err := f.mkt.Order(oid)
	if err != nil {
		t.Fatal(err)
	}
	if o.Remaining != 10 || o.Status != domain.OrderStatusOpen {
		t.Fatalf("order = %+v, want open with remaining 10", o)
	}
}

func TestCreateBuyOrderRejectsUnderfundedOffer(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 25_000_000)

	if _, err := f.mkt.CreateBuyOrder(buyer, f.id, 10, 2_000_000, 19_999_999); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	// Nothing escrowed on failure.
	if got := f.vault.BalanceOf(buyer); got != 25_000_000 {
		t.Fatalf("buyer cash = %d, want untouched 25000000", got)
	}
}

func TestCreateSellOrderRequiresBalanceAndAllowance(t *testing.T) {
	f := newFixture(t)

	if _, err := f.mkt.CreateSellOrder(seller, f.id, 201, 1_000_000); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if err := f.led.Approve(seller, f.mkt.Address(), 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mkt.CreateSellOrder(seller, f.id, 50, 1_000_000); !errors.Is(err, domain.ErrInsufficientAllowance) {
		t.Fatalf("got %v, want ErrInsufficientAllowance", err)
	}
	if _, err := f.mkt.CreateSellOrder(seller, f.id, 10, 1_000_000); err != nil {
		t.Fatalf("create sell: %v", err)
	}
}

func TestOrderArgsValidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 1_000_000)

	if _, err := f.mkt.CreateBuyOrder(buyer, 99, 1, 1, 1); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("unregistered: got %v, want ErrNotRegistered", err)
	}
	if _, err := f.mkt.CreateBuyOrder(buyer, f.id, 0, 1, 1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero amount: got %v, want ErrInvalidArgument", err)
	}
	if _, err := f.mkt.CreateBuyOrder(buyer, f.id, 1, 0, 1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero price: got %v, want ErrInvalidArgument", err)
	}
}

func TestCreateOrderRejectsOverflowingNotional(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 10_000_000)

	// amount×price wraps int64: the wrapped product (2^32) would demand far
	// less escrow than the true notional (> 2^64).
	amount := int64(1<<32 + 1)
	price := int64(1 << 32)

	if _, err := f.mkt.CreateBuyOrder(buyer, f.id, amount, price, 1<<32); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("overflowing buy: got %v, want ErrInvalidArgument", err)
	}
	if got := f.vault.BalanceOf(buyer); got != 10_000_000 {
		t.Fatalf("buyer cash = %d, want untouched 10000000", got)
	}
	if got := f.mkt.EscrowedFunds(); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}

	if _, err := f.mkt.CreateSellOrder(seller, f.id, amount, price); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("overflowing sell: got %v, want ErrInvalidArgument", err)
	}
	if got := len(f.mkt.ActiveOrders(f.id, domain.OrderSideBuy)) + len(f.mkt.ActiveOrders(f.id, domain.OrderSideSell)); got != 0 {
		t.Fatalf("book has %d orders, want 0", got)
	}
}

func TestFulfillBuyOrderFailureLeavesNoResidue(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 20_000_000)

	oid, err := f.mkt.CreateBuyOrder(buyer, f.id, 10, 2_000_000, 20_000_000)
	if err != nil {
		t.Fatal(err)
	}

	// Drain most of the escrow pool out from under the order. A fill whose
	// payout cannot be covered must fail before any state or units move.
	if err := f.vault.Transfer(f.mkt.Address(), operator, 15_000_000); err != nil {
		t.Fatal(err)
	}

	if _, err := f.mkt.FulfillBuyOrder(seller, oid, 10); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("fill with drained escrow: got %v, want ErrInsufficientFunds", err)
	}

	o, err := f.mkt.Order(oid)
	if err != nil {
		t.Fatal(err)
	}
	if o.Remaining != 10 || o.Status != domain.OrderStatusOpen {
		t.Fatalf("order after failed fill = %+v, want open with remaining 10", o)
	}
	if got := f.led.BalanceOf(seller); got != 200 {
		t.Fatalf("seller units = %d, want untouched 200", got)
	}
	if got := f.led.BalanceOf(buyer); got != 0 {
		t.Fatalf("buyer units = %d, want 0", got)
	}
	if got := f.led.Allowance(seller, f.mkt.Address()); got != 200 {
		t.Fatalf("seller allowance = %d, want untouched 200", got)
	}
}

func TestCancelBuyOrderRefundsRemainder(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 20_000_000)

	oid, err := f.mkt.CreateBuyOrder(buyer, f.id, 10, 2_000_000, 20_000_000)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mkt.CancelOrder(seller, oid); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("cancel by stranger: got %v, want ErrUnauthorized", err)
	}
	if err := f.mkt.CancelOrder(buyer, oid); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.vault.BalanceOf(buyer); got != 20_000_000 {
		t.Fatalf("buyer cash after refund = %d, want 20000000", got)
	}
	if err := f.mkt.CancelOrder(buyer, oid); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double cancel: got %v, want ErrInvalidState", err)
	}
}

func TestFulfillBuyOrderPartialThenFull(t *testing.T) {
	f := newFixture(t)
	if err := f.mkt.SetFeeRate(operator, 100); err != nil { // 1%
		t.Fatal(err)
	}
	f.fund(t, buyer, 20_000_000)
	totalBefore := f.vault.TotalCash()

	oid, err := f.mkt.CreateBuyOrder(buyer, f.id, 10, 2_000_000, 20_000_000)
	if err != nil {
		t.Fatal(err)
	}

	// Partial fill: 4 units, notional 8,000,000, fee 80,000.
	tr, err := f.mkt.FulfillBuyOrder(seller, oid, 4)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if tr.Amount != 4 || tr.FeeTicks != 80_000 || tr.Maker != buyer || tr.Taker != seller {
		t.Fatalf("trade = %+v", tr)
	}
	if got := f.led.BalanceOf(buyer); got != 4 {
		t.Fatalf("buyer units = %d, want 4", got)
	}
	if got := f.vault.BalanceOf(seller); got != 8_000_000-80_000 {
		t.Fatalf("seller proceeds = %d, want notional minus fee", got)
	}
	if got := f.vault.BalanceOf(operator); got != 80_000 {
		t.Fatalf("collector fee = %d, want 80000", got)
	}

	o, _ := f.mkt.Order(oid)
	if o.Remaining != 6 || o.Status != domain.OrderStatusOpen {
		t.Fatalf("order after partial = %+v", o)
	}

	// Remainder.
	if _, err := f.mkt.FulfillBuyOrder(seller, oid, 6); err != nil {
		t.Fatalf("fulfill remainder: %v", err)
	}
	o, _ = f.mkt.Order(oid)
	if o.Remaining != 0 || o.Status != domain.OrderStatusFilled {
		t.Fatalf("order after full fill = %+v", o)
	}
	if got := f.mkt.EscrowedFunds(); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}
	if got := f.vault.TotalCash(); got != totalBefore {
		t.Fatalf("total cash = %d, want conserved %d", got, totalBefore)
	}

	// Terminal orders cannot be filled again.
	if _, err := f.mkt.FulfillBuyOrder(seller, oid, 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("fill of filled order: got %v, want ErrInvalidState", err)
	}
}

func TestFulfillSellOrder(t *testing.T) {
	f := newFixture(t)
	if err := f.mkt.SetFeeRate(operator, 100); err != nil { // 1%
		t.Fatal(err)
	}

	oid, err := f.mkt.CreateSellOrder(seller, f.id, 10, 2_000_000)
	if err != nil {
		t.Fatal(err)
	}

	// Taker needs notional (20,000,000) plus fee (200,000).
	f.fund(t, buyer, 20_200_000)
	if _, err := f.mkt.FulfillSellOrder(buyer, oid, 10, 20_199_999); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("underfunded offer: got %v, want ErrInsufficientFunds", err)
	}

	tr, err := f.mkt.FulfillSellOrder(buyer, oid, 10, 20_200_000)
	if err != nil {
		t.Fatalf("fulfill sell: %v", err)
	}
	if tr.FeeTicks != 200_000 {
		t.Fatalf("fee = %d, want 200000", tr.FeeTicks)
	}
	if got := f.led.BalanceOf(buyer); got != 10 {
		t.Fatalf("buyer units = %d, want 10", got)
	}
	// Seller receives the full notional; the taker paid the fee.
	if got := f.vault.BalanceOf(seller); got != 20_000_000 {
		t.Fatalf("seller proceeds = %d, want 20000000", got)
	}
	if got := f.vault.BalanceOf(buyer); got != 0 {
		t.Fatalf("buyer cash = %d, want 0", got)
	}
	if got := f.vault.BalanceOf(operator); got != 200_000 {
		t.Fatalf("collector fee = %d, want 200000", got)
	}
}

func TestFulfillRejectsWrongSideAndOverfill(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 2_000_000)

	oid, err := f.mkt.CreateBuyOrder(buyer, f.id, 1, 2_000_000, 2_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mkt.FulfillSellOrder(seller, oid, 1, 2_000_000); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("wrong side: got %v, want ErrInvalidArgument", err)
	}
	if _, err := f.mkt.FulfillBuyOrder(seller, oid, 2); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("overfill: got %v, want ErrInvalidArgument", err)
	}
}

func TestBestPrices(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 10_000_000)

	if f.mkt.BestBuyPrice(f.id) != nil || f.mkt.BestSellPrice(f.id) != nil {
		t.Fatal("expected empty book")
	}

	if _, err := f.mkt.CreateBuyOrder(buyer, f.id, 1, 1_500_000, 1_500_000); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mkt.CreateBuyOrder(buyer, f.id, 1, 1_800_000, 1_800_000); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mkt.CreateSellOrder(seller, f.id, 1, 2_500_000); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mkt.CreateSellOrder(seller, f.id, 1, 2_200_000); err != nil {
		t.Fatal(err)
	}

	if got := f.mkt.BestBuyPrice(f.id); got == nil || *got != 1_800_000 {
		t.Fatalf("best buy = %v, want 1800000", got)
	}
	if got := f.mkt.BestSellPrice(f.id); got == nil || *got != 2_200_000 {
		t.Fatalf("best sell = %v, want 2200000", got)
	}

	buys := f.mkt.ActiveOrders(f.id, domain.OrderSideBuy)
	if len(buys) != 2 || buys[0].ID >= buys[1].ID {
		t.Fatalf("active buys = %+v, want 2 in id order", buys)
	}
}

func TestReentrantCallThroughPayoutRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, buyer, 2_000_000)

	oid, err := f.mkt.CreateBuyOrder(buyer, f.id, 1, 2_000_000, 2_000_000)
	if err != nil {
		t.Fatal(err)
	}

	// A notifier that tries to mutate the marketplace mid-operation must be
	// rejected, and the outer operation must still commit.
	var reentrantErr error
	f.vault.SetPayoutNotifier(func(common.Address, int64) {
		reentrantErr = f.mkt.CancelOrder(buyer, oid)
	})

	if err := f.mkt.CancelOrder(buyer, oid); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !errors.Is(reentrantErr, domain.ErrReentrantCall) {
		t.Fatalf("nested call: got %v, want ErrReentrantCall", reentrantErr)
	}
	// The refund went through despite the rejected nested call.
	if got := f.vault.BalanceOf(buyer); got != 2_000_000 {
		t.Fatalf("buyer cash = %d, want full refund", got)
	}
}

func TestFeeAmount(t *testing.T) {
	cases := []struct {
		notional, bps, want int64
	}{
		{10_000, 100, 100},
		{10_000, 0, 0},
		{999, 100, 9}, // truncates
		{20_000_000, 250, 500_000},
	}
	for _, tc := range cases {
		if got := market.FeeAmount(tc.notional, tc.bps); got != tc.want {
			t.Errorf("FeeAmount(%d, %d) = %d, want %d", tc.notional, tc.bps, got, tc.want)
		}
	}
}
