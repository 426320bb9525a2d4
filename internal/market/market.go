// Package market implements the secondary marketplace: operator-gated
// instrument registration, buy orders escrowed in cash at creation, sell
// orders escrowed in units at fulfillment, counterparty-driven partial and
// full fulfillment with a taker-paid fee, and full-scan order-book queries.
//
// Every mutating operation validates completely, mutates marketplace state,
// and only then moves cash and units, so a re-entrant call arriving through
// a payout can never observe a half-applied fill.
package market

import (
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bondfi/bondledger/internal/bank"
	"github.com/bondfi/bondledger/internal/domain"
	"github.com/bondfi/bondledger/internal/engine"
	"github.com/bondfi/bondledger/internal/ledger"
)

// MaxFeeRateBps caps the operator-settable market fee at 10%.
const MaxFeeRateBps = 1000

// Marketplace matches buy and sell orders for registered instruments.
type Marketplace struct {
	guard   *engine.Guard
	clock   engine.Clock
	vault   *bank.Vault
	ledgers *ledger.Registry

	operator common.Address

	mu           sync.RWMutex
	registered   map[domain.InstrumentID]bool
	orders       map[domain.OrderID]*domain.Order
	nextID       domain.OrderID
	feeRateBps   int64
	feeCollector common.Address
}

// New creates a Marketplace. The operator controls registration and fee
// configuration and initially collects fees.
func New(guard *engine.Guard, clock engine.Clock, vault *bank.Vault, ledgers *ledger.Registry, operator common.Address) *Marketplace {
	if clock == nil {
		clock = engine.SystemClock
	}
	return &Marketplace{
		guard:        guard,
		clock:        clock,
		vault:        vault,
		ledgers:      ledgers,
		operator:     operator,
		registered:   make(map[domain.InstrumentID]bool),
		orders:       make(map[domain.OrderID]*domain.Order),
		nextID:       1,
		feeCollector: operator,
	}
}

// Address returns the marketplace's cash/escrow account. Sellers grant unit
// allowances to this address.
func (m *Marketplace) Address() common.Address {
	return common.BytesToAddress([]byte("bondledger/market"))
}

// Operator returns the marketplace operator.
func (m *Marketplace) Operator() common.Address { return m.operator }

// FeeRateBps returns the current fee rate in basis points.
func (m *Marketplace) FeeRateBps() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feeRateBps
}

// FeeCollector returns the current fee collector.
func (m *Marketplace) FeeCollector() common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feeCollector
}

// IsRegistered reports whether an instrument is tradeable.
func (m *Marketplace) IsRegistered(id domain.InstrumentID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registered[id]
}

// RegisterBond makes an issued instrument tradeable. Operator-only.
func (m *Marketplace) RegisterBond(actor common.Address, id domain.InstrumentID) error {
	release, err := m.guard.Enter()
	if err != nil {
		return fmt.Errorf("market: register: %w", err)
	}
	defer release()

	if actor != m.operator {
		return fmt.Errorf("market: register by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	if _, err := m.ledgers.Lookup(id); err != nil {
		return fmt.Errorf("market: register: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered[id] {
		return fmt.Errorf("market: instrument %d: %w", id, domain.ErrAlreadyExists)
	}
	m.registered[id] = true
	return nil
}

// UnregisterBond removes an instrument from trading. Operator-only. Resting
// orders survive and remain cancellable; new orders and fulfillments fail.
func (m *Marketplace) UnregisterBond(actor common.Address, id domain.InstrumentID) error {
	release, err := m.guard.Enter()
	if err != nil {
		return fmt.Errorf("market: unregister: %w", err)
	}
	defer release()

	if actor != m.operator {
		return fmt.Errorf("market: unregister by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered[id] {
		return fmt.Errorf("market: instrument %d: %w", id, domain.ErrNotRegistered)
	}
	delete(m.registered, id)
	return nil
}

// SetFeeRate sets the market fee in basis points, capped at MaxFeeRateBps.
// Operator-only.
func (m *Marketplace) SetFeeRate(actor common.Address, bps int64) error {
	release, err := m.guard.Enter()
	if err != nil {
		return fmt.Errorf("market: set_fee: %w", err)
	}
	defer release()

	if actor != m.operator {
		return fmt.Errorf("market: set fee by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	if bps < 0 || bps > MaxFeeRateBps {
		return fmt.Errorf("market: fee rate %d bps (max %d): %w", bps, MaxFeeRateBps, domain.ErrInvalidArgument)
	}
	m.mu.Lock()
	m.feeRateBps = bps
	m.mu.Unlock()
	return nil
}

// SetFeeCollector changes where fees are routed. Operator-only.
func (m *Marketplace) SetFeeCollector(actor common.Address, collector common.Address) error {
	release, err := m.guard.Enter()
	if err != nil {
		return fmt.Errorf("market: set_collector: %w", err)
	}
	defer release()

	if actor != m.operator {
		return fmt.Errorf("market: set collector by %s: %w", actor.Hex(), domain.ErrUnauthorized)
	}
	if collector == (common.Address{}) {
		return fmt.Errorf("market: zero collector: %w", domain.ErrInvalidArgument)
	}
	m.mu.Lock()
	m.feeCollector = collector
	m.mu.Unlock()
	return nil
}

// CreateBuyOrder opens a buy order, escrowing exactly amount×price of the
// trader's cash. offeredTicks is the cash the trader attached; anything
// beyond the exact requirement never leaves their account.
func (m *Marketplace) CreateBuyOrder(trader common.Address, id domain.InstrumentID, amount, priceTicks, offeredTicks int64) (domain.OrderID, error) {
	release, err := m.guard.Enter()
	if err != nil {
		return 0, fmt.Errorf("market: create_buy: %w", err)
	}
	defer release()

	if err := m.checkOrderArgs(id, amount, priceTicks); err != nil {
		return 0, err
	}
	required, err := domain.NotionalTicks(amount, priceTicks)
	if err != nil {
		return 0, fmt.Errorf("market: create_buy: %w", err)
	}
	if offeredTicks < required {
		return 0, fmt.Errorf("market: offered %d below required escrow %d: %w",
			offeredTicks, required, domain.ErrInsufficientFunds)
	}
	if err := m.vault.Transfer(trader, m.Address(), required); err != nil {
		return 0, fmt.Errorf("market: escrow: %w", err)
	}
	return m.appendOrder(trader, id, domain.OrderSideBuy, amount, priceTicks), nil
}

// CreateSellOrder opens a sell order. The trader must hold the units and
// have granted the marketplace an allowance covering them; the units stay
// with the seller until fulfillment.
func (m *Marketplace) CreateSellOrder(trader common.Address, id domain.InstrumentID, amount, priceTicks int64) (domain.OrderID, error) {
	release, err := m.guard.Enter()
	if err != nil {
		return 0, fmt.Errorf("market: create_sell: %w", err)
	}
	defer release()

	if err := m.checkOrderArgs(id, amount, priceTicks); err != nil {
		return 0, err
	}
	l, err := m.ledgers.Lookup(id)
	if err != nil {
		return 0, fmt.Errorf("market: create_sell: %w", err)
	}
	if l.BalanceOf(trader) < amount {
		return 0, fmt.Errorf("market: seller balance below %d: %w", amount, domain.ErrInsufficientBalance)
	}
	if l.Allowance(trader, m.Address()) < amount {
		return 0, fmt.Errorf("market: seller allowance below %d: %w", amount, domain.ErrInsufficientAllowance)
	}
	return m.appendOrder(trader, id, domain.OrderSideSell, amount, priceTicks), nil
}

// CancelOrder cancels an open order. Owner-only; terminal orders cannot be
// cancelled. For a buy order the full escrowed remainder is refunded.
func (m *Marketplace) CancelOrder(actor common.Address, id domain.OrderID) error {
	release, err := m.guard.Enter()
	if err != nil {
		return fmt.Errorf("market: cancel: %w", err)
	}
	defer release()

	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("market: order %d: %w", id, domain.ErrNotFound)
	}
	if o.Trader != actor {
		m.mu.Unlock()
		return fmt.Errorf("market: cancel of %d by %s: %w", id, actor.Hex(), domain.ErrUnauthorized)
	}
	if o.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("market: cancel of %s order %d: %w", o.Status, id, domain.ErrInvalidState)
	}

	refund := int64(0)
	if o.Side == domain.OrderSideBuy {
		// Cannot overflow: the order's full notional fit int64 at creation.
		refund, err = domain.NotionalTicks(o.Remaining, o.PriceTicks)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("market: cancel refund: %w", err)
		}
	}
	now := m.clock()
	o.Status = domain.OrderStatusCancelled
	o.CancelledAt = &now
	m.mu.Unlock()

	// State is terminal before the refund leaves custody.
	if refund > 0 {
		if err := m.vault.PayOut(m.Address(), o.Trader, refund); err != nil {
			return fmt.Errorf("market: cancel refund: %w", err)
		}
	}
	return nil
}

// FulfillBuyOrder fills a resting buy order: the taker delivers units (via
// their pre-granted allowance) against the buyer's escrowed cash and
// receives notional minus the taker-paid fee.
func (m *Marketplace) FulfillBuyOrder(taker common.Address, id domain.OrderID, amount int64) (domain.Trade, error) {
	release, err := m.guard.Enter()
	if err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_buy: %w", err)
	}
	defer release()

	o, l, err := m.fulfillable(id, domain.OrderSideBuy, amount)
	if err != nil {
		return domain.Trade{}, err
	}
	if l.BalanceOf(taker) < amount {
		return domain.Trade{}, fmt.Errorf("market: taker balance below %d: %w", amount, domain.ErrInsufficientBalance)
	}
	if l.Allowance(taker, m.Address()) < amount {
		return domain.Trade{}, fmt.Errorf("market: taker allowance below %d: %w", amount, domain.ErrInsufficientAllowance)
	}

	notional, err := domain.NotionalTicks(amount, o.PriceTicks)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_buy: %w", err)
	}
	fee := FeeAmount(notional, m.FeeRateBps())
	if m.vault.BalanceOf(m.Address()) < notional {
		return domain.Trade{}, fmt.Errorf("market: escrow below %d: %w", notional, domain.ErrInsufficientFunds)
	}

	m.applyFill(o, amount)

	// Every movement below mirrors a check above, so nothing can fail after
	// the fill has been applied.
	if err := l.TransferUnits(m.Address(), taker, o.Trader, amount); err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_buy units: %w", err)
	}
	if fee > 0 {
		if err := m.vault.Transfer(m.Address(), m.FeeCollector(), fee); err != nil {
			return domain.Trade{}, fmt.Errorf("market: fulfill_buy fee: %w", err)
		}
	}
	if err := m.vault.PayOut(m.Address(), taker, notional-fee); err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_buy proceeds: %w", err)
	}

	return m.tradeRecord(o, taker, amount, fee), nil
}

// FulfillSellOrder fills a resting sell order: the taker attaches cash
// covering notional plus the fee, the seller's units move via the
// marketplace allowance, and the seller receives the full notional.
func (m *Marketplace) FulfillSellOrder(taker common.Address, id domain.OrderID, amount, offeredTicks int64) (domain.Trade, error) {
	release, err := m.guard.Enter()
	if err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_sell: %w", err)
	}
	defer release()

	o, l, err := m.fulfillable(id, domain.OrderSideSell, amount)
	if err != nil {
		return domain.Trade{}, err
	}

	notional, err := domain.NotionalTicks(amount, o.PriceTicks)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_sell: %w", err)
	}
	fee := FeeAmount(notional, m.FeeRateBps())
	if notional > math.MaxInt64-fee {
		return domain.Trade{}, fmt.Errorf("market: notional+fee exceeds int64: %w", domain.ErrInvalidArgument)
	}
	required := notional + fee

	if offeredTicks < required {
		return domain.Trade{}, fmt.Errorf("market: offered %d below notional+fee %d: %w",
			offeredTicks, required, domain.ErrInsufficientFunds)
	}
	if m.vault.BalanceOf(taker) < required {
		return domain.Trade{}, fmt.Errorf("market: taker cash below %d: %w", required, domain.ErrInsufficientFunds)
	}
	// Escrow-on-fulfillment: the seller's units and allowance are checked now,
	// not at order creation.
	if l.BalanceOf(o.Trader) < amount {
		return domain.Trade{}, fmt.Errorf("market: seller balance below %d: %w", amount, domain.ErrInsufficientBalance)
	}
	if l.Allowance(o.Trader, m.Address()) < amount {
		return domain.Trade{}, fmt.Errorf("market: seller allowance below %d: %w", amount, domain.ErrInsufficientAllowance)
	}

	m.applyFill(o, amount)

	if err := l.TransferUnits(m.Address(), o.Trader, taker, amount); err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_sell units: %w", err)
	}
	if fee > 0 {
		if err := m.vault.Transfer(taker, m.FeeCollector(), fee); err != nil {
			return domain.Trade{}, fmt.Errorf("market: fulfill_sell fee: %w", err)
		}
	}
	if err := m.vault.PayOut(taker, o.Trader, notional); err != nil {
		return domain.Trade{}, fmt.Errorf("market: fulfill_sell proceeds: %w", err)
	}

	return m.tradeRecord(o, taker, amount, fee), nil
}

// Order returns a copy of the order with the given id.
func (m *Marketplace) Order(id domain.OrderID) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("market: order %d: %w", id, domain.ErrNotFound)
	}
	return *o, nil
}

// ActiveOrders returns all open orders for an instrument and side in
// ascending id order. Full scan; fine at demonstration scale.
func (m *Marketplace) ActiveOrders(id domain.InstrumentID, side domain.OrderSide) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Order
	for oid := domain.OrderID(1); oid < m.nextID; oid++ {
		o, ok := m.orders[oid]
		if !ok {
			continue
		}
		if o.Instrument == id && o.Side == side && o.Status == domain.OrderStatusOpen {
			out = append(out, *o)
		}
	}
	return out
}

// BestBuyPrice returns the highest open buy price for an instrument, or nil
// when there are no open buy orders.
func (m *Marketplace) BestBuyPrice(id domain.InstrumentID) *int64 {
	return m.bestPrice(id, domain.OrderSideBuy)
}

// BestSellPrice returns the lowest open sell price for an instrument, or
// nil when there are no open sell orders.
func (m *Marketplace) BestSellPrice(id domain.InstrumentID) *int64 {
	return m.bestPrice(id, domain.OrderSideSell)
}

func (m *Marketplace) bestPrice(id domain.InstrumentID, side domain.OrderSide) *int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *int64
	for _, o := range m.orders {
		if o.Instrument != id || o.Side != side || o.Status != domain.OrderStatusOpen {
			continue
		}
		p := o.PriceTicks
		switch {
		case best == nil:
			best = &p
		case side == domain.OrderSideBuy && p > *best:
			best = &p
		case side == domain.OrderSideSell && p < *best:
			best = &p
		}
	}
	return best
}

// EscrowedFunds returns the marketplace vault balance.
func (m *Marketplace) EscrowedFunds() int64 {
	return m.vault.BalanceOf(m.Address())
}

// FeeAmount computes floor(notional × rateBps / 10000) with wide
// intermediates.
func FeeAmount(notionalTicks, rateBps int64) int64 {
	n := new(big.Int).Mul(big.NewInt(notionalTicks), big.NewInt(rateBps))
	n.Quo(n, big.NewInt(10000))
	return n.Int64()
}

func (m *Marketplace) checkOrderArgs(id domain.InstrumentID, amount, priceTicks int64) error {
	if !m.IsRegistered(id) {
		return fmt.Errorf("market: instrument %d: %w", id, domain.ErrNotRegistered)
	}
	if amount <= 0 {
		return fmt.Errorf("market: amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	if priceTicks <= 0 {
		return fmt.Errorf("market: price %d: %w", priceTicks, domain.ErrInvalidArgument)
	}
	// No order whose exact notional exceeds int64 enters the book.
	if _, err := domain.NotionalTicks(amount, priceTicks); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	return nil
}

func (m *Marketplace) appendOrder(trader common.Address, id domain.InstrumentID, side domain.OrderSide, amount, priceTicks int64) domain.OrderID {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid := m.nextID
	m.nextID++
	m.orders[oid] = &domain.Order{
		ID:         oid,
		Trader:     trader,
		Instrument: id,
		Side:       side,
		Amount:     amount,
		Remaining:  amount,
		PriceTicks: priceTicks,
		Status:     domain.OrderStatusOpen,
		CreatedAt:  m.clock(),
	}
	return oid
}

// fulfillable validates the common fulfillment preconditions and resolves
// the order and its ledger.
func (m *Marketplace) fulfillable(id domain.OrderID, side domain.OrderSide, amount int64) (*domain.Order, *ledger.UnitLedger, error) {
	m.mu.RLock()
	o, ok := m.orders[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("market: order %d: %w", id, domain.ErrNotFound)
	}
	if o.Side != side {
		return nil, nil, fmt.Errorf("market: order %d is a %s order: %w", id, o.Side, domain.ErrInvalidArgument)
	}
	if !m.IsRegistered(o.Instrument) {
		return nil, nil, fmt.Errorf("market: instrument %d: %w", o.Instrument, domain.ErrNotRegistered)
	}
	if o.Status != domain.OrderStatusOpen {
		return nil, nil, fmt.Errorf("market: order %d is %s: %w", id, o.Status, domain.ErrInvalidState)
	}
	if amount <= 0 || amount > o.Remaining {
		return nil, nil, fmt.Errorf("market: fill %d of remaining %d: %w", amount, o.Remaining, domain.ErrInvalidArgument)
	}
	l, err := m.ledgers.Lookup(o.Instrument)
	if err != nil {
		return nil, nil, fmt.Errorf("market: fulfill: %w", err)
	}
	return o, l, nil
}

// applyFill reduces the order's remainder and closes it when exhausted. The
// order record reflects the post-fill state before any value moves.
func (m *Marketplace) applyFill(o *domain.Order, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Remaining -= amount
	if o.Remaining == 0 {
		now := m.clock()
		o.Status = domain.OrderStatusFilled
		o.FilledAt = &now
	}
}

func (m *Marketplace) tradeRecord(o *domain.Order, taker common.Address, amount, fee int64) domain.Trade {
	return domain.Trade{
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Maker:      o.Trader,
		Taker:      taker,
		Side:       o.Side,
		Amount:     amount,
		PriceTicks: o.PriceTicks,
		FeeTicks:   fee,
		ExecutedAt: m.clock(),
	}
}
