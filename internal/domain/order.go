package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderID identifies a marketplace order. IDs are monotonic and never reused.
type OrderID uint64

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the order lifecycle. Filled and Cancelled are terminal
// and mutually exclusive.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is a resting marketplace order.
//
// PriceTicks is the unit price in currency ticks (1e6 ticks = 1 currency
// unit). Remaining counts unfilled units; it strictly decreases on each
// fulfillment and is frozen once the order reaches a terminal status. For a
// buy order, Remaining*PriceTicks of the trader's cash stays escrowed in the
// marketplace vault until fulfillment or cancellation.
type Order struct {
	ID          OrderID
	Trader      common.Address
	Instrument  InstrumentID
	Side        OrderSide
	Amount      int64 // units at creation
	Remaining   int64 // unfilled units
	PriceTicks  int64
	Status      OrderStatus
	CreatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// Notional returns remaining*price in currency ticks. Orders admitted to the
// book have amount×price within int64 (checked at creation), so the product
// cannot wrap.
func (o Order) Notional() int64 {
	n, _ := NotionalTicks(o.Remaining, o.PriceTicks)
	return n
}

// NotionalTicks computes amount×price exactly. Products beyond int64 are
// rejected so escrow and payout arithmetic cannot wrap.
func NotionalTicks(amountUnits, priceTicks int64) (int64, error) {
	n := new(big.Int).Mul(big.NewInt(amountUnits), big.NewInt(priceTicks))
	if !n.IsInt64() {
		return 0, fmt.Errorf("notional %s ticks exceeds int64: %w", n.String(), ErrInvalidArgument)
	}
	return n.Int64(), nil
}

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Trade records one fulfillment of a resting order.
type Trade struct {
	ID         string
	OrderID    OrderID
	Instrument InstrumentID
	Maker      common.Address // resting order owner
	Taker      common.Address // fulfilling counterparty
	Side       OrderSide      // side of the resting order
	Amount     int64
	PriceTicks int64
	FeeTicks   int64
	ExecutedAt time.Time
}

// Quote is a best-price snapshot for one instrument. A nil price means no
// open orders on that side.
type Quote struct {
	Instrument InstrumentID
	BestBuy    *int64 // highest open buy price, ticks
	BestSell   *int64 // lowest open sell price, ticks
	UpdatedAt  time.Time
}
