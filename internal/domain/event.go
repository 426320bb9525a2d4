package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event types emitted by mutating operations. These records are the durable
// audit trail and the only surface off-chain indexers consume.
const (
	EventBondIssued       = "bond.issued"
	EventBondMatured      = "bond.matured"
	EventBondClosed       = "bond.closed"
	EventUnitsTransferred = "units.transferred"
	EventApprovalSet      = "approval.set"
	EventExcessWithdrawn  = "funds.excess_withdrawn"
	EventOrderCreated     = "order.created"
	EventOrderCancelled   = "order.cancelled"
	EventOrderFulfilled   = "order.fulfilled"
	EventFeeConfigured    = "market.fee_configured"
	EventMarketRegistered = "market.bond_registered"
	EventCouponRegistered = "coupon.bond_registered"
	EventCouponScheduled  = "coupon.scheduled"
	EventCouponPaid       = "coupon.paid"
	EventCouponCompleted  = "coupon.completed"
	EventFundsDeposited   = "funds.deposited"
)

// Event is the structured record of one mutating operation.
type Event struct {
	ID         string
	Seq        int64 // assigned by the event store, commit order
	Type       string
	Actor      common.Address
	Instrument InstrumentID
	Detail     map[string]any
	At         time.Time
}
