package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// InstrumentID identifies an issued bond instrument. IDs are allocated
// sequentially by the ledger registry and never reused.
type InstrumentID uint64

// LifecycleState is the principal lifecycle of a bond instrument.
type LifecycleState string

const (
	LifecycleActive  LifecycleState = "active"
	LifecycleMatured LifecycleState = "matured"
	LifecycleClosed  LifecycleState = "closed"
)

// BondTerms are the immutable terms fixed at issuance.
//
// FaceValueTicks is the redemption value of one unit in currency ticks
// (1e6 ticks = 1 currency unit). CouponRateBps is the coupon rate in basis
// points of face value. CouponFrequency is the interval between scheduled
// coupon dates.
type BondTerms struct {
	Name            string
	Symbol          string
	FaceValueTicks  int64
	CouponRateBps   int64
	CouponFrequency time.Duration
	MaturityDate    time.Time
	TotalSupply     int64
}

// Instrument is the externally visible summary of an issued bond.
type Instrument struct {
	ID       InstrumentID
	Issuer   common.Address
	Terms    BondTerms
	State    LifecycleState
	IssuedAt time.Time
}
