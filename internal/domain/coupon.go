package domain

import (
	"time"
)

// CouponDateLayout is the canonical form of a coupon date. Dates are whole
// days in UTC; anything that does not parse in this layout is rejected as an
// invalid argument.
const CouponDateLayout = "2006-01-02"

// ParseCouponDate parses a YYYY-MM-DD coupon date.
func ParseCouponDate(s string) (time.Time, error) {
	return time.ParseInLocation(CouponDateLayout, s, time.UTC)
}

// FormatCouponDate renders a coupon date in canonical form.
func FormatCouponDate(t time.Time) string {
	return t.UTC().Format(CouponDateLayout)
}

// CouponBatch is one scheduled distribution for an (instrument, date) pair.
//
// TotalTicks is snapshotted from supply and terms at scheduling time and
// never changes afterwards. PaidTicks is monotonically non-decreasing.
// Once Completed, no further payments for this date are accepted.
type CouponBatch struct {
	Instrument  InstrumentID
	Date        string // canonical YYYY-MM-DD
	TotalTicks  int64
	PaidTicks   int64
	Completed   bool
	ScheduledAt time.Time
	CompletedAt *time.Time
}

// Outstanding returns the unpaid remainder the scheduler must still be able
// to cover for this batch. Completed batches carry no outstanding obligation.
func (b CouponBatch) Outstanding() int64 {
	if b.Completed {
		return 0
	}
	return b.TotalTicks - b.PaidTicks
}
