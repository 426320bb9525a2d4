package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore persists the append-only audit journal.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	List(ctx context.Context, opts ListOpts) ([]Event, error)
	ListByInstrument(ctx context.Context, id InstrumentID, opts ListOpts) ([]Event, error)
	ListBefore(ctx context.Context, before time.Time) ([]Event, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OrderStore mirrors marketplace orders for external indexers. The in-memory
// marketplace is authoritative; rows here are written after commit.
type OrderStore interface {
	Upsert(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id OrderID) (Order, error)
	ListByInstrument(ctx context.Context, id InstrumentID, opts ListOpts) ([]Order, error)
	ListBefore(ctx context.Context, before time.Time) ([]Order, error)
}

// TradeStore mirrors executed fulfillments.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	ListByInstrument(ctx context.Context, id InstrumentID, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
}
