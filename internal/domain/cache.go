package domain

import (
	"context"
	"time"
)

// StreamMessage is a single entry read from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes structured events to live observers and appends them
// to a durable stream for catch-up readers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// QuoteCache holds best bid/ask snapshots per instrument so read-heavy
// observers do not hit the marketplace's full-scan queries.
type QuoteCache interface {
	Set(ctx context.Context, q Quote) error
	Get(ctx context.Context, id InstrumentID) (Quote, error)
}

// RateLimiter bounds request rates per key across instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed mutual exclusion for background workers
// (e.g. the coupon distributor must not run on two instances at once).
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld when the
	// lock is already taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
