// Package engine provides the execution discipline shared by the ledger,
// marketplace, and coupon scheduler: every state-mutating operation runs
// under one global commit lock, and a re-entrant call arriving while an
// operation is still unwinding (e.g. from a payout notifier) is rejected
// instead of deadlocking.
package engine

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bondfi/bondledger/internal/domain"
)

// Clock supplies the current time. Injected so lifecycle and scheduling
// rules are testable against fixed instants.
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time { return time.Now().UTC() }

// Guard serializes mutating operations across all components sharing it.
// Distinct goroutines queue on the commit lock; the goroutine currently
// holding it gets ErrReentrantCall on a nested Enter, which is how payout
// callbacks are prevented from observing or mutating mid-operation state.
type Guard struct {
	mu    sync.Mutex
	owner atomic.Uint64 // goroutine id of the current holder, 0 when free
}

// Enter acquires the commit lock and returns the release function. It fails
// with ErrReentrantCall when the calling goroutine already holds the lock.
func (g *Guard) Enter() (func(), error) {
	id := goroutineID()
	if g.owner.Load() == id {
		return nil, domain.ErrReentrantCall
	}
	g.mu.Lock()
	g.owner.Store(id)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.owner.Store(0)
		g.mu.Unlock()
	}, nil
}

// Held reports whether some operation currently holds the commit lock.
func (g *Guard) Held() bool {
	return g.owner.Load() != 0
}

// goroutineID extracts the numeric id from the first line of the stack
// trace ("goroutine N [...]"). There is no supported API for this; the
// format has been stable since Go 1.4 and is only used for same-goroutine
// reentrancy detection, never for identity across goroutines.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
