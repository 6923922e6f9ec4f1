package cache

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

// ErrBreakerOpen is reported when durable tier calls are being skipped.
var ErrBreakerOpen = errors.New("durable tier circuit breaker is open")

// BreakerState is the state of the durable tier circuit breaker.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	case BreakerOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker stops calls to a failing durable tier for a cooldown, then lets a
// single probe through. A maxFailures of zero disables it.
type breaker struct {
	maxFailures int32
	cooldown    time.Duration
	clock       clockwork.Clock

	state    int32
	failures int32
	openedAt int64
}

func newBreaker(maxFailures int, cooldown time.Duration, clock clockwork.Clock) *breaker {
	return &breaker{
		maxFailures: int32(maxFailures),
		cooldown:    cooldown,
		clock:       clock,
	}
}

func (b *breaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&b.state))
}

// allow reports whether a durable call may proceed.
func (b *breaker) allow() bool {
	if b.maxFailures <= 0 {
		return true
	}
	switch b.State() {
	case BreakerClosed:
		return true
	case BreakerOpen:
		opened := time.Unix(0, atomic.LoadInt64(&b.openedAt))
		if b.clock.Since(opened) < b.cooldown {
			return false
		}
		// only one caller wins the probe
		return atomic.CompareAndSwapInt32(&b.state, int32(BreakerOpen), int32(BreakerHalfOpen))
	default:
		return false
	}
}

func (b *breaker) success() {
	if b.maxFailures <= 0 {
		return
	}
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.state, int32(BreakerClosed))
}

// failure records a failed call and reports whether the breaker opened.
func (b *breaker) failure() bool {
	if b.maxFailures <= 0 {
		return false
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if b.State() == BreakerHalfOpen || failures >= b.maxFailures {
		atomic.StoreInt64(&b.openedAt, b.clock.Now().UnixNano())
		return atomic.SwapInt32(&b.state, int32(BreakerOpen)) != int32(BreakerOpen)
	}
	return false
}
