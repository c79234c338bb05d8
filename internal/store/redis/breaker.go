package redis

import (
	"errors"
	"sync"
	"time"
)

// errBreakerOpen is returned while the breaker rejects calls.
var errBreakerOpen = errors.New("redis breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker trips after maxFailures consecutive errors and rejects calls
// for resetAfter. The first call after the cooldown runs as a probe:
// success closes the breaker, failure reopens it.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	maxFailures int
	resetAfter  time.Duration
	lastFailure time.Time
}

func newBreaker(maxFailures int, resetAfter time.Duration) *breaker {
	return &breaker{maxFailures: maxFailures, resetAfter: resetAfter}
}

func (b *breaker) do(fn func() error) error {
	b.mu.Lock()
	if b.state == breakerOpen {
		if time.Since(b.lastFailure) <= b.resetAfter {
			b.mu.Unlock()
			return errBreakerOpen
		}
		b.state = breakerHalfOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == breakerHalfOpen || b.failures >= b.maxFailures {
			b.state = breakerOpen
		}
		return err
	}
	b.state = breakerClosed
	b.failures = 0
	return nil
}
