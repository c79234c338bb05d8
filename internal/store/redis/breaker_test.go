package redis

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := b.do(func() error { return errFail }); err != errFail {
			t.Fatalf("call %d: expected errFail, got %v", i, err)
		}
	}

	if err := b.do(func() error { return nil }); err != errBreakerOpen {
		t.Fatalf("expected errBreakerOpen, got %v", err)
	}
}

func TestBreaker_ProbeClosesAfterCooldown(t *testing.T) {
	b := newBreaker(2, 30*time.Millisecond)
	b.do(func() error { return errFail })
	b.do(func() error { return errFail })

	time.Sleep(40 * time.Millisecond)

	if err := b.do(func() error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if err := b.do(func() error { return nil }); err != nil {
		t.Fatalf("breaker should be closed: %v", err)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := newBreaker(2, 30*time.Millisecond)
	b.do(func() error { return errFail })
	b.do(func() error { return errFail })

	time.Sleep(40 * time.Millisecond)
	b.do(func() error { return errFail })

	if err := b.do(func() error { return nil }); err != errBreakerOpen {
		t.Fatalf("expected reopened breaker, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, 100*time.Millisecond)
	b.do(func() error { return errFail })
	b.do(func() error { return errFail })
	b.do(func() error { return nil })
	b.do(func() error { return errFail })
	b.do(func() error { return errFail })

	if err := b.do(func() error { return nil }); err != nil {
		t.Fatalf("breaker should still be closed: %v", err)
	}
}
