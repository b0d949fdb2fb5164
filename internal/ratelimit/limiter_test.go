package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"grimm.is/portgate/internal/clock"
)

func newTestLimiter(limit int) (*Limiter, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(limit, 10*time.Minute, clk), clk
}

func TestLimiter_LocksOutAfterLimit(t *testing.T) {
	l, _ := newTestLimiter(3)

	for i := 1; i <= 2; i++ {
		if l.Fail("192.0.2.1") {
			t.Errorf("failure %d should not lock out", i)
		}
		if !l.Allow("192.0.2.1") {
			t.Errorf("should still be allowed after %d failures", i)
		}
	}
	if !l.Fail("192.0.2.1") {
		t.Error("third failure should lock out")
	}
	if l.Allow("192.0.2.1") {
		t.Error("locked out key should be refused")
	}
	if !l.Allow("192.0.2.2") {
		t.Error("other keys are independent")
	}
}

func TestLimiter_WindowExpires(t *testing.T) {
	l, clk := newTestLimiter(2)
	l.Fail("192.0.2.1")
	clk.Advance(time.Minute)
	l.Fail("192.0.2.1")

	if got := l.RetryAfter("192.0.2.1"); got != 9*time.Minute {
		t.Errorf("RetryAfter = %v, want 9m", got)
	}

	clk.Advance(9 * time.Minute)
	if !l.Allow("192.0.2.1") {
		t.Error("lockout should end with the window")
	}
	if l.Len() != 0 {
		t.Errorf("expired key should be dropped, have %d", l.Len())
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(1)
	l.Fail("192.0.2.1")
	if l.Allow("192.0.2.1") {
		t.Fatal("expected lockout")
	}
	l.Reset("192.0.2.1")
	if !l.Allow("192.0.2.1") {
		t.Error("Reset should clear the lockout")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(0)
	for i := 0; i < 100; i++ {
		if l.Fail("192.0.2.1") {
			t.Fatal("disabled limiter never locks out")
		}
	}
	if !l.Allow("192.0.2.1") || l.Len() != 0 {
		t.Error("disabled limiter should track nothing")
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("x") {
		t.Error("nil limiter allows everything")
	}
}

func TestLimiter_PrunesExpiredKeys(t *testing.T) {
	l, clk := newTestLimiter(5)
	for i := 0; i < pruneThreshold; i++ {
		l.Fail(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	clk.Advance(11 * time.Minute)
	l.Fail("192.0.2.1")

	if l.Len() != 1 {
		t.Errorf("expected expired keys pruned, have %d", l.Len())
	}
}
