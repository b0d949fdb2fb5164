package clock

import (
	"testing"
	"time"
)

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := Real{}.Now()
	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("Real.Now() = %v outside call window", got)
	}
}

func TestFake_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(1500 * time.Millisecond)
	if got := f.Now().Sub(start); got != 1500*time.Millisecond {
		t.Errorf("after Advance elapsed = %v", got)
	}

	f.Set(start)
	if !f.Now().Equal(start) {
		t.Errorf("after Set Now() = %v", f.Now())
	}
}
