// Package ratelimit locks out clients after repeated authentication
// failures.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/portgate/internal/clock"
)

// pruneThreshold is the number of tracked keys above which Fail drops
// expired entries.
const pruneThreshold = 1024

// Limiter counts failures per key inside a fixed window. A key that reaches
// the limit is refused until its window ends.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu   sync.Mutex
	keys map[string]*bucket
}

type bucket struct {
	failures int
	start    time.Time
}

// New creates a limiter allowing limit failures per window. A limit of zero
// or less disables it.
func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		limit:  limit,
		window: window,
		clock:  clk,
		keys:   make(map[string]*bucket),
	}
}

func (l *Limiter) enabled() bool {
	return l != nil && l.limit > 0
}

// live returns the bucket of key if its window is still open.
// Callers must hold l.mu.
func (l *Limiter) live(key string, now time.Time) *bucket {
	b, ok := l.keys[key]
	if !ok {
		return nil
	}
	if now.Sub(b.start) >= l.window {
		delete(l.keys, key)
		return nil
	}
	return b
}

// Allow reports whether key may attempt to authenticate.
func (l *Limiter) Allow(key string) bool {
	return l.RetryAfter(key) == 0
}

// RetryAfter returns how long key stays locked out, or zero.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	b := l.live(key, now)
	if b == nil || b.failures < l.limit {
		return 0
	}
	return b.start.Add(l.window).Sub(now)
}

// Fail records a failure for key and reports whether key is now locked out.
func (l *Limiter) Fail(key string) bool {
	if !l.enabled() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	b := l.live(key, now)
	if b == nil {
		if len(l.keys) >= pruneThreshold {
			l.prune(now)
		}
		b = &bucket{start: now}
		l.keys[key] = b
	}
	b.failures++
	return b.failures >= l.limit
}

// Reset forgets the failures of key.
func (l *Limiter) Reset(key string) {
	if !l.enabled() {
		return
	}
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Limiter) prune(now time.Time) {
	for key, b := range l.keys {
		if now.Sub(b.start) >= l.window {
			delete(l.keys, key)
		}
	}
}
