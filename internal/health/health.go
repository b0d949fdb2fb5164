// Package health aggregates component checks into a single report.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"

	"grimm.is/portgate/internal/clock"
)

// Status is the state of one component or of the whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of one component check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report is the aggregate of every registered check. Its status is the
// worst status of its checks.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc inspects one component.
type CheckFunc func(ctx context.Context) Check

// severity orders statuses from best to worst.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Checker runs registered checks concurrently and caches the report for a
// short time, so a polling dashboard does not shell out on every request.
type Checker struct {
	clock clock.Clock
	ttl   time.Duration

	mu     sync.Mutex
	checks map[string]CheckFunc
	last   *Report
}

// NewChecker creates a checker with no checks registered.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Checker{
		clock:  clk,
		ttl:    5 * time.Second,
		checks: make(map[string]CheckFunc),
	}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.last = nil
	c.mu.Unlock()
}

// Check returns the cached report, or runs every check when the cache has
// expired.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	if c.last != nil && c.clock.Now().Sub(c.last.Timestamp) < c.ttl {
		report := *c.last
		c.mu.Unlock()
		return report
	}
	fns := maps.Clone(c.checks)
	c.mu.Unlock()

	results := make(chan Check, len(fns))
	var wg sync.WaitGroup
	for name, fn := range fns {
		wg.Go(func() {
			start := c.clock.Now()
			check := fn(ctx)
			check.Name = name
			check.LastChecked = start
			check.Duration = c.clock.Now().Sub(start)
			results <- check
		})
	}
	wg.Wait()
	close(results)

	report := Report{Status: StatusHealthy, Checks: make(map[string]Check, len(fns))}
	for check := range results {
		report.Checks[check.Name] = check
		if check.Status.severity() > report.Status.severity() {
			report.Status = check.Status
		}
	}
	report.Timestamp = c.clock.Now()

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	return report
}

// Handler serves the report as JSON. Only an unhealthy report answers 503;
// a degraded panel still serves.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	}
}

// Probe turns an error-returning probe into a check: any error makes the
// component unhealthy.
func Probe(fn func(ctx context.Context) error, okMessage string) CheckFunc {
	return func(ctx context.Context) Check {
		if err := fn(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Status: StatusHealthy, Message: okMessage}
	}
}

// Freshness reports degraded when the time returned by last is missing or
// older than maxAge.
func Freshness(last func() (time.Time, bool), maxAge time.Duration, clk clock.Clock) CheckFunc {
	if clk == nil {
		clk = clock.Real{}
	}
	return func(ctx context.Context) Check {
		at, ok := last()
		if !ok {
			return Check{Status: StatusDegraded, Message: "no sample yet"}
		}
		if age := clk.Now().Sub(at); age > maxAge {
			return Check{Status: StatusDegraded, Message: "last sample " + age.Round(time.Second).String() + " ago"}
		}
		return Check{Status: StatusHealthy, Message: "sampled at " + at.Format(time.RFC3339)}
	}
}
