// Package traffic turns cumulative interface byte counters into throughput
// rates.
package traffic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/portgate/internal/clock"
	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/metrics"
)

// DefaultHistory is the number of rate points kept for the live feed.
const DefaultHistory = 60

// InterfaceCounters are the byte counters of one interface.
type InterfaceCounters struct {
	Name      string `json:"iface"`
	RxBytes   uint64 `json:"rx"`
	TxBytes   uint64 `json:"tx"`
	SpeedMbps uint32 `json:"speed_mbps,omitempty"`
}

// Counters is one read of all interfaces.
type Counters struct {
	RxBytes    uint64
	TxBytes    uint64
	Interfaces []InterfaceCounters
}

// CounterSource reads cumulative byte counters.
type CounterSource interface {
	Counters(ctx context.Context) (Counters, error)
}

// Sample is the counter reading a rate is derived from.
type Sample struct {
	RxBytes uint64    `json:"rx"`
	TxBytes uint64    `json:"tx"`
	At      time.Time `json:"at"`
}

// State is the persisted estimator state. Last is nil until the first
// sample has been taken.
type State struct {
	AccRx uint64  `json:"acc_rx"`
	AccTx uint64  `json:"acc_tx"`
	Last  *Sample `json:"last,omitempty"`
}

// SampleStore persists estimator state between runs.
type SampleStore interface {
	LoadTraffic(ctx context.Context) (State, error)
	SaveTraffic(ctx context.Context, s State) error
}

// Reading is the result of one rate query.
type Reading struct {
	CumulativeRx uint64              `json:"cumulative_rx"`
	CumulativeTx uint64              `json:"cumulative_tx"`
	AccRx        uint64              `json:"acc_rx"`
	AccTx        uint64              `json:"acc_tx"`
	RxRate       float64             `json:"rx_rate"`
	TxRate       float64             `json:"tx_rate"`
	Interfaces   []InterfaceCounters `json:"ifaces"`
	Timestamp    time.Time           `json:"ts"`
}

// Point is one entry of the rate history.
type Point struct {
	Timestamp time.Time `json:"ts"`
	RxRate    float64   `json:"rx_rate"`
	TxRate    float64   `json:"tx_rate"`
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(e *Estimator) { e.clock = c } }

// WithHistory sets the number of rate points retained.
func WithHistory(n int) Option { return func(e *Estimator) { e.history = NewRingBuffer[Point](n) } }

// WithStore persists state through s.
func WithStore(s SampleStore) Option { return func(e *Estimator) { e.store = s } }

// Estimator derives rates from successive counter samples.
type Estimator struct {
	source  CounterSource
	store   SampleStore
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	state   State
	loaded  bool
	history *RingBuffer[Point]
	latest  *Reading
}

// NewEstimator creates an estimator reading from source.
func NewEstimator(source CounterSource, logger *logging.Logger, opts ...Option) *Estimator {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Estimator{
		source:  source,
		clock:   clock.Real{},
		logger:  logger.WithComponent("traffic"),
		metrics: metrics.Get(),
		history: NewRingBuffer[Point](DefaultHistory),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sample reads the counters and derives rates against the previous sample.
// The first sample ever taken reports zero rates. A counter that went
// backwards (reset or interface removal) contributes a zero delta.
func (e *Estimator) Sample(ctx context.Context) (Reading, error) {
	cur, err := e.source.Counters(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("read counters: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.load(ctx)

	now := e.clock.Now()
	r := Reading{
		CumulativeRx: cur.RxBytes,
		CumulativeTx: cur.TxBytes,
		Interfaces:   cur.Interfaces,
		Timestamp:    now,
	}

	if last := e.state.Last; last != nil {
		secs := max(now.Sub(last.At), time.Millisecond).Seconds()
		drx := delta(cur.RxBytes, last.RxBytes)
		dtx := delta(cur.TxBytes, last.TxBytes)
		r.RxRate = float64(drx) / secs
		r.TxRate = float64(dtx) / secs
		e.state.AccRx += drx
		e.state.AccTx += dtx
	}
	e.state.Last = &Sample{RxBytes: cur.RxBytes, TxBytes: cur.TxBytes, At: now}
	r.AccRx, r.AccTx = e.state.AccRx, e.state.AccTx

	e.history.Add(Point{Timestamp: now, RxRate: r.RxRate, TxRate: r.TxRate})
	e.latest = &r

	e.metrics.TrafficRate.WithLabelValues("rx").Set(r.RxRate)
	e.metrics.TrafficRate.WithLabelValues("tx").Set(r.TxRate)
	e.metrics.TrafficBytes.WithLabelValues("rx").Set(float64(r.AccRx))
	e.metrics.TrafficBytes.WithLabelValues("tx").Set(float64(r.AccTx))

	if e.store != nil {
		if err := e.store.SaveTraffic(ctx, e.state); err != nil {
			e.logger.Warn("failed to persist traffic sample", "error", err)
		}
	}
	return r, nil
}

func (e *Estimator) load(ctx context.Context) {
	if e.loaded {
		return
	}
	e.loaded = true
	if e.store == nil {
		return
	}
	st, err := e.store.LoadTraffic(ctx)
	if err != nil {
		e.logger.Warn("failed to load traffic state, starting fresh", "error", err)
		return
	}
	e.state = st
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// Latest returns the most recent reading, if any.
func (e *Estimator) Latest() (Reading, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return Reading{}, false
	}
	return *e.latest, true
}

// History returns the retained rate points, oldest first.
func (e *Estimator) History() []Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Snapshot()
}
