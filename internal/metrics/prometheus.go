// Package metrics exposes portgate's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all portgate metrics.
type Registry struct {
	// Reconciler
	RuleOps           *prometheus.CounterVec
	ReconcileTotal    prometheus.Counter
	ReconcileDuration prometheus.Histogram

	// Access model
	WhitelistEntries prometheus.Gauge
	ForwardRules     prometheus.Gauge

	// Scanner
	Probes *prometheus.CounterVec

	// Traffic
	TrafficRate  *prometheus.GaugeVec
	TrafficBytes *prometheus.GaugeVec

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.RuleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portgate_rule_ops_total",
		Help: "Firewall and NAT rule operations by tool, operation and result",
	}, []string{"tool", "op", "result"})

	r.ReconcileTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portgate_reconcile_total",
		Help: "Completed reconcile passes",
	})

	r.ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portgate_reconcile_duration_seconds",
		Help:    "Duration of reconcile passes",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	r.WhitelistEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portgate_whitelist_entries",
		Help: "Addresses currently whitelisted",
	})

	r.ForwardRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portgate_forward_rules",
		Help: "Configured port-forward rules",
	})

	r.Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portgate_probes_total",
		Help: "Scanner probes by mode and outcome",
	}, []string{"mode", "outcome"})

	r.TrafficRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portgate_traffic_rate_bytes",
		Help: "Most recent throughput in bytes per second",
	}, []string{"direction"})

	r.TrafficBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portgate_traffic_bytes_total",
		Help: "Accumulated bytes observed since the first sample",
	}, []string{"direction"})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portgate_api_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "code"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portgate_api_latency_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	return r
}

// RuleOp counts one rule operation.
func (r *Registry) RuleOp(tool, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.RuleOps.WithLabelValues(tool, op, result).Inc()
}
