// Package scanner runs ICMP, TCP and UDP reachability probes against remote
// hosts with bounded concurrency.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/metrics"
)

var (
	ErrNoHosts         = errors.New("no hosts")
	ErrUnsupportedMode = errors.New("mode not supported")
)

// Mode selects the probe protocol.
type Mode string

const (
	ModeICMP Mode = "icmp"
	ModeTCP  Mode = "tcp"
	ModeUDP  Mode = "udp"
)

// ParseMode normalizes a mode name. An empty name selects icmp.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeICMP, nil
	case ModeICMP, ModeTCP, ModeUDP:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
}

// Request describes one scan.
type Request struct {
	Hosts []string `json:"hosts"`
	Mode  string   `json:"mode"`
	// Ports is a comma separated list or "common". Ignored when PortList is set.
	Ports    string        `json:"ports,omitempty"`
	PortList []int         `json:"port_list,omitempty"`
	Timeout  time.Duration `json:"-"`
}

// ResolvePorts returns the normalized port list of the request.
func (r Request) ResolvePorts() []int {
	if r.PortList != nil {
		return NormalizePorts(r.PortList)
	}
	return ParsePorts(r.Ports)
}

// PingResult is the outcome of an ICMP probe of one host.
type PingResult struct {
	Host      string   `json:"host"`
	IP        string   `json:"ip"`
	Reachable bool     `json:"reachable"`
	AvgMs     *float64 `json:"avg_ms"`
	Error     string   `json:"error,omitempty"`
}

// PortResult is the outcome of one host/port probe.
type PortResult struct {
	Host      string  `json:"host"`
	IP        string  `json:"ip"`
	Port      int     `json:"port"`
	Outcome   Outcome `json:"outcome"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// ScanResult is a completed (or cancelled) scan.
type ScanResult struct {
	ID         string       `json:"id"`
	Mode       Mode         `json:"mode"`
	Hosts      []string     `json:"hosts"`
	Ports      []int        `json:"ports,omitempty"`
	Pings      []PingResult `json:"pings,omitempty"`
	Results    []PortResult `json:"results,omitempty"`
	Batches    int          `json:"batches"`
	TimeoutMs  float64      `json:"timeout_ms"` // effective per-probe timeout
	DurationMs int64        `json:"duration_ms"`
	StartedAt  time.Time    `json:"started_at"`
	Error      string       `json:"error,omitempty"`
}

// Config holds scanner configuration.
type Config struct {
	Timeout         time.Duration // Default per-probe timeout
	BatchSize       int           // Max port probes in flight
	ICMPConcurrency int           // Max hosts pinged at once
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         time.Second,
		BatchSize:       128,
		ICMPConcurrency: 8,
	}
}

// Option customizes a Scanner.
type Option func(*Scanner)

func WithPinger(p Pinger) Option     { return func(s *Scanner) { s.pinger = p } }
func WithResolver(r Resolver) Option { return func(s *Scanner) { s.resolver = r } }
func WithProber(p Prober) Option     { return func(s *Scanner) { s.prober = p } }

// Scanner executes scan requests.
type Scanner struct {
	logger   *logging.Logger
	cfg      Config
	pinger   Pinger
	resolver Resolver
	prober   Prober
	metrics  *metrics.Registry

	mu         sync.Mutex
	lastResult *ScanResult
}

// New creates a scanner. Zero config fields take their defaults.
func New(logger *logging.Logger, cfg Config, opts ...Option) *Scanner {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ICMPConcurrency <= 0 {
		cfg.ICMPConcurrency = def.ICMPConcurrency
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scanner{
		logger:   logger.WithComponent("scanner"),
		cfg:      cfg,
		pinger:   NewExecPinger(nil),
		resolver: SystemResolver{},
		prober:   NetProber{},
		metrics:  metrics.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastResult returns the most recent scan result.
func (s *Scanner) LastResult() *ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// Scan validates req and runs it. Validation failures return ErrNoHosts or
// ErrUnsupportedMode before any probe is sent. A cancelled context returns
// the results gathered so far together with the context error.
func (s *Scanner) Scan(ctx context.Context, req Request) (*ScanResult, error) {
	hosts := NormalizeHosts(req.Hosts)
	if len(hosts) == 0 {
		return nil, ErrNoHosts
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}

	start := time.Now()
	result := &ScanResult{
		ID:        uuid.NewString(),
		Mode:      mode,
		Hosts:     hosts,
		TimeoutMs: float64(timeout.Microseconds()) / 1000,
		StartedAt: start,
	}
	ips := s.resolveAll(ctx, hosts)

	switch mode {
	case ModeICMP:
		result.Pings = s.pingAll(ctx, hosts, ips, timeout)
	default:
		result.Ports = req.ResolvePorts()
		result.Results, result.Batches = s.probeAll(ctx, mode, hosts, ips, result.Ports, timeout)
	}
	result.DurationMs = time.Since(start).Milliseconds()

	err = ctx.Err()
	if err != nil {
		result.Error = err.Error()
	}
	s.logger.Info("scan complete",
		"id", result.ID,
		"mode", mode,
		"hosts", len(hosts),
		"ports", len(result.Ports),
		"batches", result.Batches,
		"duration_ms", result.DurationMs)

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
	return result, err
}

// resolveAll resolves every host once. Unresolvable hosts map to themselves.
func (s *Scanner) resolveAll(ctx context.Context, hosts []string) []string {
	ips := make([]string, len(hosts))
	var g errgroup.Group
	g.SetLimit(s.cfg.ICMPConcurrency)
	for i, h := range hosts {
		g.Go(func() error {
			ip, err := s.resolver.Resolve(ctx, h)
			if err != nil || ip == "" {
				s.logger.Debug("resolve failed", "host", h, "error", err)
				ip = h
			}
			ips[i] = ip
			return nil
		})
	}
	_ = g.Wait()
	return ips
}

func (s *Scanner) pingAll(ctx context.Context, hosts, ips []string, timeout time.Duration) []PingResult {
	results := make([]PingResult, len(hosts))
	var g errgroup.Group
	g.SetLimit(s.cfg.ICMPConcurrency)
	for i, h := range hosts {
		g.Go(func() error {
			res := PingResult{Host: h, IP: ips[i]}
			reachable, avg, err := s.pinger.Ping(ctx, h, timeout)
			res.Reachable, res.AvgMs = reachable, avg
			if err != nil {
				res.Error = err.Error()
			}
			outcome := "unreachable"
			if reachable {
				outcome = "reachable"
			}
			s.metrics.Probes.WithLabelValues(string(ModeICMP), outcome).Inc()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// probeAll probes the host x port cross product in batches. Each batch is
// fully awaited before the next starts; results keep host-major order.
func (s *Scanner) probeAll(ctx context.Context, mode Mode, hosts, ips []string, ports []int, timeout time.Duration) ([]PortResult, int) {
	total := len(hosts) * len(ports)
	results := make([]PortResult, total)
	batches := 0

	for start := 0; start < total; start += s.cfg.BatchSize {
		if ctx.Err() != nil {
			return results[:start], batches
		}
		end := min(start+s.cfg.BatchSize, total)

		var g errgroup.Group
		for idx := start; idx < end; idx++ {
			hi, pi := idx/len(ports), idx%len(ports)
			g.Go(func() error {
				results[idx] = s.probeOne(ctx, mode, hosts[hi], ips[hi], ports[pi], timeout)
				return nil
			})
		}
		_ = g.Wait()
		batches++
	}
	return results, batches
}

func (s *Scanner) probeOne(ctx context.Context, mode Mode, host, ip string, port int, timeout time.Duration) PortResult {
	res := PortResult{Host: host, IP: ip, Port: port}
	begin := time.Now()
	outcome, err := s.prober.Probe(ctx, mode, net.JoinHostPort(ip, strconv.Itoa(port)), timeout)
	res.LatencyMs = float64(time.Since(begin).Microseconds()) / 1000
	res.Outcome = outcome
	if err != nil {
		res.Error = err.Error()
	}
	s.metrics.Probes.WithLabelValues(string(mode), string(outcome)).Inc()
	return res
}
