// Package panel owns the access model and is the single writer of firewall
// state. Every mutation is validated, applied to the model, persisted and
// then followed by a full reconcile pass, all under one mutex.
package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/firewall"
	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/metrics"
	"grimm.is/portgate/internal/scanner"
	"grimm.is/portgate/internal/traffic"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotPersisted = errors.New("state not saved")
	ErrUnavailable  = errors.New("not available")
)

// Store persists the access model.
type Store interface {
	LoadModel(ctx context.Context) (access.Snapshot, bool, error)
	SaveModel(ctx context.Context, snap access.Snapshot) error
}

// Firewall applies a model to the packet filter. *firewall.Reconciler
// implements it.
type Firewall interface {
	Reconcile(ctx context.Context, snap access.Snapshot) firewall.Result
	Strictify(ctx context.Context, panelPort int) firewall.Result
	NarrowPort(ctx context.Context, port int, whitelist []string, panelPort int) firewall.Result
	Rules(ctx context.Context) ([]string, error)
	Plan(snap access.Snapshot) []string
	Live(ctx context.Context) ([]string, error)
}

// Scanner runs diagnostics scans.
type Scanner interface {
	Scan(ctx context.Context, req scanner.Request) (*scanner.ScanResult, error)
	LastResult() *scanner.ScanResult
}

// Traffic estimates throughput.
type Traffic interface {
	Sample(ctx context.Context) (traffic.Reading, error)
	Latest() (traffic.Reading, bool)
	History() []traffic.Point
}

// Config holds the model bounds used when nothing was persisted yet.
type Config struct {
	WhitelistCapacity int
	PanelPort         int
}

// Option customizes a Service.
type Option func(*Service)

func WithScanner(sc Scanner) Option  { return func(s *Service) { s.scanner = sc } }
func WithTraffic(t Traffic) Option   { return func(s *Service) { s.traffic = t } }
func WithSockets(i Sockets) Option   { return func(s *Service) { s.sockets = i } }
func WithDoH(c DoHChecker) Option    { return func(s *Service) { s.doh = c } }
func WithAuditLog(a AuditLog) Option { return func(s *Service) { s.audit = a } }

// WithPanelPortHook registers fn to run, without the service lock held,
// whenever the panel port changes through SetPanelPort or Load.
func WithPanelPortHook(fn func(port int)) Option { return func(s *Service) { s.onPortChange = fn } }

// Service is the panel's control surface.
type Service struct {
	mu      sync.Mutex
	model   *access.Model
	store   Store
	fw      Firewall
	scanner Scanner
	traffic Traffic
	sockets Sockets
	doh     DoHChecker
	audit   AuditLog
	logger  *logging.Logger
	metrics *metrics.Registry

	onPortChange func(port int)
}

// New creates a service with an empty model. Call Load to restore state.
func New(cfg Config, store Store, fw Firewall, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		model:   access.NewModel(cfg.WhitelistCapacity, cfg.PanelPort),
		store:   store,
		fw:      fw,
		logger:  logger.WithComponent("panel"),
		metrics: metrics.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.updateGauges()
	return s
}

// Load restores the persisted model. The persisted panel port takes
// precedence over the configured one.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	before := s.model.PanelPort()
	err := s.load(ctx)
	after := s.model.PanelPort()
	s.restoreLogLimit(ctx)
	s.mu.Unlock()

	if after != before {
		s.portChanged(after)
	}
	return err
}

func (s *Service) load(ctx context.Context) error {
	snap, ok, err := s.store.LoadModel(ctx)
	if err != nil {
		return fmt.Errorf("load access model: %w", err)
	}
	if !ok {
		s.logger.Debug("no saved state, starting empty", "panel_port", s.model.PanelPort())
		return nil
	}
	if skipped := s.model.Restore(snap); skipped > 0 {
		s.logger.Warn("skipped invalid saved entries", "count", skipped)
	}
	s.updateGauges()
	s.logger.Debug("state restored",
		"whitelist", len(snap.Whitelist),
		"forwards", len(snap.Forwards),
		"panel_port", s.model.PanelPort())
	return nil
}

func (s *Service) portChanged(port int) {
	if s.onPortChange != nil {
		s.onPortChange(port)
	}
}

// mutate runs fn against the model and, if it succeeds, persists and
// reconciles. A persistence failure is returned after the reconcile pass.
// Callers must hold s.mu.
func (s *Service) mutate(ctx context.Context, action, resource string, fn func(m *access.Model) error) (firewall.Result, error) {
	if err := fn(s.model); err != nil {
		return firewall.Result{}, err
	}
	snap := s.model.Snapshot()
	saveErr := s.store.SaveModel(ctx, snap)
	if saveErr != nil {
		s.logger.Error("failed to save state", "action", action, "error", saveErr)
	}
	res := s.fw.Reconcile(ctx, snap)
	s.updateGauges()

	s.logger.Audit(action, resource, map[string]any{
		"applied": res.Applied,
		"removed": res.Removed,
		"errors":  len(res.Errors),
	})
	if saveErr != nil {
		return res, fmt.Errorf("%w: %w", ErrNotPersisted, saveErr)
	}
	return res, nil
}

func (s *Service) updateGauges() {
	s.metrics.WhitelistEntries.Set(float64(len(s.model.Whitelist())))
	s.metrics.ForwardRules.Set(float64(len(s.model.Forwards())))
}

// Reconcile runs a pass against the current model.
func (s *Service) Reconcile(ctx context.Context) firewall.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fw.Reconcile(ctx, s.model.Snapshot())
}

// AddWhitelist whitelists ip. Re-adding an existing address still runs a
// reconcile pass, which repairs a missing rule.
func (s *Service) AddWhitelist(ctx context.Context, ip string) (firewall.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addWhitelist(ctx, ip)
}

func (s *Service) addWhitelist(ctx context.Context, ip string) (firewall.Result, error) {
	return s.mutate(ctx, "whitelist.add", ip, func(m *access.Model) error {
		_, evicted, err := m.AddWhitelist(ip)
		if len(evicted) > 0 {
			s.logger.Debug("whitelist full, evicted oldest", "evicted", evicted)
		}
		return err
	})
}

// EnsureWhitelisted adds ip unless it is already present. It reports
// whether the model changed.
func (s *Service) EnsureWhitelisted(ctx context.Context, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model.Whitelisted(ip) {
		return false, nil
	}
	_, err := s.addWhitelist(ctx, ip)
	if err != nil && !errors.Is(err, ErrNotPersisted) {
		return false, err
	}
	return true, err
}

// RemoveWhitelist removes ip, returning ErrNotFound when it is absent.
func (s *Service) RemoveWhitelist(ctx context.Context, ip string) (firewall.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, "whitelist.remove", ip, func(m *access.Model) error {
		ok, err := m.RemoveWhitelist(ip)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("whitelist entry %s: %w", ip, ErrNotFound)
		}
		return nil
	})
}

// AddForward inserts or replaces the forward for rule.SrcPort.
func (s *Service) AddForward(ctx context.Context, rule access.ForwardRule) (firewall.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource := fmt.Sprintf("%d->%s:%d", rule.SrcPort, rule.DstIP, rule.DstPort)
	return s.mutate(ctx, "forward.add", resource, func(m *access.Model) error {
		_, err := m.AddForward(rule)
		return err
	})
}

// RemoveForward deletes the forward on srcPort, returning ErrNotFound when
// none exists.
func (s *Service) RemoveForward(ctx context.Context, srcPort int) (firewall.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(ctx, "forward.remove", fmt.Sprint(srcPort), func(m *access.Model) error {
		ok, err := m.RemoveForward(srcPort)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("forward on port %d: %w", srcPort, ErrNotFound)
		}
		return nil
	})
}

// SetPanelPort moves the panel to port. The rule for the new port is
// asserted before the old one is removed.
func (s *Service) SetPanelPort(ctx context.Context, port int) (firewall.Result, error) {
	s.mu.Lock()
	before := s.model.PanelPort()
	res, err := s.mutate(ctx, "panel.port", fmt.Sprint(port), func(m *access.Model) error {
		return m.SetPanelPort(port)
	})
	after := s.model.PanelPort()
	s.mu.Unlock()

	if after != before {
		s.portChanged(after)
	}
	return res, err
}

// NarrowPortToWhitelist restricts port to whitelisted sources.
func (s *Service) NarrowPortToWhitelist(ctx context.Context, port int) (firewall.Result, error) {
	if err := access.ValidatePort(port); err != nil {
		return firewall.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.fw.NarrowPort(ctx, port, s.model.Whitelist(), s.model.PanelPort())
	s.logger.Audit("port.narrow", fmt.Sprint(port), map[string]any{
		"applied": res.Applied,
		"removed": res.Removed,
		"errors":  len(res.Errors),
	})
	return res, nil
}

// Strictify removes every unowned allow-from-anywhere rule except the
// panel's.
func (s *Service) Strictify(ctx context.Context) firewall.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.fw.Strictify(ctx, s.model.PanelPort())
	s.logger.Audit("firewall.strictify", "ufw", map[string]any{
		"removed": res.Removed,
		"errors":  len(res.Errors),
	})
	return res
}

// Whitelist returns the whitelist oldest first.
func (s *Service) Whitelist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Whitelist()
}

// Forwards returns the forwards in source-port order.
func (s *Service) Forwards() []access.ForwardRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Forwards()
}

func (s *Service) PanelPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.PanelPort()
}

// Snapshot copies the model.
func (s *Service) Snapshot() access.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Snapshot()
}

// Rules returns the raw ufw listing.
func (s *Service) Rules(ctx context.Context) ([]string, error) {
	return s.fw.Rules(ctx)
}

// Plan returns the owned rules the current model should produce.
func (s *Service) Plan() []string {
	return s.fw.Plan(s.Snapshot())
}

// Diff returns a unified diff from the live owned rules to the planned
// ones. An empty string means the firewall matches the model.
func (s *Service) Diff(ctx context.Context) (string, error) {
	live, err := s.fw.Live(ctx)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        lines(live),
		B:        lines(s.Plan()),
		FromFile: "live",
		ToFile:   "planned",
		Context:  2,
	})
}

func lines(in []string) []string {
	out := make([]string, len(in))
	for i, l := range in {
		out[i] = l + "\n"
	}
	return out
}

// Scan runs a diagnostics scan. It never touches the firewall.
func (s *Service) Scan(ctx context.Context, req scanner.Request) (*scanner.ScanResult, error) {
	if s.scanner == nil {
		return nil, fmt.Errorf("scanner: %w", ErrUnavailable)
	}
	return s.scanner.Scan(ctx, req)
}

// LastScan returns the most recent scan, or nil.
func (s *Service) LastScan() *scanner.ScanResult {
	if s.scanner == nil {
		return nil
	}
	return s.scanner.LastResult()
}

// SampleRate takes a traffic sample.
func (s *Service) SampleRate(ctx context.Context) (traffic.Reading, error) {
	if s.traffic == nil {
		return traffic.Reading{}, fmt.Errorf("traffic: %w", ErrUnavailable)
	}
	return s.traffic.Sample(ctx)
}

// LatestRate returns the last sample without reading counters.
func (s *Service) LatestRate() (traffic.Reading, bool) {
	if s.traffic == nil {
		return traffic.Reading{}, false
	}
	return s.traffic.Latest()
}

// RateHistory returns recent rate points oldest first.
func (s *Service) RateHistory() []traffic.Point {
	if s.traffic == nil {
		return nil
	}
	return s.traffic.History()
}
