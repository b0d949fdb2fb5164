// Package access holds the declarative access model: the source-address
// whitelist, port-forward mappings and the panel port.
//
// Model is not safe for concurrent use; the panel service serializes access.
package access

import (
	"fmt"
	"slices"
	"sort"
)

const (
	DefaultWhitelistCapacity = 1000
	DefaultPanelPort         = 48080
)

// ForwardRule maps a local TCP port to a destination address and port.
type ForwardRule struct {
	SrcPort int    `json:"src_port" yaml:"src_port"`
	DstIP   string `json:"dst_ip" yaml:"dst_ip"`
	DstPort int    `json:"dst_port" yaml:"dst_port"`
}

// Normalize validates the rule and canonicalizes its destination address.
func (r ForwardRule) Normalize() (ForwardRule, error) {
	if err := ValidatePort(r.SrcPort); err != nil {
		return r, fmt.Errorf("src_port: %w", err)
	}
	if err := ValidatePort(r.DstPort); err != nil {
		return r, fmt.Errorf("dst_port: %w", err)
	}
	ip, err := NormalizeIP(r.DstIP)
	if err != nil {
		return r, fmt.Errorf("dst_ip: %w", err)
	}
	r.DstIP = ip
	return r, nil
}

// Snapshot is an immutable copy of the model, used for reconciliation and
// persistence.
type Snapshot struct {
	Whitelist []string      `json:"whitelist" yaml:"whitelist"`
	Forwards  []ForwardRule `json:"forwards" yaml:"forwards"`
	PanelPort int           `json:"panel_port" yaml:"panel_port"`
}

// Model is the in-memory access state.
type Model struct {
	capacity  int
	whitelist []string
	forwards  map[int]ForwardRule
	panelPort int
}

// NewModel creates an empty model. Non-positive arguments select defaults.
func NewModel(capacity, panelPort int) *Model {
	if capacity <= 0 {
		capacity = DefaultWhitelistCapacity
	}
	if panelPort <= 0 {
		panelPort = DefaultPanelPort
	}
	return &Model{
		capacity:  capacity,
		forwards:  make(map[int]ForwardRule),
		panelPort: panelPort,
	}
}

// Capacity returns the whitelist bound.
func (m *Model) Capacity() int { return m.capacity }

// AddWhitelist appends ip if absent, evicting the oldest entries once the
// capacity is exceeded. Re-adding an existing address is a no-op and does not
// change its eviction order.
func (m *Model) AddWhitelist(ip string) (added bool, evicted []string, err error) {
	ip, err = NormalizeIP(ip)
	if err != nil {
		return false, nil, err
	}
	if slices.Contains(m.whitelist, ip) {
		return false, nil, nil
	}
	m.whitelist = append(m.whitelist, ip)
	if over := len(m.whitelist) - m.capacity; over > 0 {
		evicted = slices.Clone(m.whitelist[:over])
		m.whitelist = slices.Delete(m.whitelist, 0, over)
	}
	return true, evicted, nil
}

// RemoveWhitelist deletes ip and reports whether it was present.
func (m *Model) RemoveWhitelist(ip string) (bool, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}
	i := slices.Index(m.whitelist, ip)
	if i < 0 {
		return false, nil
	}
	m.whitelist = slices.Delete(m.whitelist, i, i+1)
	return true, nil
}

// Whitelisted reports whether ip is in the whitelist.
func (m *Model) Whitelisted(ip string) bool {
	ip, err := NormalizeIP(ip)
	return err == nil && slices.Contains(m.whitelist, ip)
}

// Whitelist returns the entries oldest first.
func (m *Model) Whitelist() []string {
	return slices.Clone(m.whitelist)
}

// AddForward inserts or replaces the rule keyed by its source port.
func (m *Model) AddForward(r ForwardRule) (ForwardRule, error) {
	r, err := r.Normalize()
	if err != nil {
		return r, err
	}
	m.forwards[r.SrcPort] = r
	return r, nil
}

// RemoveForward deletes the rule for srcPort and reports whether it existed.
func (m *Model) RemoveForward(srcPort int) (bool, error) {
	if err := ValidatePort(srcPort); err != nil {
		return false, err
	}
	if _, ok := m.forwards[srcPort]; !ok {
		return false, nil
	}
	delete(m.forwards, srcPort)
	return true, nil
}

// Forwards returns all rules in ascending source-port order.
func (m *Model) Forwards() []ForwardRule {
	out := make([]ForwardRule, 0, len(m.forwards))
	for _, r := range m.forwards {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SrcPort < out[j].SrcPort })
	return out
}

// PanelPort returns the port the panel must stay reachable on.
func (m *Model) PanelPort() int { return m.panelPort }

// SetPanelPort changes the panel port.
func (m *Model) SetPanelPort(p int) error {
	if err := ValidatePort(p); err != nil {
		return err
	}
	m.panelPort = p
	return nil
}

// Snapshot copies the current state.
func (m *Model) Snapshot() Snapshot {
	return Snapshot{
		Whitelist: m.Whitelist(),
		Forwards:  m.Forwards(),
		PanelPort: m.panelPort,
	}
}

// Restore replaces the state with s. Invalid entries are skipped and the
// whitelist is trimmed to capacity, keeping the newest entries.
func (m *Model) Restore(s Snapshot) (skipped int) {
	m.whitelist = nil
	m.forwards = make(map[int]ForwardRule)
	for _, ip := range s.Whitelist {
		if _, _, err := m.AddWhitelist(ip); err != nil {
			skipped++
		}
	}
	for _, r := range s.Forwards {
		if _, err := m.AddForward(r); err != nil {
			skipped++
		}
	}
	if ValidatePort(s.PanelPort) == nil {
		m.panelPort = s.PanelPort
	}
	return skipped
}
