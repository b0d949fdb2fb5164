package firewall

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

const natTable = "nat"

// NAT chains holding forward rules.
const (
	ChainPrerouting  = "PREROUTING"
	ChainPostrouting = "POSTROUTING"
)

// NATTable manipulates rules in one address family's nat table.
type NATTable interface {
	// List returns the chain in `iptables -S` form.
	List(chain string) ([]string, error)
	Append(chain string, spec ...string) error
	Delete(chain string, spec ...string) error
}

// IPTablesNAT implements NATTable with go-iptables.
type IPTablesNAT struct {
	ipt *iptables.IPTables
}

// NewIPTablesNAT opens the nat table for IPv4 or, when v6 is set, IPv6.
func NewIPTablesNAT(v6 bool) (*IPTablesNAT, error) {
	proto := iptables.ProtocolIPv4
	if v6 {
		proto = iptables.ProtocolIPv6
	}
	ipt, err := iptables.NewWithProtocol(proto)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return &IPTablesNAT{ipt: ipt}, nil
}

func (n *IPTablesNAT) List(chain string) ([]string, error) {
	return n.ipt.List(natTable, chain)
}

func (n *IPTablesNAT) Append(chain string, spec ...string) error {
	return n.ipt.Append(natTable, chain, spec...)
}

func (n *IPTablesNAT) Delete(chain string, spec ...string) error {
	return n.ipt.Delete(natTable, chain, spec...)
}

// DeleteSpec converts an `-A CHAIN ...` listing line into the chain and rule
// spec needed to delete it. Policy lines and malformed input return ok=false.
func DeleteSpec(line string) (chain string, spec []string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "-A" {
		return "", nil, false
	}
	spec = make([]string, 0, len(fields)-2)
	for _, f := range fields[2:] {
		spec = append(spec, strings.Trim(f, `"`))
	}
	return fields[1], spec, true
}

func preroutingSpec(srcPort int, dest string) []string {
	return []string{
		"-p", "tcp", "--dport", fmt.Sprint(srcPort),
		"-m", "comment", "--comment", MarkerForward,
		"-j", "DNAT", "--to-destination", dest,
	}
}

func postroutingSpec(dstIP string, dstPort int) []string {
	return []string{
		"-p", "tcp", "-d", dstIP, "--dport", fmt.Sprint(dstPort),
		"-m", "comment", "--comment", MarkerForward,
		"-j", "MASQUERADE",
	}
}

// natDescription renders a nat rule spec in a form that is stable between
// what we append and what iptables lists back.
func natDescription(family, chain string, spec []string) string {
	var proto, dport, dst, target, to string
	for i := 0; i < len(spec)-1; i++ {
		switch spec[i] {
		case "-p":
			proto = spec[i+1]
		case "--dport":
			dport = spec[i+1]
		case "-d":
			dst = strings.TrimSuffix(strings.TrimSuffix(spec[i+1], "/32"), "/128")
		case "-j":
			target = spec[i+1]
		case "--to-destination":
			to = spec[i+1]
		}
	}
	parts := []string{family, chain, proto}
	if dst != "" {
		parts = append(parts, "dst", dst)
	}
	parts = append(parts, "dport", dport, target)
	if to != "" {
		parts = append(parts, to)
	}
	return strings.Join(parts, " ")
}
