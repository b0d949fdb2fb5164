package access

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var (
	// ErrInvalidIP is returned for addresses that are not literal IPv4/IPv6.
	ErrInvalidIP = errors.New("invalid IP address")
	// ErrInvalidPort is returned for ports outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")
)

// NormalizeIP validates s and returns its canonical form. IPv4-mapped IPv6
// addresses are reduced to IPv4 and zone suffixes are dropped.
func NormalizeIP(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return addr.Unmap().String(), nil
}

// IsIPv6 reports whether a normalized address is IPv6.
func IsIPv6(ip string) bool {
	return strings.Contains(ip, ":")
}

// ValidatePort checks that p is a usable TCP/UDP port.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	return nil
}

// ParsePort parses and validates a decimal port string.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	if err := ValidatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}
