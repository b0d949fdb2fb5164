package scanner

import (
	"slices"
	"strconv"
	"strings"
)

const (
	// MaxHosts bounds the hosts probed by one scan.
	MaxHosts = 64
	// MaxPorts bounds the ports probed per host.
	MaxPorts = 256
)

// CommonPorts is the preset selected by "common" or an empty port list.
var CommonPorts = []int{
	21, 22, 23, 25, 53, 67, 68, 69, 80, 110, 123, 137, 139, 143, 161, 389,
	443, 465, 587, 993, 995, 1433, 1521, 1723, 2049, 2379, 2380, 3000, 3128, 3306, 3389, 3478,
	3690, 4000, 4040, 4369, 5000, 5432, 5601, 5672, 5900, 5984, 6379, 7001, 7070, 8000, 8008, 8080,
	8081, 8088, 8090, 8443, 8500, 8778, 8888, 9000, 9042, 9090, 9092, 9200, 9418, 9999, 11211, 18080,
	27017,
}

// ParsePorts parses a comma separated port list. ASCII and full-width commas
// are both accepted; invalid tokens are dropped. "common" or an empty string
// selects CommonPorts.
func ParsePorts(spec string) []int {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "common") {
		return slices.Clone(CommonPorts)
	}
	var ports []int
	for _, tok := range strings.Split(strings.ReplaceAll(spec, "，", ","), ",") {
		p, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			continue
		}
		ports = append(ports, p)
	}
	return NormalizePorts(ports)
}

// NormalizePorts drops out-of-range values, deduplicates, sorts ascending
// and caps the list at MaxPorts.
func NormalizePorts(in []int) []int {
	out := make([]int, 0, len(in))
	for _, p := range in {
		if p >= 1 && p <= 65535 {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) > MaxPorts {
		out = out[:MaxPorts]
	}
	return out
}

// NormalizeHosts trims hosts, drops empty ones and caps the list at MaxHosts.
func NormalizeHosts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
		if len(out) == MaxHosts {
			break
		}
	}
	return out
}
