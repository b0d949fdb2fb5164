package firewall

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/portgate/internal/command"
)

// UFW is the subset of ufw operations the reconciler needs.
type UFW interface {
	// StatusNumbered returns the raw `ufw status numbered` listing.
	StatusNumbered(ctx context.Context) (string, error)
	// AllowPort opens port/tcp from anywhere.
	AllowPort(ctx context.Context, port int, comment string) error
	// AllowFrom allows traffic from ip, to any port when port is 0. A
	// positive pos inserts at that position; 0 appends.
	AllowFrom(ctx context.Context, pos int, ip string, port int, comment string) error
	// RouteAllow permits forwarded TCP traffic to dstIP:dstPort.
	RouteAllow(ctx context.Context, dstIP string, dstPort int, comment string) error
	// Delete removes the rule with the given number.
	Delete(ctx context.Context, num int) error
}

// CLI drives the ufw binary through a command.Runner.
type CLI struct {
	runner command.Runner
	binary string
}

// NewCLI returns a UFW backed by runner. A nil runner uses command.Default.
func NewCLI(runner command.Runner) *CLI {
	if runner == nil {
		runner = command.Default
	}
	return &CLI{runner: runner, binary: "ufw"}
}

func (u *CLI) StatusNumbered(ctx context.Context) (string, error) {
	out, err := u.runner.Output(ctx, u.binary, "status", "numbered")
	return string(out), err
}

func (u *CLI) AllowPort(ctx context.Context, port int, comment string) error {
	return u.runner.Run(ctx, u.binary, "allow", strconv.Itoa(port)+"/tcp", "comment", comment)
}

func (u *CLI) AllowFrom(ctx context.Context, pos int, ip string, port int, comment string) error {
	var args []string
	if pos > 0 {
		args = append(args, "insert", strconv.Itoa(pos))
	}
	args = append(args, "allow", "from", ip, "to", "any")
	if port > 0 {
		args = append(args, "port", strconv.Itoa(port))
	}
	args = append(args, "comment", comment)
	return u.runner.Run(ctx, u.binary, args...)
}

func (u *CLI) RouteAllow(ctx context.Context, dstIP string, dstPort int, comment string) error {
	return u.runner.Run(ctx, u.binary, "route", "allow", "proto", "tcp",
		"from", "any", "to", dstIP, "port", strconv.Itoa(dstPort), "comment", comment)
}

func (u *CLI) Delete(ctx context.Context, num int) error {
	return u.runner.Run(ctx, u.binary, "--force", "delete", strconv.Itoa(num))
}

// NumberedRule is one parsed line of `ufw status numbered`.
type NumberedRule struct {
	Num     int
	To      string
	Action  string
	From    string
	Comment string
	V6      bool
	Line    string
}

var columnSep = regexp.MustCompile(`\s{2,}`)

// ParseNumbered extracts the numbered rules from a status listing. Header
// and blank lines are ignored.
func ParseNumbered(out string) []NumberedRule {
	var rules []NumberedRule
	for _, line := range strings.Split(out, "\n") {
		if r, ok := parseNumberedLine(line); ok {
			rules = append(rules, r)
		}
	}
	return rules
}

func parseNumberedLine(line string) (NumberedRule, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "[") {
		return NumberedRule{}, false
	}
	end := strings.IndexByte(trimmed, ']')
	if end < 0 {
		return NumberedRule{}, false
	}
	num, err := strconv.Atoi(strings.TrimSpace(trimmed[1:end]))
	if err != nil {
		return NumberedRule{}, false
	}

	r := NumberedRule{Num: num, Line: trimmed}
	rest := trimmed[end+1:]
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		r.Comment = strings.TrimSpace(rest[i+1:])
		rest = rest[:i]
	}
	cols := columnSep.Split(strings.TrimSpace(rest), -1)
	if len(cols) > 0 {
		r.To = cols[0]
	}
	if len(cols) > 1 {
		r.Action = cols[1]
	}
	if len(cols) > 2 {
		r.From = cols[2]
	}
	r.V6 = strings.Contains(r.To, "(v6)") || strings.Contains(r.From, "(v6)")
	return r, true
}

func stripV6(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "(v6)"))
}

// HasMarker reports whether the rule's comment carries marker.
func (r NumberedRule) HasMarker(marker string) bool {
	return strings.Contains(r.Comment, marker)
}

// Source returns the From column without the v6 suffix.
func (r NumberedRule) Source() string {
	return stripV6(r.From)
}

// FromAnywhere reports whether the rule accepts any source.
func (r NumberedRule) FromAnywhere() bool {
	return r.Source() == "Anywhere"
}

// AllowIn reports whether the rule is an inbound allow.
func (r NumberedRule) AllowIn() bool {
	return r.Action == "ALLOW IN" || r.Action == "ALLOW"
}

// DestPort returns the port of the To column and whether it had one.
// "8080", "8080/tcp" and "10.0.0.1 8080/tcp" all yield 8080.
func (r NumberedRule) DestPort() (int, bool) {
	fields := strings.Fields(stripV6(r.To))
	if len(fields) == 0 {
		return 0, false
	}
	last := fields[len(fields)-1]
	if i := strings.IndexByte(last, '/'); i >= 0 {
		last = last[:i]
	}
	p, err := strconv.Atoi(last)
	if err != nil || p < 1 || p > 65535 {
		return 0, false
	}
	return p, true
}
