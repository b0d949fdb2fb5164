package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// fakeRule is one rule in the fake ufw table.
type fakeRule struct {
	to, action, from, comment string
	v6                        bool
}

// fakeUFW mimics the parts of ufw the reconciler depends on: numbered
// listing with IPv4 rules ahead of IPv6 ones, renumbering on delete,
// skipping identical rules and rejecting inserts past the end of the list.
type fakeUFW struct {
	mu    sync.Mutex
	rules []fakeRule
	calls []string

	failDelete bool
	deletes    int
}

func newFakeUFW(rules ...fakeRule) *fakeUFW {
	return &fakeUFW{rules: rules}
}

func (f *fakeUFW) StatusNumbered(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	b.WriteString("Status: active\n\n")
	b.WriteString("     To                         Action      From\n")
	b.WriteString("     --                         ------      ----\n")
	for i, r := range f.rules {
		to, from := r.to, r.from
		if r.v6 {
			to += " (v6)"
			if from == "Anywhere" {
				from += " (v6)"
			}
		}
		line := fmt.Sprintf("[%2d] %-26s  %-11s  %s", i+1, to, r.action, from)
		if r.comment != "" {
			line = fmt.Sprintf("%-75s # %s", line, r.comment)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	return b.String(), nil
}

func (f *fakeUFW) firstV6() int {
	for i, r := range f.rules {
		if r.v6 {
			return i
		}
	}
	return len(f.rules)
}

func (f *fakeUFW) exists(r fakeRule) bool {
	for _, existing := range f.rules {
		if existing == r {
			return true
		}
	}
	return false
}

// add inserts r at 1-based pos, or at the end of its family when pos is 0.
func (f *fakeUFW) add(pos int, r fakeRule) error {
	if f.exists(r) {
		return nil // "Skipping inserting existing rule"
	}
	idx := len(f.rules)
	if !r.v6 {
		idx = f.firstV6()
	}
	if pos > 0 {
		if pos > len(f.rules) {
			return errors.New("ERROR: Invalid position")
		}
		idx = pos - 1
	}
	f.rules = append(f.rules, fakeRule{})
	copy(f.rules[idx+1:], f.rules[idx:])
	f.rules[idx] = r
	return nil
}

func (f *fakeUFW) AllowPort(_ context.Context, port int, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("allow %d/tcp comment %s", port, comment))
	to := fmt.Sprintf("%d/tcp", port)
	if err := f.add(0, fakeRule{to: to, action: "ALLOW IN", from: "Anywhere", comment: comment}); err != nil {
		return err
	}
	return f.add(0, fakeRule{to: to, action: "ALLOW IN", from: "Anywhere", comment: comment, v6: true})
}

func (f *fakeUFW) AllowFrom(_ context.Context, pos int, ip string, port int, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := fmt.Sprintf("allow from %s", ip)
	if pos > 0 {
		call = fmt.Sprintf("insert %d %s", pos, call)
	}
	f.calls = append(f.calls, call)
	to := "Anywhere"
	if port > 0 {
		to = fmt.Sprint(port)
	}
	return f.add(pos, fakeRule{to: to, action: "ALLOW IN", from: ip, comment: comment, v6: strings.Contains(ip, ":")})
}

func (f *fakeUFW) RouteAllow(_ context.Context, dstIP string, dstPort int, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("route allow %s %d", dstIP, dstPort))
	return f.add(0, fakeRule{
		to:      fmt.Sprintf("%s %d/tcp", dstIP, dstPort),
		action:  "ALLOW FWD",
		from:    "Anywhere",
		comment: comment,
		v6:      strings.Contains(dstIP, ":"),
	})
}

func (f *fakeUFW) Delete(_ context.Context, num int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete %d", num))
	f.deletes++
	if f.failDelete {
		return errors.New("ERROR: Could not delete")
	}
	if num < 1 || num > len(f.rules) {
		return fmt.Errorf("ERROR: Could not find rule '%d'", num)
	}
	f.rules = append(f.rules[:num-1], f.rules[num:]...)
	return nil
}

func (f *fakeUFW) snapshot() []fakeRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRule(nil), f.rules...)
}

func (f *fakeUFW) count(match func(fakeRule) bool) int {
	n := 0
	for _, r := range f.snapshot() {
		if match(r) {
			n++
		}
	}
	return n
}

// fakeNAT stores rules in `iptables -S` form.
type fakeNAT struct {
	mu     sync.Mutex
	chains map[string][]string
}

func newFakeNAT() *fakeNAT {
	return &fakeNAT{chains: make(map[string][]string)}
}

func (n *fakeNAT) List(chain string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []string{"-P " + chain + " ACCEPT"}
	return append(out, n.chains[chain]...), nil
}

func (n *fakeNAT) Append(chain string, spec ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chains[chain] = append(n.chains[chain], "-A "+chain+" "+strings.Join(spec, " "))
	return nil
}

func (n *fakeNAT) Delete(chain string, spec ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	line := "-A " + chain + " " + strings.Join(spec, " ")
	for i, l := range n.chains[chain] {
		if l == line {
			n.chains[chain] = append(n.chains[chain][:i], n.chains[chain][i+1:]...)
			return nil
		}
	}
	return errors.New("iptables: Bad rule (does a matching rule exist in that chain?)")
}

func (n *fakeNAT) rules() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, chain := range []string{ChainPrerouting, ChainPostrouting} {
		out = append(out, n.chains[chain]...)
	}
	return out
}
