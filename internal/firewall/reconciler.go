package firewall

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/metrics"
)

// Result summarizes one pass. Errors holds one message per failed
// operation; a pass never aborts on them.
type Result struct {
	Applied int      `json:"applied"`
	Removed int      `json:"removed"`
	Errors  []string `json:"errors,omitempty"`
}

func (r *Result) merge(o Result) {
	r.Applied += o.Applied
	r.Removed += o.Removed
	r.Errors = append(r.Errors, o.Errors...)
}

// Reconciler converges ufw and the nat table towards an access snapshot.
// It always diffs against live listings.
type Reconciler struct {
	ufw     UFW
	nat4    NATTable
	nat6    NATTable
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewReconciler builds a Reconciler. nat6 may be nil when ip6tables is not
// available; nat4 may be nil to manage ufw only.
func NewReconciler(ufw UFW, nat4, nat6 NATTable, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		ufw:     ufw,
		nat4:    nat4,
		nat6:    nat6,
		logger:  logger.WithComponent("reconciler"),
		metrics: metrics.Get(),
	}
}

// record logs and counts a single tool operation.
func (r *Reconciler) record(res *Result, tool, op, rule string, err error) {
	r.metrics.RuleOp(tool, op, err)
	if err != nil {
		r.logger.Warn("rule operation failed", "tool", tool, "op", op, "rule", rule, "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("%s %s %s: %v", tool, op, rule, err))
		return
	}
	r.logger.Debug("rule operation", "tool", tool, "op", op, "rule", rule)
	switch op {
	case "delete":
		res.Removed++
	default:
		res.Applied++
	}
}

// Reconcile runs a full pass: forward teardown, forward recreation,
// whitelist sync and panel guarantee. It never returns an error; failures
// are reported in the Result and repaired by the next pass.
func (r *Reconciler) Reconcile(ctx context.Context, snap access.Snapshot) Result {
	start := time.Now()
	var res Result

	r.teardownForwards(ctx, &res)
	r.applyForwards(ctx, &res, snap.Forwards)
	r.syncWhitelist(ctx, &res, snap.Whitelist)
	res.merge(r.EnsurePanel(ctx, snap.PanelPort))

	r.metrics.ReconcileTotal.Inc()
	r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	r.logger.Info("reconcile complete",
		"applied", res.Applied,
		"removed", res.Removed,
		"errors", len(res.Errors),
		"duration", time.Since(start))
	return res
}

func (r *Reconciler) natTables() map[string]NATTable {
	tables := make(map[string]NATTable, 2)
	if r.nat4 != nil {
		tables["iptables"] = r.nat4
	}
	if r.nat6 != nil {
		tables["ip6tables"] = r.nat6
	}
	return tables
}

func (r *Reconciler) teardownForwards(ctx context.Context, res *Result) {
	for tool, nat := range r.natTables() {
		for _, chain := range []string{ChainPrerouting, ChainPostrouting} {
			lines, err := nat.List(chain)
			if err != nil {
				r.record(res, tool, "list", chain, err)
				continue
			}
			for _, line := range lines {
				if !HasMarker(line, MarkerForward) {
					continue
				}
				c, spec, ok := DeleteSpec(line)
				if !ok {
					continue
				}
				r.record(res, tool, "delete", line, nat.Delete(c, spec...))
			}
		}
	}

	r.deleteMatching(ctx, res, func(rule NumberedRule) bool {
		return rule.HasMarker(MarkerForward)
	})
}

func (r *Reconciler) applyForwards(ctx context.Context, res *Result, forwards []access.ForwardRule) {
	for _, fw := range forwards {
		tool, nat := "iptables", r.nat4
		dest := net.JoinHostPort(fw.DstIP, strconv.Itoa(fw.DstPort))
		if access.IsIPv6(fw.DstIP) {
			tool, nat = "ip6tables", r.nat6
		}

		if nat == nil {
			r.record(res, tool, "append", dest, fmt.Errorf("%s nat table unavailable", tool))
		} else {
			pre := preroutingSpec(fw.SrcPort, dest)
			r.record(res, tool, "append", ChainPrerouting+" "+dest, nat.Append(ChainPrerouting, pre...))
			post := postroutingSpec(fw.DstIP, fw.DstPort)
			r.record(res, tool, "append", ChainPostrouting+" "+dest, nat.Append(ChainPostrouting, post...))
		}

		err := r.ufw.RouteAllow(ctx, fw.DstIP, fw.DstPort, MarkerForward)
		r.record(res, "ufw", "route-allow", dest, err)
	}
}

// syncWhitelist removes tagged rules for addresses no longer whitelisted and
// then inserts one allow rule per entry at the top of its family's list.
func (r *Reconciler) syncWhitelist(ctx context.Context, res *Result, whitelist []string) {
	keep := make(map[string]bool, len(whitelist))
	for _, ip := range whitelist {
		keep[ip] = true
	}
	r.deleteMatching(ctx, res, func(rule NumberedRule) bool {
		return rule.HasMarker(MarkerWhitelist) && !keep[rule.Source()]
	})

	res.merge(r.allowFrom(ctx, whitelist, 0))
}

// allowFrom inserts a tagged allow rule per address. IPv4 rules go to
// position 1 and IPv6 rules ahead of the first existing IPv6 rule; an empty
// family list is appended to because ufw rejects inserts into it.
func (r *Reconciler) allowFrom(ctx context.Context, ips []string, port int) Result {
	var res Result
	rules, err := r.listUFW(ctx, &res)
	if err != nil {
		return res
	}
	hasV4 := false
	for _, rule := range rules {
		if !rule.V6 {
			hasV4 = true
			break
		}
	}

	for _, ip := range ips {
		desc := ip
		if port > 0 {
			desc = fmt.Sprintf("%s port %d", ip, port)
		}
		pos := 0
		if access.IsIPv6(ip) {
			rules, err := r.listUFW(ctx, &res)
			if err != nil {
				continue
			}
			for _, rule := range rules {
				if rule.V6 {
					pos = rule.Num
					break
				}
			}
		} else if hasV4 {
			pos = 1
		}

		op := "insert"
		if pos == 0 {
			op = "append"
		}
		err := r.ufw.AllowFrom(ctx, pos, ip, port, MarkerWhitelist)
		r.record(&res, "ufw", op, desc, err)
		if err == nil && !access.IsIPv6(ip) {
			hasV4 = true
		}
	}
	return res
}

// EnsurePanel asserts the panel allow rule, then removes panel rules left
// over for other ports.
func (r *Reconciler) EnsurePanel(ctx context.Context, port int) Result {
	var res Result
	if port <= 0 {
		port = access.DefaultPanelPort
	}
	err := r.ufw.AllowPort(ctx, port, MarkerPanel)
	r.record(&res, "ufw", "allow", fmt.Sprintf("%d/tcp", port), err)
	if err != nil {
		return res
	}
	r.deleteMatching(ctx, &res, func(rule NumberedRule) bool {
		p, ok := rule.DestPort()
		return rule.HasMarker(MarkerPanel) && (!ok || p != port)
	})
	return res
}

// Strictify removes every untagged inbound allow-from-anywhere rule except
// the panel port's and then re-asserts the panel rule.
func (r *Reconciler) Strictify(ctx context.Context, panelPort int) Result {
	var res Result
	r.deleteMatching(ctx, &res, func(rule NumberedRule) bool {
		if !rule.AllowIn() || !rule.FromAnywhere() || owned(rule) {
			return false
		}
		p, ok := rule.DestPort()
		return !ok || p != panelPort
	})
	res.merge(r.EnsurePanel(ctx, panelPort))
	return res
}

// NarrowPort allows port for every whitelisted address and, unless it is
// the panel port, deletes the allow-from-anywhere rules for it.
func (r *Reconciler) NarrowPort(ctx context.Context, port int, whitelist []string, panelPort int) Result {
	res := r.allowFrom(ctx, whitelist, port)
	if port == panelPort {
		return res
	}
	r.deleteMatching(ctx, &res, func(rule NumberedRule) bool {
		p, ok := rule.DestPort()
		return rule.AllowIn() && rule.FromAnywhere() && ok && p == port
	})
	return res
}

func owned(rule NumberedRule) bool {
	return rule.HasMarker(MarkerForward) || rule.HasMarker(MarkerWhitelist) || rule.HasMarker(MarkerPanel)
}

func (r *Reconciler) listUFW(ctx context.Context, res *Result) ([]NumberedRule, error) {
	out, err := r.ufw.StatusNumbered(ctx)
	if err != nil {
		r.record(res, "ufw", "list", "status numbered", err)
		return nil, err
	}
	return ParseNumbered(out), nil
}

// deleteMatching deletes ufw rules one at a time, re-listing before every
// delete because numbers shift after each removal. It stops at the first
// failed delete and never deletes more rules than initially matched.
func (r *Reconciler) deleteMatching(ctx context.Context, res *Result, match func(NumberedRule) bool) int {
	budget := -1
	deleted := 0
	for {
		if ctx.Err() != nil {
			return deleted
		}
		rules, err := r.listUFW(ctx, res)
		if err != nil {
			return deleted
		}

		var target *NumberedRule
		matches := 0
		for i := range rules {
			if match(rules[i]) {
				if target == nil {
					target = &rules[i]
				}
				matches++
			}
		}
		if budget < 0 {
			budget = matches
		}
		if target == nil || budget == 0 {
			return deleted
		}

		err = r.ufw.Delete(ctx, target.Num)
		r.record(res, "ufw", "delete", target.Line, err)
		if err != nil {
			return deleted
		}
		deleted++
		budget--
	}
}

// Rules returns the raw numbered ufw listing.
func (r *Reconciler) Rules(ctx context.Context) ([]string, error) {
	out, err := r.ufw.StatusNumbered(ctx)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimRight(line, " \t\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
