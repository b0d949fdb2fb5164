package firewall

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"

	"grimm.is/portgate/internal/access"
)

// Plan returns the owned rules a reconcile pass would leave behind for snap,
// one normalized line per rule, sorted. It is comparable with Live.
func (r *Reconciler) Plan(snap access.Snapshot) []string {
	set := make(map[string]struct{})
	for _, fw := range snap.Forwards {
		family := "nat"
		if access.IsIPv6(fw.DstIP) {
			family = "nat6"
		}
		dest := net.JoinHostPort(fw.DstIP, strconv.Itoa(fw.DstPort))
		set[natDescription(family, ChainPrerouting, preroutingSpec(fw.SrcPort, dest))] = struct{}{}
		set[natDescription(family, ChainPostrouting, postroutingSpec(fw.DstIP, fw.DstPort))] = struct{}{}
		set[ufwDescription("ALLOW FWD", fmt.Sprintf("%s %d/tcp", fw.DstIP, fw.DstPort), "Anywhere", MarkerForward)] = struct{}{}
	}
	for _, ip := range snap.Whitelist {
		set[ufwDescription("ALLOW IN", "Anywhere", ip, MarkerWhitelist)] = struct{}{}
	}
	port := snap.PanelPort
	if port <= 0 {
		port = access.DefaultPanelPort
	}
	set[ufwDescription("ALLOW IN", fmt.Sprintf("%d/tcp", port), "Anywhere", MarkerPanel)] = struct{}{}
	return sortedKeys(set)
}

// Live returns the owned rules currently installed in the same form as Plan.
// Port-scoped whitelist rules created by NarrowPort are not reconciled and
// are left out.
func (r *Reconciler) Live(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	families := map[string]NATTable{"nat": r.nat4, "nat6": r.nat6}
	for family, nat := range families {
		if nat == nil {
			continue
		}
		for _, chain := range []string{ChainPrerouting, ChainPostrouting} {
			lines, err := nat.List(chain)
			if err != nil {
				return nil, fmt.Errorf("list %s %s: %w", family, chain, err)
			}
			for _, line := range lines {
				if !HasMarker(line, MarkerForward) {
					continue
				}
				if c, spec, ok := DeleteSpec(line); ok {
					set[natDescription(family, c, spec)] = struct{}{}
				}
			}
		}
	}

	out, err := r.ufw.StatusNumbered(ctx)
	if err != nil {
		return nil, fmt.Errorf("ufw status: %w", err)
	}
	for _, rule := range ParseNumbered(out) {
		if !owned(rule) {
			continue
		}
		if _, scoped := rule.DestPort(); scoped && rule.HasMarker(MarkerWhitelist) {
			continue
		}
		set[ufwDescription(rule.Action, stripV6(rule.To), rule.Source(), rule.Comment)] = struct{}{}
	}
	return sortedKeys(set), nil
}

func ufwDescription(action, to, from, comment string) string {
	return fmt.Sprintf("ufw %s %s from %s # %s", action, to, from, comment)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
