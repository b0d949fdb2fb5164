// Package firewall applies the access model to ufw and the iptables nat
// table. Every rule it creates carries an ownership marker in its comment so
// later passes can find and remove it without touching rules it did not
// create.
package firewall

import "strings"

// Ownership markers embedded in rule comments.
const (
	// MarkerForward tags forward rules. They are torn down on every pass.
	MarkerForward = "portgate-forward"
	// MarkerWhitelist tags per-address allow rules.
	MarkerWhitelist = "portgate-whitelist"
	// MarkerPanel tags the rule keeping the panel port reachable.
	MarkerPanel = "portgate-panel"
)

// HasMarker reports whether a rule listing line carries marker.
func HasMarker(line, marker string) bool {
	return strings.Contains(line, marker)
}
