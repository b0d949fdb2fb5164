// Package testutil holds helpers for tests that touch the real host.
package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// IntegrationEnv enables tests that modify the host firewall.
const IntegrationEnv = "PORTGATE_INTEGRATION_TEST"

// RequireIntegration skips the test unless IntegrationEnv is set, the test
// runs as root, and every named binary is on PATH. These tests change live
// ufw and iptables rules, so only run them in a disposable VM.
func RequireIntegration(t *testing.T, binaries ...string) {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", IntegrationEnv)
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
	for _, name := range binaries {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("Skipping test: %s not found", name)
		}
	}
}
