package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 48080, cfg.Panel.Port)
	assert.Equal(t, ":48080", cfg.Panel.Addr())
	assert.Equal(t, 1000, cfg.Whitelist.Capacity)
	assert.Equal(t, time.Second, cfg.Scanner.TimeoutDuration())
	assert.Equal(t, 128, cfg.Scanner.BatchSize)
	assert.Equal(t, ICMPBackendExec, cfg.Scanner.ICMPBackend)
	assert.Equal(t, "@every 5m", cfg.Reconcile.Schedule)
	assert.Equal(t, 2*time.Second, cfg.Traffic.PushDuration())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 10, cfg.Auth.MaxFailures)
	assert.Equal(t, 10*time.Minute, cfg.Auth.LockoutDuration())
}

func TestLoadHCL(t *testing.T) {
	t.Setenv("PORTGATE_TEST_HASH", "$2a$10$abcdefghijklmnopqrstuv")

	src := `
state_path = "/tmp/portgate.db"

panel {
  port   = 9443
  listen = "127.0.0.1"
}

auth {
  user          = "ops"
  password_hash = env.PORTGATE_TEST_HASH
}

scanner {
  timeout      = "500ms"
  icmp_backend = "native"
  dns_server   = "1.1.1.1"
}

traffic {
  schedule = "off"
  exclude  = ["lo", "docker0"]
}

reconcile {
  disable_ipv6 = true
}
`
	cfg, err := LoadHCL([]byte(src), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/portgate.db", cfg.StatePath)
	assert.Equal(t, "127.0.0.1:9443", cfg.Panel.Addr())
	assert.Equal(t, "ops", cfg.Auth.User)
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", cfg.Auth.PasswordHash)
	assert.Equal(t, "portgate", cfg.Auth.Realm)
	assert.Equal(t, 500*time.Millisecond, cfg.Scanner.TimeoutDuration())
	assert.Equal(t, 128, cfg.Scanner.BatchSize, "defaults fill fields missing from a present block")
	assert.Equal(t, ICMPBackendNative, cfg.Scanner.ICMPBackend)
	assert.False(t, Scheduled(cfg.Traffic.Schedule))
	assert.Equal(t, []string{"lo", "docker0"}, cfg.Traffic.Exclude)
	assert.Equal(t, 60, cfg.Traffic.History)
	assert.True(t, cfg.Reconcile.DisableIPv6)
	assert.Equal(t, "@every 5m", cfg.Reconcile.Schedule)
	// Absent blocks get their defaults.
	assert.Equal(t, 1000, cfg.Whitelist.Capacity)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadHCL_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `panel {`},
		{"unknown attribute", `panel { colour = "red" }`},
		{"port out of range", `panel { port = 70000 }`},
		{"unknown icmp backend", `scanner { icmp_backend = "raw" }`},
		{"bad timeout", `scanner { timeout = "soon" }`},
		{"bad schedule", `reconcile { schedule = "every now and then" }`},
		{"bad log level", `log { level = "loud" }`},
		{"schema version", `schema_version = "9.0"`},
		{"capacity", `whitelist { capacity = -1 }`},
		{"bad lockout", `auth { lockout = "a while" }`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tc.src), "bad.hcl")
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORTGATE_PANEL_PORT":         "8443",
		"PORTGATE_STATE_PATH":         "/data/state.db",
		"PORTGATE_LOG_LEVEL":          "debug",
		"PORTGATE_AUTH_USER":          "root",
		"PORTGATE_AUTH_PASSWORD_HASH": "hash",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 8443, cfg.Panel.Port)
	assert.Equal(t, "/data/state.db", cfg.StatePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "root", cfg.Auth.User)
	assert.Equal(t, "hash", cfg.Auth.PasswordHash)

	env["PORTGATE_PANEL_PORT"] = "http"
	assert.Error(t, Default().ApplyEnv(lookup))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portgate.hcl")
	require.NoError(t, os.WriteFile(path, []byte("panel {\n  port = 10022\n}\n"), 0o600))

	t.Setenv("PORTGATE_PANEL_PORT", "")
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10022, cfg.Panel.Port)

	t.Setenv("PORTGATE_PANEL_PORT", "10023")
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10023, cfg.Panel.Port)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestHCLSyntaxName(t *testing.T) {
	assert.True(t, hclsyntaxName("PORTGATE_HASH"))
	assert.True(t, hclsyntaxName("_x1"))
	assert.False(t, hclsyntaxName("1ABC"))
	assert.False(t, hclsyntaxName("A-B"))
	assert.False(t, hclsyntaxName(""))
}
