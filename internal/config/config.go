// Package config loads portgate's HCL configuration.
//
// A file may reference environment variables through the env object:
//
//	auth {
//	  user          = "admin"
//	  password_hash = env.PORTGATE_HASH
//	}
//
// Every field has a default, so an empty file (or no file) is valid.
// Environment variables prefixed with PORTGATE_ override file values.
package config

import (
	"net"
	"strconv"
	"time"

	"grimm.is/portgate/internal/access"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/portgate/portgate.hcl"

// ScheduleOff disables a periodic job.
const ScheduleOff = "off"

// Scheduled reports whether spec names a cron schedule.
func Scheduled(spec string) bool {
	return spec != "" && spec != ScheduleOff
}

// ICMP backends
const (
	ICMPBackendExec   = "exec"
	ICMPBackendNative = "native"
)

// Config is the top-level configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`
	StatePath     string `hcl:"state_path,optional" json:"state_path"`

	Panel     *PanelConfig     `hcl:"panel,block" json:"panel"`
	Auth      *AuthConfig      `hcl:"auth,block" json:"auth"`
	Whitelist *WhitelistConfig `hcl:"whitelist,block" json:"whitelist"`
	Scanner   *ScannerConfig   `hcl:"scanner,block" json:"scanner"`
	Traffic   *TrafficConfig   `hcl:"traffic,block" json:"traffic"`
	Reconcile *ReconcileConfig `hcl:"reconcile,block" json:"reconcile"`
	Audit     *AuditConfig     `hcl:"audit,block" json:"audit"`
	Log       *LogConfig       `hcl:"log,block" json:"log"`
	Metrics   *MetricsConfig   `hcl:"metrics,block" json:"metrics"`
}

// PanelConfig configures the HTTP panel and the port kept reachable for it.
type PanelConfig struct {
	Port           int    `hcl:"port,optional" json:"port"`
	Listen         string `hcl:"listen,optional" json:"listen"` // Bind address, port comes from Port
	MaxConnections int    `hcl:"max_connections,optional" json:"max_connections"`
	// TrustProxy takes client addresses from X-Forwarded-For. Only enable
	// behind a reverse proxy, since authenticated clients are whitelisted.
	TrustProxy bool `hcl:"trust_proxy,optional" json:"trust_proxy"`
}

// Addr returns the listen address of the panel.
func (p *PanelConfig) Addr() string {
	return net.JoinHostPort(p.Listen, strconv.Itoa(p.Port))
}

// AuthConfig holds the single panel credential.
type AuthConfig struct {
	User         string `hcl:"user,optional" json:"user"`
	PasswordHash string `hcl:"password_hash,optional" json:"-"` // bcrypt
	Realm        string `hcl:"realm,optional" json:"realm"`
	// Whitelist the address of every authenticated client.
	DisableAutoWhitelist bool `hcl:"disable_auto_whitelist,optional" json:"disable_auto_whitelist"`
	// Failed logins per client within Lockout before it is refused. A
	// negative value disables the lockout.
	MaxFailures int    `hcl:"max_failures,optional" json:"max_failures"`
	Lockout     string `hcl:"lockout,optional" json:"lockout"`
}

// LockoutDuration returns the parsed lockout window.
func (a *AuthConfig) LockoutDuration() time.Duration {
	d, _ := time.ParseDuration(a.Lockout)
	return d
}

type WhitelistConfig struct {
	Capacity int `hcl:"capacity,optional" json:"capacity"`
}

// ScannerConfig configures the diagnostics scanner.
type ScannerConfig struct {
	Timeout         string `hcl:"timeout,optional" json:"timeout"`
	BatchSize       int    `hcl:"batch_size,optional" json:"batch_size"`
	ICMPConcurrency int    `hcl:"icmp_concurrency,optional" json:"icmp_concurrency"`
	ICMPBackend     string `hcl:"icmp_backend,optional" json:"icmp_backend"` // exec or native
	Privileged      bool   `hcl:"privileged,optional" json:"privileged"`     // raw sockets for the native backend
	DNSServer       string `hcl:"dns_server,optional" json:"dns_server"`     // empty uses the system resolver

	// DoHResolvers maps a resolver name to its RFC 8484 endpoint.
	DoHResolvers map[string]string `hcl:"doh_resolvers,optional" json:"doh_resolvers,omitempty"`
}

// TimeoutDuration returns the parsed probe timeout.
func (s *ScannerConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(s.Timeout)
	return d
}

// TrafficConfig configures counter sampling.
type TrafficConfig struct {
	Schedule     string   `hcl:"schedule,optional" json:"schedule"` // cron spec or "off"
	History      int      `hcl:"history,optional" json:"history"`
	PushInterval string   `hcl:"push_interval,optional" json:"push_interval"`
	Exclude      []string `hcl:"exclude,optional" json:"exclude,omitempty"`
}

// PushDuration returns the websocket push interval.
func (t *TrafficConfig) PushDuration() time.Duration {
	d, _ := time.ParseDuration(t.PushInterval)
	return d
}

// ReconcileConfig controls when reconcile passes run outside of mutations.
type ReconcileConfig struct {
	Schedule    string `hcl:"schedule,optional" json:"schedule"` // cron spec or "off"
	SkipOnStart bool   `hcl:"skip_on_start,optional" json:"skip_on_start"`
	DisableIPv6 bool   `hcl:"disable_ipv6,optional" json:"disable_ipv6"`
}

type AuditConfig struct {
	Path       string `hcl:"path,optional" json:"path"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional" json:"max_size_mb"`
	MaxBackups int    `hcl:"max_backups,optional" json:"max_backups"`
	MaxAgeDays int    `hcl:"max_age_days,optional" json:"max_age_days"`
	Compress   bool   `hcl:"compress,optional" json:"compress"`
}

type LogConfig struct {
	Level string `hcl:"level,optional" json:"level"`
	JSON  bool   `hcl:"json,optional" json:"json"`
}

type MetricsConfig struct {
	Disabled bool   `hcl:"disabled,optional" json:"disabled"`
	Path     string `hcl:"path,optional" json:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.StatePath == "" {
		c.StatePath = "/var/lib/portgate/state.db"
	}

	if c.Panel == nil {
		c.Panel = &PanelConfig{}
	}
	if c.Panel.Port == 0 {
		c.Panel.Port = access.DefaultPanelPort
	}
	if c.Panel.MaxConnections == 0 {
		c.Panel.MaxConnections = 256
	}

	if c.Auth == nil {
		c.Auth = &AuthConfig{}
	}
	if c.Auth.User == "" {
		c.Auth.User = "admin"
	}
	if c.Auth.Realm == "" {
		c.Auth.Realm = "portgate"
	}
	if c.Auth.MaxFailures == 0 {
		c.Auth.MaxFailures = 10
	}
	if c.Auth.Lockout == "" {
		c.Auth.Lockout = "10m"
	}

	if c.Whitelist == nil {
		c.Whitelist = &WhitelistConfig{}
	}
	if c.Whitelist.Capacity == 0 {
		c.Whitelist.Capacity = access.DefaultWhitelistCapacity
	}

	if c.Scanner == nil {
		c.Scanner = &ScannerConfig{}
	}
	if c.Scanner.Timeout == "" {
		c.Scanner.Timeout = "1s"
	}
	if c.Scanner.BatchSize == 0 {
		c.Scanner.BatchSize = 128
	}
	if c.Scanner.ICMPConcurrency == 0 {
		c.Scanner.ICMPConcurrency = 8
	}
	if c.Scanner.ICMPBackend == "" {
		c.Scanner.ICMPBackend = ICMPBackendExec
	}

	if c.Traffic == nil {
		c.Traffic = &TrafficConfig{}
	}
	if c.Traffic.Schedule == "" {
		c.Traffic.Schedule = "@every 10s"
	}
	if c.Traffic.History == 0 {
		c.Traffic.History = 60
	}
	if c.Traffic.PushInterval == "" {
		c.Traffic.PushInterval = "2s"
	}

	if c.Reconcile == nil {
		c.Reconcile = &ReconcileConfig{}
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "@every 5m"
	}

	if c.Audit == nil {
		c.Audit = &AuditConfig{}
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "/var/log/portgate/audit.log"
	}
	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = 5
	}
	if c.Audit.MaxBackups == 0 {
		c.Audit.MaxBackups = 3
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
