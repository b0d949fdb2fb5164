package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PORTGATE_"

// LoadFile reads and decodes the file at path, then applies defaults and
// environment overrides. A missing file at DefaultPath yields the defaults.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return finish(Default())
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path)
}

// LoadHCL decodes config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, evalContext(os.Environ()), &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	if cfg.SchemaVersion != "" && cfg.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %q (want %s)", cfg.SchemaVersion, CurrentSchemaVersion)
	}
	cfg.applyDefaults()
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// evalContext exposes the process environment as the env object.
func evalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntaxName(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

// hclsyntaxName reports whether k can be used as an attribute name after env.
func hclsyntaxName(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// ApplyEnv overrides fields from PORTGATE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("STATE_PATH", &c.StatePath)
	str("LOG_LEVEL", &c.Log.Level)
	str("AUTH_USER", &c.Auth.User)
	str("AUTH_PASSWORD_HASH", &c.Auth.PasswordHash)
	str("LISTEN", &c.Panel.Listen)
	str("AUDIT_PATH", &c.Audit.Path)

	if v, ok := lookup(EnvPrefix + "PANEL_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPANEL_PORT: %w", EnvPrefix, err)
		}
		c.Panel.Port = port
	}
	return nil
}
