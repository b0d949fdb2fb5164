package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/logging"
)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if err := access.ValidatePort(c.Panel.Port); err != nil {
		errs = append(errs, fmt.Errorf("panel.port: %w", err))
	}
	if c.Panel.MaxConnections < 0 {
		errs = append(errs, errors.New("panel.max_connections must not be negative"))
	}
	if d, err := time.ParseDuration(c.Auth.Lockout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("auth.lockout: invalid duration %q", c.Auth.Lockout))
	}
	if c.Whitelist.Capacity < 1 {
		errs = append(errs, errors.New("whitelist.capacity must be at least 1"))
	}

	if d, err := time.ParseDuration(c.Scanner.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("scanner.timeout: invalid duration %q", c.Scanner.Timeout))
	}
	if c.Scanner.BatchSize < 1 {
		errs = append(errs, errors.New("scanner.batch_size must be at least 1"))
	}
	if c.Scanner.ICMPConcurrency < 1 {
		errs = append(errs, errors.New("scanner.icmp_concurrency must be at least 1"))
	}
	switch c.Scanner.ICMPBackend {
	case ICMPBackendExec, ICMPBackendNative:
	default:
		errs = append(errs, fmt.Errorf("scanner.icmp_backend: unknown backend %q", c.Scanner.ICMPBackend))
	}

	if d, err := time.ParseDuration(c.Traffic.PushInterval); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("traffic.push_interval: invalid duration %q", c.Traffic.PushInterval))
	}
	if c.Traffic.History < 1 {
		errs = append(errs, errors.New("traffic.history must be at least 1"))
	}
	if err := validSchedule(c.Traffic.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("traffic.schedule: %w", err))
	}
	if err := validSchedule(c.Reconcile.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

func validSchedule(spec string) error {
	if !Scheduled(spec) {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}
