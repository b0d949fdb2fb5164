package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/portgate/internal/command"
	"grimm.is/portgate/internal/config"
	"grimm.is/portgate/internal/firewall"
	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/panel"
	"grimm.is/portgate/internal/scanner"
	"grimm.is/portgate/internal/sockets"
	"grimm.is/portgate/internal/state"
	"grimm.is/portgate/internal/traffic"
)

// app holds the wired components shared by every command that touches the
// firewall or the saved state.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *state.Store
	svc     *panel.Service
	closers []io.Closer

	// portChanges carries the latest panel port after a change.
	portChanges chan int
}

// loadConfig reads the configuration named by --config and applies the
// --log-level override.
func loadConfig() (*config.Config, logging.Level, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, 0, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, 0, err
	}
	return cfg, level, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, level, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, portChanges: make(chan int, 1)}
	auditLog, err := logging.OpenAuditLog(logging.AuditConfig{
		Path:       cfg.Audit.Path,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
		Compress:   cfg.Audit.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	logCfg := logging.Config{Level: level, Output: os.Stderr, JSON: cfg.Log.JSON}
	if auditLog != nil {
		logCfg.Audit = auditLog
		a.closers = append(a.closers, auditLog)
	}
	a.logger = logging.New(logCfg)
	logging.SetDefault(a.logger)

	a.store, err = state.Open(state.DefaultOptions(cfg.StatePath))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open state: %w", err)
	}
	a.closers = append(a.closers, a.store)

	runner := &command.ExecRunner{}
	reconciler := firewall.NewReconciler(firewall.NewCLI(runner), a.natTable(false), a.natTable(true), a.logger)

	est := traffic.NewEstimator(
		&traffic.NetlinkSource{Exclude: cfg.Traffic.Exclude},
		a.logger,
		traffic.WithHistory(cfg.Traffic.History),
		traffic.WithStore(a.store),
	)

	opts := []panel.Option{
		panel.WithScanner(newScanner(cfg.Scanner, runner, a.logger)),
		panel.WithTraffic(est),
		panel.WithPanelPortHook(a.notifyPort),
		panel.WithSockets(sockets.New(sockets.NetlinkDumper{}, sockets.ProcOwners{}, a.logger)),
		panel.WithDoH(scanner.NewDoHChecker(cfg.Scanner.DoHResolvers, cfg.Scanner.TimeoutDuration())),
	}
	if auditLog != nil {
		opts = append(opts, panel.WithAuditLog(auditLog))
	}
	a.svc = panel.New(
		panel.Config{WhitelistCapacity: cfg.Whitelist.Capacity, PanelPort: cfg.Panel.Port},
		a.store,
		reconciler,
		a.logger,
		opts...,
	)
	if err := a.svc.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// notifyPort replaces any pending port change with port.
func (a *app) notifyPort(port int) {
	select {
	case <-a.portChanges:
	default:
	}
	select {
	case a.portChanges <- port:
	default:
	}
}

// natTable opens the nat table of one family. A missing iptables binary
// disables forwarding for that family instead of failing startup.
func (a *app) natTable(v6 bool) firewall.NATTable {
	if v6 && a.cfg.Reconcile.DisableIPv6 {
		return nil
	}
	nat, err := firewall.NewIPTablesNAT(v6)
	if err != nil {
		a.logger.Warn("nat table unavailable", "ipv6", v6, "error", err)
		return nil
	}
	return nat
}

func newScanner(cfg *config.ScannerConfig, runner command.Runner, logger *logging.Logger) *scanner.Scanner {
	var opts []scanner.Option
	switch cfg.ICMPBackend {
	case config.ICMPBackendNative:
		opts = append(opts, scanner.WithPinger(scanner.NewNativePinger(cfg.Privileged)))
	default:
		opts = append(opts, scanner.WithPinger(scanner.NewExecPinger(runner)))
	}
	if cfg.DNSServer != "" {
		opts = append(opts, scanner.WithResolver(scanner.NewDNSResolver(cfg.DNSServer, cfg.TimeoutDuration())))
	}
	return scanner.New(logger, scanner.Config{
		Timeout:         cfg.TimeoutDuration(),
		BatchSize:       cfg.BatchSize,
		ICMPConcurrency: cfg.ICMPConcurrency,
	}, opts...)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp adapts fn into a cobra RunE that builds and closes the app.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

// mutationResult prints the pass triggered by a change. A change that was
// applied but not saved still prints its result.
func mutationResult(cmd *cobra.Command, res firewall.Result, err error) error {
	if err != nil && !errors.Is(err, panel.ErrNotPersisted) {
		return err
	}
	if perr := printResult(cmd.OutOrStdout(), res); perr != nil && err == nil {
		return perr
	}
	return err
}
