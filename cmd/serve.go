package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"grimm.is/portgate/internal/api"
	"grimm.is/portgate/internal/config"
	"grimm.is/portgate/internal/health"
	"grimm.is/portgate/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the panel API and the scheduled reconcile and sampling jobs",
	RunE:  withApp(runServe),
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	cfg := a.cfg

	if !cfg.Reconcile.SkipOnStart {
		res := a.svc.Reconcile(ctx)
		a.logger.Info("startup reconcile complete",
			"applied", res.Applied, "removed", res.Removed, "errors", len(res.Errors))
	}

	sched, err := newJobs(a)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.Disabled {
		metricsPath = ""
	}
	srv := api.NewServer(a.svc, api.ServerConfig{
		Auth: api.AuthConfig{
			User:          cfg.Auth.User,
			PasswordHash:  cfg.Auth.PasswordHash,
			Realm:         cfg.Auth.Realm,
			AutoWhitelist: !cfg.Auth.DisableAutoWhitelist,
			TrustProxy:    cfg.Panel.TrustProxy,
		},
		MetricsPath:     metricsPath,
		Health:          newHealth(a, sched),
		PushInterval:    cfg.Traffic.PushDuration(),
		MaxConnections:  cfg.Panel.MaxConnections,
		MaxAuthFailures: cfg.Auth.MaxFailures,
		AuthLockout:     cfg.Auth.LockoutDuration(),
	}, a.logger)

	return servePanel(ctx, a, srv)
}

// newJobs registers the periodic reconcile and traffic sampling jobs.
func newJobs(a *app) (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.logger)

	if spec := a.cfg.Reconcile.Schedule; config.Scheduled(spec) {
		err := sched.AddTask(&scheduler.Task{
			ID:      "reconcile",
			Name:    "Reconcile firewall rules",
			Spec:    spec,
			Timeout: 2 * time.Minute,
			Func: func(ctx context.Context) error {
				// Picks up changes saved by CLI commands.
				if err := a.svc.Load(ctx); err != nil {
					return err
				}
				if res := a.svc.Reconcile(ctx); len(res.Errors) > 0 {
					return fmt.Errorf("%d rule operations failed", len(res.Errors))
				}
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if spec := a.cfg.Traffic.Schedule; config.Scheduled(spec) {
		err := sched.AddTask(&scheduler.Task{
			ID:         "traffic",
			Name:       "Sample interface counters",
			Spec:       spec,
			RunOnStart: true,
			Timeout:    30 * time.Second,
			Func: func(ctx context.Context) error {
				_, err := a.svc.SampleRate(ctx)
				return err
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// newHealth registers the checks behind /api/health/checks.
func newHealth(a *app, sched *scheduler.Scheduler) *health.Checker {
	c := health.NewChecker(nil)
	c.Register("state", health.Probe(a.store.Ping, "database reachable"))
	c.Register("firewall", health.Probe(func(ctx context.Context) error {
		_, err := a.svc.Rules(ctx)
		return err
	}, "ufw responding"))

	if spec := a.cfg.Traffic.Schedule; config.Scheduled(spec) {
		c.Register("traffic", health.Freshness(func() (time.Time, bool) {
			r, ok := a.svc.LatestRate()
			return r.Timestamp, ok
		}, staleAfter(spec), nil))
	}

	c.Register("jobs", func(ctx context.Context) health.Check {
		status := sched.Status()
		var failing []string
		for _, st := range status {
			if st.LastError != "" {
				failing = append(failing, st.ID+": "+st.LastError)
			}
		}
		if len(failing) > 0 {
			return health.Check{Status: health.StatusDegraded, Message: strings.Join(failing, "; ")}
		}
		return health.Check{Status: health.StatusHealthy, Message: fmt.Sprintf("%d jobs scheduled", len(status))}
	})
	return c
}

// staleAfter allows three missed runs of spec before samples count as
// stale.
func staleAfter(spec string) time.Duration {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Minute
	}
	next := schedule.Next(time.Now())
	return max(3*schedule.Next(next).Sub(next), time.Minute)
}

// servePanel serves the API on the panel port and moves the listener when
// the port changes. The new port is bound before the old listener closes.
func servePanel(ctx context.Context, a *app, srv *api.Server) error {
	port := a.svc.PanelPort()
	ln, err := listenPanel(a.cfg.Panel.Listen, port)
	if err != nil {
		return err
	}

	for {
		srvCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func(ln net.Listener) { done <- srv.ServeListener(srvCtx, ln) }(ln)

		var next net.Listener
		for next == nil {
			select {
			case err := <-done:
				cancel()
				return err
			case <-ctx.Done():
				err := <-done
				cancel()
				return err
			case p := <-a.portChanges:
				if p == port {
					continue
				}
				l, err := listenPanel(a.cfg.Panel.Listen, p)
				if err != nil {
					a.logger.Error("cannot move panel listener, keeping the old port", "port", p, "error", err)
					continue
				}
				a.logger.Info("moving panel listener", "from", port, "to", p)
				next, port = l, p
			}
		}

		cancel()
		if err := <-done; err != nil {
			next.Close()
			return err
		}
		ln = next
	}
}

func listenPanel(host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
