// Package api serves portgate's JSON HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/firewall"
	"grimm.is/portgate/internal/health"
	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/metrics"
	"grimm.is/portgate/internal/ratelimit"
	"grimm.is/portgate/internal/scanner"
	"grimm.is/portgate/internal/sockets"
	"grimm.is/portgate/internal/traffic"
)

// Panel is the service the API exposes. *panel.Service implements it.
type Panel interface {
	Whitelist() []string
	AddWhitelist(ctx context.Context, ip string) (firewall.Result, error)
	RemoveWhitelist(ctx context.Context, ip string) (firewall.Result, error)
	EnsureWhitelisted(ctx context.Context, ip string) (bool, error)
	ImportWhitelist(ctx context.Context, r io.Reader, format string) (int, firewall.Result, error)
	ExportWhitelist(w io.Writer, format string) error

	Forwards() []access.ForwardRule
	AddForward(ctx context.Context, rule access.ForwardRule) (firewall.Result, error)
	RemoveForward(ctx context.Context, srcPort int) (firewall.Result, error)

	PanelPort() int
	SetPanelPort(ctx context.Context, port int) (firewall.Result, error)
	NarrowPortToWhitelist(ctx context.Context, port int) (firewall.Result, error)
	Strictify(ctx context.Context) firewall.Result
	Reconcile(ctx context.Context) firewall.Result
	Rules(ctx context.Context) ([]string, error)
	Plan() []string
	Diff(ctx context.Context) (string, error)

	Scan(ctx context.Context, req scanner.Request) (*scanner.ScanResult, error)
	LastScan() *scanner.ScanResult
	SampleRate(ctx context.Context) (traffic.Reading, error)
	LatestRate() (traffic.Reading, bool)
	RateHistory() []traffic.Point

	Connections(ctx context.Context) ([]sockets.Conn, error)
	PortSearch(ctx context.Context, port int) ([]sockets.Conn, error)
	CheckDoH(ctx context.Context) ([]scanner.DoHResult, error)
	LogLimit() (int, error)
	SetLogLimit(ctx context.Context, mb int) error
	ExportLogs(w io.Writer) error
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Auth           AuthConfig
	MetricsPath    string          // empty disables /metrics
	Health         *health.Checker // served at /api/health/checks when set
	PushInterval   time.Duration
	MaxConnections int
	MaxBodyBytes   int64

	// MaxAuthFailures failed logins from one client within AuthLockout
	// lock it out until the window ends. Negative disables the lockout.
	MaxAuthFailures int
	AuthLockout     time.Duration

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig returns secure defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Auth:              AuthConfig{User: "admin", Realm: "portgate", AutoWhitelist: true},
		MetricsPath:       "/metrics",
		PushInterval:      2 * time.Second,
		MaxConnections:    256,
		MaxBodyBytes:      1 << 20,
		MaxAuthFailures:   10,
		AuthLockout:       10 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Scans may run for a while; the write deadline must outlast them.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
}

// Server is the API server.
type Server struct {
	panel   Panel
	cfg     ServerConfig
	auth    AuthConfig
	logger  *logging.Logger
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	start   time.Time
}

// NewServer creates a server. Zero config fields take their defaults.
func NewServer(p Panel, cfg ServerConfig, logger *logging.Logger) *Server {
	def := DefaultServerConfig()
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = def.PushInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxAuthFailures == 0 {
		cfg.MaxAuthFailures = def.MaxAuthFailures
	}
	if cfg.AuthLockout <= 0 {
		cfg.AuthLockout = def.AuthLockout
	}
	if cfg.Auth.Realm == "" {
		cfg.Auth.Realm = def.Auth.Realm
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		panel:   p,
		cfg:     cfg,
		auth:    cfg.Auth,
		logger:  logger.WithComponent("api"),
		metrics: metrics.Get(),
		limiter: ratelimit.New(cfg.MaxAuthFailures, cfg.AuthLockout, nil),
		start:   time.Now(),
	}
	if s.auth.PasswordHash == "" {
		s.logger.Warn("no password hash configured, API requests will be refused")
	}
	return s
}

// Handler returns the root handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.cfg.Health != nil {
		mux.HandleFunc("GET /api/health/checks", s.requireAuth(s.cfg.Health.Handler()))
	}

	mux.HandleFunc("GET /api/whitelist", s.requireAuth(s.handleListWhitelist))
	mux.HandleFunc("POST /api/whitelist", s.requireAuth(s.handleAddWhitelist))
	mux.HandleFunc("DELETE /api/whitelist/{ip}", s.requireAuth(s.handleRemoveWhitelist))
	mux.HandleFunc("POST /api/whitelist/import", s.requireAuth(s.handleImportWhitelist))
	mux.HandleFunc("GET /api/whitelist/export", s.requireAuth(s.handleExportWhitelist))

	mux.HandleFunc("GET /api/forwards", s.requireAuth(s.handleListForwards))
	mux.HandleFunc("POST /api/forwards", s.requireAuth(s.handleAddForward))
	mux.HandleFunc("DELETE /api/forwards/{src_port}", s.requireAuth(s.handleRemoveForward))

	mux.HandleFunc("GET /api/panel", s.requireAuth(s.handleGetPanel))
	mux.HandleFunc("PUT /api/panel", s.requireAuth(s.handleSetPanel))
	mux.HandleFunc("POST /api/ports/{port}/narrow", s.requireAuth(s.handleNarrow))
	mux.HandleFunc("POST /api/strictify", s.requireAuth(s.handleStrictify))
	mux.HandleFunc("POST /api/reconcile", s.requireAuth(s.handleReconcile))
	mux.HandleFunc("GET /api/rules", s.requireAuth(s.handleRules))
	mux.HandleFunc("GET /api/rules/plan", s.requireAuth(s.handlePlan))
	mux.HandleFunc("GET /api/rules/diff", s.requireAuth(s.handleDiff))

	mux.HandleFunc("POST /api/scan", s.requireAuth(s.handleScan))
	mux.HandleFunc("GET /api/scan/last", s.requireAuth(s.handleLastScan))
	mux.HandleFunc("GET /api/scan/ports", s.requireAuth(s.handleCommonPorts))

	mux.HandleFunc("GET /api/traffic", s.requireAuth(s.handleTraffic))
	mux.HandleFunc("GET /api/traffic/history", s.requireAuth(s.handleTrafficHistory))
	mux.HandleFunc("GET /api/traffic/ws", s.requireAuth(s.handleTrafficWS))

	mux.HandleFunc("GET /api/connections", s.requireAuth(s.handleConnections))
	mux.HandleFunc("GET /api/portsearch", s.requireAuth(s.handlePortSearch))
	mux.HandleFunc("GET /api/doh", s.requireAuth(s.handleDoH))
	mux.HandleFunc("GET /api/clientinfo", s.requireAuth(s.handleClientInfo))
	mux.HandleFunc("GET /api/speedtest/down", s.requireAuth(s.handleSpeedtestDown))
	mux.HandleFunc("POST "+speedtestUpPath, s.requireAuth(s.handleSpeedtestUp))

	mux.HandleFunc("GET /api/logs/export", s.requireAuth(s.handleExportLogs))
	mux.HandleFunc("GET /api/logs/limit", s.requireAuth(s.handleGetLogLimit))
	mux.HandleFunc("PUT /api/logs/limit", s.requireAuth(s.handleSetLogLimit))

	if s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, promhttp.Handler())
	}

	return s.loggingMiddleware(s.maxBodyMiddleware(s.cfg.MaxBodyBytes)(mux))
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln. The number of concurrent connections is
// capped at MaxConnections.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loggingMiddleware logs requests and records request metrics by route
// pattern.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()
		s.metrics.APILatency.WithLabelValues(route).Observe(duration.Seconds())

		if r.URL.Path == s.cfg.MetricsPath {
			return
		}
		level := logging.LevelInfo
		switch {
		case wrapped.statusCode >= 500:
			level = logging.LevelError
		case wrapped.statusCode >= 400:
			level = logging.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", duration.Round(time.Millisecond))
	})
}

// maxBodyMiddleware limits the size of request bodies.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The upload speed test sets its own, larger limit.
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions ||
				r.URL.Path == speedtestUpPath {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				WriteError(w, http.StatusRequestEntityTooLarge, "request entity too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
