package panel

import (
	"context"
	"errors"
	"fmt"
	"io"

	"grimm.is/portgate/internal/scanner"
	"grimm.is/portgate/internal/sockets"
)

// MaxLogLimitMB caps the audit log size that can be set at runtime.
const MaxLogLimitMB = 1024

// ErrInvalidLogLimit is returned for audit log sizes outside 1-MaxLogLimitMB.
var ErrInvalidLogLimit = errors.New("invalid log size limit")

// Sockets lists the host's sockets. *sockets.Inspector implements it.
type Sockets interface {
	Connections(ctx context.Context) ([]sockets.Conn, error)
	ByPort(ctx context.Context, port int) ([]sockets.Conn, error)
}

// DoHChecker checks DNS-over-HTTPS reachability. *scanner.DoHChecker
// implements it.
type DoHChecker interface {
	Check(ctx context.Context) []scanner.DoHResult
}

// AuditLog is the rotating audit file. *logging.AuditLog implements it.
type AuditLog interface {
	io.WriterTo
	MaxSizeMB() int
	SetMaxSizeMB(mb int) error
}

// SettingsStore is implemented by stores that persist runtime settings.
// Stores without it keep the setting until restart.
type SettingsStore interface {
	LoadLogLimit(ctx context.Context) (mb int, ok bool, err error)
	SaveLogLimit(ctx context.Context, mb int) error
}

// Connections lists every TCP and UDP socket with its owner.
func (s *Service) Connections(ctx context.Context) ([]sockets.Conn, error) {
	if s.sockets == nil {
		return nil, fmt.Errorf("sockets: %w", ErrUnavailable)
	}
	return s.sockets.Connections(ctx)
}

// PortSearch lists the sockets using port locally or remotely.
func (s *Service) PortSearch(ctx context.Context, port int) ([]sockets.Conn, error) {
	if s.sockets == nil {
		return nil, fmt.Errorf("sockets: %w", ErrUnavailable)
	}
	return s.sockets.ByPort(ctx, port)
}

// CheckDoH queries the configured DNS-over-HTTPS resolvers.
func (s *Service) CheckDoH(ctx context.Context) ([]scanner.DoHResult, error) {
	if s.doh == nil {
		return nil, fmt.Errorf("doh: %w", ErrUnavailable)
	}
	return s.doh.Check(ctx), nil
}

// LogLimit returns the audit log rotation size in MB.
func (s *Service) LogLimit() (int, error) {
	if s.audit == nil {
		return 0, fmt.Errorf("audit log: %w", ErrUnavailable)
	}
	return s.audit.MaxSizeMB(), nil
}

// SetLogLimit changes the audit log rotation size and persists it. The new
// size applies even when saving fails; ErrNotPersisted is returned then.
func (s *Service) SetLogLimit(ctx context.Context, mb int) error {
	if mb < 1 || mb > MaxLogLimitMB {
		return fmt.Errorf("%w: %d MB", ErrInvalidLogLimit, mb)
	}
	if s.audit == nil {
		return fmt.Errorf("audit log: %w", ErrUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.audit.SetMaxSizeMB(mb); err != nil {
		return err
	}
	s.logger.Audit("log.limit", "audit", map[string]any{"max_size_mb": mb})
	if st, ok := s.store.(SettingsStore); ok {
		if err := st.SaveLogLimit(ctx, mb); err != nil {
			s.logger.Error("failed to save log limit", "error", err)
			return fmt.Errorf("%w: %v", ErrNotPersisted, err)
		}
	}
	return nil
}

// ExportLogs copies the audit log to w.
func (s *Service) ExportLogs(w io.Writer) error {
	if s.audit == nil {
		return fmt.Errorf("audit log: %w", ErrUnavailable)
	}
	_, err := s.audit.WriteTo(w)
	return err
}

// restoreLogLimit applies a persisted audit log size. Callers must hold s.mu.
func (s *Service) restoreLogLimit(ctx context.Context) {
	st, ok := s.store.(SettingsStore)
	if !ok || s.audit == nil {
		return
	}
	mb, ok, err := st.LoadLogLimit(ctx)
	if err != nil {
		s.logger.Warn("failed to load log limit", "error", err)
		return
	}
	if !ok || mb == s.audit.MaxSizeMB() {
		return
	}
	if err := s.audit.SetMaxSizeMB(mb); err != nil {
		s.logger.Warn("ignoring saved log limit", "max_size_mb", mb, "error", err)
	}
}
