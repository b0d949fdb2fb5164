package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditConfig controls the rotating audit log file.
type AuditConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditLog is the size-rotated audit file. Its size limit can change while
// it is open.
type AuditLog struct {
	mu sync.Mutex
	lj *lumberjack.Logger
}

// OpenAuditLog returns the audit log for cfg. An empty path disables the
// audit file and returns nil.
func OpenAuditLog(cfg AuditConfig) (*AuditLog, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, err
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 5
	}
	return &AuditLog{lj: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}, nil
}

func (a *AuditLog) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lj.Write(p)
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lj.Close()
}

// Path returns the current audit file.
func (a *AuditLog) Path() string { return a.lj.Filename }

// MaxSizeMB returns the size at which the file is rotated.
func (a *AuditLog) MaxSizeMB() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lj.MaxSize
}

// SetMaxSizeMB changes the rotation size and rotates right away when the
// current file is already larger.
func (a *AuditLog) SetMaxSizeMB(mb int) error {
	if mb < 1 {
		return fmt.Errorf("audit log size must be at least 1 MB, got %d", mb)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lj.MaxSize = mb
	if st, err := os.Stat(a.lj.Filename); err == nil && st.Size() > int64(mb)<<20 {
		return a.lj.Rotate()
	}
	return nil
}

// WriteTo copies the current audit file to w. A file that was never
// written copies nothing.
func (a *AuditLog) WriteTo(w io.Writer) (int64, error) {
	a.mu.Lock()
	f, err := os.Open(a.lj.Filename)
	var size int64
	if err == nil {
		var st os.FileInfo
		if st, err = f.Stat(); err == nil {
			size = st.Size()
		}
	}
	a.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		if f != nil {
			f.Close()
		}
		return 0, err
	}
	defer f.Close()
	// Entries written after the snapshot of the size are left out, so the
	// export never ends in a torn line.
	return io.Copy(w, io.LimitReader(f, size))
}
