package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Info("info msg")
	if strings.Contains(buf.String(), "info msg") {
		t.Error("info should be filtered at warn level")
	}

	logger.Warn("warn msg")
	if !strings.Contains(buf.String(), "warn msg") {
		t.Error("warn should be logged")
	}

	buf.Reset()
	logger.SetLevel(LevelDebug)
	logger.Debug("debug msg")
	if !strings.Contains(buf.String(), "debug msg") {
		t.Error("debug should be logged after SetLevel")
	}
	if logger.GetLevel() != LevelDebug {
		t.Errorf("expected debug level, got %v", logger.GetLevel())
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	logger.WithComponent("reconciler").Info("pass complete")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["component"] != "reconciler" {
		t.Errorf("expected component=reconciler, got %v", entry["component"])
	}
}

func TestLogger_AuditSink(t *testing.T) {
	var main, audit bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &main, Audit: &audit})

	logger.WithComponent("api").Audit("whitelist.add", "203.0.113.9", map[string]any{"user": "admin"})

	if !strings.Contains(main.String(), "AUDIT") {
		t.Error("audit event missing from main output")
	}
	var entry map[string]any
	if err := json.Unmarshal(audit.Bytes(), &entry); err != nil {
		t.Fatalf("audit sink is not JSON: %v", err)
	}
	if entry["msg"] != "whitelist.add" || entry["resource"] != "203.0.113.9" || entry["user"] != "admin" {
		t.Errorf("unexpected audit entry: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"WARNING", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.err {
			t.Errorf("ParseLevel(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestOpenAuditLog(t *testing.T) {
	w, err := OpenAuditLog(AuditConfig{})
	if err != nil || w != nil {
		t.Fatalf("empty path should disable audit log, got %v, %v", w, err)
	}

	path := filepath.Join(t.TempDir(), "audit", "portgate-audit.log")
	w, err = OpenAuditLog(AuditConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("OpenAuditLog: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("{\"msg\":\"x\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("audit file not created: %v", err)
	}
}

func TestAuditLog_LimitAndExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portgate-audit.log")
	a, err := OpenAuditLog(AuditConfig{Path: path, MaxSizeMB: 5})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var empty bytes.Buffer
	if n, err := a.WriteTo(&empty); err != nil || n != 0 {
		t.Errorf("export before any write: n=%d err=%v", n, err)
	}

	line := []byte("{\"action\":\"whitelist.add\"}\n")
	if _, err := a.Write(line); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if _, err := a.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if out.String() != string(line) {
		t.Errorf("export = %q", out.String())
	}

	if err := a.SetMaxSizeMB(0); err == nil {
		t.Error("a zero limit should be rejected")
	}
	if err := a.SetMaxSizeMB(1); err != nil {
		t.Fatal(err)
	}
	if a.MaxSizeMB() != 1 {
		t.Errorf("MaxSizeMB = %d, want 1", a.MaxSizeMB())
	}
	if a.Path() != path {
		t.Errorf("Path = %q", a.Path())
	}
}

func TestAuditLog_ShrinkingLimitRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portgate-audit.log")
	a, err := OpenAuditLog(AuditConfig{Path: path, MaxSizeMB: 5, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	chunk := bytes.Repeat([]byte("x"), 64<<10)
	for written := 0; written <= 1<<20; written += len(chunk) {
		if _, err := a.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.SetMaxSizeMB(1); err != nil {
		t.Fatal(err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 0 {
		t.Errorf("expected a fresh file after rotation, size %d", st.Size())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected the active file and one backup, got %d entries", len(entries))
	}
}
