// Package state persists portgate's access model and traffic sample in a
// SQLite key-value store organized in buckets.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/portgate/internal/clock"
)

// Common errors
var (
	ErrNotFound    = errors.New("key not found")
	ErrStoreClosed = errors.New("store is closed")
)

// Store is a bucketed key-value store backed by SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	clock  clock.Clock
}

// Options configures the store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode for better concurrency
	Clock   clock.Clock // Optional time source
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{Path: path, WALMode: true}
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if dsn == "" {
		return nil, errors.New("state path is empty")
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		if opts.WALMode {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Store{db: db, clock: clk}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (bucket, key)
		);
	`)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Get returns the raw value stored under bucket/key.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM entries WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

// Set stores value under bucket/key, replacing any previous value.
func (s *Store) Set(ctx context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, value, s.clock.Now().UTC())
	return err
}

// Delete removes bucket/key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

// ListKeys returns the keys of a bucket in lexical order.
func (s *Store) ListKeys(ctx context.Context, bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdatedAt returns when bucket/key was last written.
func (s *Store) UpdatedAt(ctx context.Context, bucket, key string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, ErrStoreClosed
	}
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM entries WHERE bucket = ? AND key = ?`, bucket, key).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return ts, err
}

// GetJSON decodes the value under bucket/key into v.
func (s *Store) GetJSON(ctx context.Context, bucket, key string, v any) error {
	data, err := s.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under bucket/key.
func (s *Store) SetJSON(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return s.Set(ctx, bucket, key, data)
}
