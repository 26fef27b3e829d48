// Package kv implements the disk-backed key-value tables every
// stateful hub component sits on. Each logical table is a single
// SQLite file with one kv table, opened with a single writer.
package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/agentcom/agentcom/internal/metrics"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrCorrupted is returned when an operation hits table corruption.
// The caller must treat the operation as failed; repair proceeds
// asynchronously through the registered corruption hook.
var ErrCorrupted = errors.New("kv: table corrupted")

// CorruptionHook receives asynchronous corruption notifications.
type CorruptionHook func(table, reason string)

// Pair is a key/value row returned by Select.
type Pair struct {
	Key   string
	Value []byte
}

// Store is a single-writer keyed map persisted to one SQLite file.
// Not safe to Open twice concurrently on the same path.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	table     string
	onCorrupt CorruptionHook
	logger    *slog.Logger
}

// Open opens (or creates) the table file <dir>/<table>/<table>.db and
// runs schema migrations. Each table gets its own directory so its
// WAL and sidecar files stay grouped.
func Open(dir, table string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, table), 0o750); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}
	path := filepath.Join(dir, table, table+".db")

	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", table, err)
	}

	return &Store{
		db:     db,
		path:   path,
		table:  table,
		logger: slog.With("component", "kv", "table", table),
	}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent readers; FULL sync so every committed Put is
	// durable, which is the table contract.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Path returns the table's on-disk file path.
func (s *Store) Path() string { return s.path }

// Table returns the logical table name.
func (s *Store) Table() string { return s.table }

// SetCorruptionHook registers the hook invoked (on its own goroutine)
// whenever an operation detects corruption.
func (s *Store) SetCorruptionHook(fn CorruptionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCorrupt = fn
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v []byte
	err := s.db.QueryRow("SELECT v FROM kv WHERE k = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.fail("get", err)
	}
	return v, nil
}

// Put stores value under key, replacing any existing value. The write
// is synced to disk before Put returns.
func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		key, value,
	); err != nil {
		return s.fail("put", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM kv WHERE k = ?", key); err != nil {
		return s.fail("delete", err)
	}
	return nil
}

// ForEach calls fn for every key/value pair in key order. Iteration
// stops at the first error returned by fn.
func (s *Store) ForEach(fn func(key string, value []byte) error) error {
	pairs, err := s.Select("")
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := fn(p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// Select returns all pairs whose key starts with prefix, ordered by
// key. An empty prefix selects the whole table.
func (s *Store) Select(prefix string) ([]Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rows *sql.Rows
		err  error
	)
	if prefix == "" {
		rows, err = s.db.Query("SELECT k, v FROM kv ORDER BY k")
	} else {
		// Upper bound excludes keys past the prefix range; \xff sorts
		// after every byte that can appear in our keys.
		rows, err = s.db.Query(
			"SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k",
			prefix, prefix+"\xff",
		)
	}
	if err != nil {
		return nil, s.fail("select", err)
	}
	defer func() { _ = rows.Close() }()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, s.fail("select", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("select", err)
	}
	return pairs, nil
}

// Sync checkpoints the WAL into the main database file.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return s.fail("sync", err)
	}
	return nil
}

// Compact reclaims space and, when forceRepair is set, rebuilds
// indexes before verifying integrity. A failed integrity check after
// repair is reported as corruption.
func (s *Store) Compact(forceRepair bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if forceRepair {
		if _, err := s.db.Exec("REINDEX"); err != nil {
			return s.fail("compact", err)
		}
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return s.fail("compact", err)
	}

	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return s.fail("compact", err)
	}
	if result != "ok" {
		return s.fail("compact", fmt.Errorf("integrity check: %s", result))
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Reopen closes and reopens the table file. Used by the backup
// supervisor after restoring from a backup.
func (s *Store) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.db.Close()
	db, err := open(s.path)
	if err != nil {
		return err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	s.db = db
	return nil
}

// fail classifies an operation error: corruption is logged, escalated
// asynchronously, and surfaced as ErrCorrupted; everything else is
// wrapped as-is. Callers must hold s.mu.
func (s *Store) fail(op string, err error) error {
	if !isCorruption(err) {
		return fmt.Errorf("%s %s: %w", op, s.table, err)
	}

	reason := err.Error()
	s.logger.Error("table corruption detected", "op", op, "reason", reason)
	metrics.CorruptionEvents.WithLabelValues(s.table).Inc()

	if hook := s.onCorrupt; hook != nil {
		table := s.table
		go hook(table, reason)
	}
	return fmt.Errorf("%s %s: %w", op, s.table, ErrCorrupted)
}

// isCorruption reports whether err looks like SQLite file corruption
// rather than an ordinary query failure.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "integrity check") ||
		strings.Contains(msg, "database corruption")
}
