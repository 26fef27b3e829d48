// Package backup rotates on-disk table backups and drives the repair
// path when a table reports corruption.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/metrics"
)

// repairAttempts bounds Compact(forceRepair) retries before falling
// back to a backup restore.
const repairAttempts = 3

type report struct {
	table  string
	reason string
}

// Supervisor snapshots registered tables on a timer and handles
// asynchronous corruption reports.
type Supervisor struct {
	dir      string
	interval time.Duration
	keep     int

	mu     sync.Mutex
	tables map[string]*kv.Store

	reports chan report
	logger  *slog.Logger
}

// New creates a Supervisor writing rotating backups under dir,
// keeping the last keep snapshots per table.
func New(dir string, interval time.Duration, keep int) *Supervisor {
	return &Supervisor{
		dir:      dir,
		interval: interval,
		keep:     keep,
		tables:   make(map[string]*kv.Store),
		reports:  make(chan report, 16),
		logger:   slog.With("component", "backup"),
	}
}

// Register adds a table to the backup rotation and wires its
// corruption hook to this supervisor.
func (s *Supervisor) Register(store *kv.Store) {
	s.mu.Lock()
	s.tables[store.Table()] = store
	s.mu.Unlock()

	store.SetCorruptionHook(s.NotifyCorruption)
}

// NotifyCorruption queues an asynchronous corruption report. Never
// blocks; a full queue drops the report (the next failing operation
// re-reports).
func (s *Supervisor) NotifyCorruption(table, reason string) {
	select {
	case s.reports <- report{table: table, reason: reason}:
	default:
		s.logger.Warn("corruption report queue full, dropping", "table", table)
	}
}

// Run drives the backup timer and corruption handling until ctx is
// cancelled. Sweep errors are logged, never surfaced.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ForceBackup(); err != nil {
				s.logger.Error("backup sweep failed", "error", err)
			}
		case r := <-s.reports:
			s.handleCorruption(ctx, r)
		}
	}
}

// ForceBackup snapshots every registered table immediately.
func (s *Supervisor) ForceBackup() error {
	for _, store := range s.snapshot() {
		if err := s.backupTable(store); err != nil {
			return fmt.Errorf("backup %s: %w", store.Table(), err)
		}
	}
	return nil
}

// Restore replaces the table file with the most recent backup and
// reopens the store.
func (s *Supervisor) Restore(table string) error {
	s.mu.Lock()
	store, ok := s.tables[table]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("restore: unknown table %q", table)
	}

	backups, err := s.listBackups(table)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return fmt.Errorf("restore %s: no backups available", table)
	}
	newest := backups[len(backups)-1]

	_ = store.Close()
	// WAL sidecars from the corrupted file must not survive the restore.
	_ = os.Remove(store.Path() + "-wal")
	_ = os.Remove(store.Path() + "-shm")
	if err := copyFile(newest, store.Path()); err != nil {
		return fmt.Errorf("restore %s: %w", table, err)
	}
	if err := store.Reopen(); err != nil {
		return fmt.Errorf("reopen %s after restore: %w", table, err)
	}

	metrics.BackupRestores.Inc()
	s.logger.Info("table restored from backup", "table", table, "backup", newest)
	return nil
}

func (s *Supervisor) snapshot() []*kv.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	stores := make([]*kv.Store, 0, len(s.tables))
	for _, st := range s.tables {
		stores = append(stores, st)
	}
	return stores
}

func (s *Supervisor) handleCorruption(ctx context.Context, r report) {
	s.logger.Warn("handling corruption report", "table", r.table, "reason", r.reason)

	s.mu.Lock()
	store, ok := s.tables[r.table]
	s.mu.Unlock()
	if !ok {
		s.logger.Error("corruption report for unregistered table", "table", r.table)
		return
	}

	// Repair in place first; a successful forced compact rewrites the
	// file and verifies integrity.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, store.Compact(true)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(repairAttempts))
	if err == nil {
		s.logger.Info("table repaired in place", "table", r.table)
		return
	}
	s.logger.Warn("in-place repair failed, restoring from backup", "table", r.table, "error", err)

	if err := s.Restore(r.table); err != nil {
		s.logger.Error("backup restore failed", "table", r.table, "error", err)
	}
}

func (s *Supervisor) backupTable(store *kv.Store) error {
	// Checkpoint so the main file contains every committed write.
	if err := store.Sync(); err != nil {
		return err
	}

	dir := filepath.Join(s.dir, store.Table())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.db", store.Table(), time.Now().UTC().Format("20060102T150405"))
	if err := copyFile(store.Path(), filepath.Join(dir, name)); err != nil {
		return err
	}
	metrics.BackupsTaken.Inc()

	return s.prune(store.Table())
}

func (s *Supervisor) prune(table string) error {
	backups, err := s.listBackups(table)
	if err != nil {
		return err
	}
	for len(backups) > s.keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// listBackups returns the table's backup files sorted oldest first.
// The timestamped names make lexical order chronological.
func (s *Supervisor) listBackups(table string) ([]string, error) {
	pattern := filepath.Join(s.dir, table, table+"-*.db")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
