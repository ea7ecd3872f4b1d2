// Package backup implements the backup/corruption supervisor: a timer loop
// that rotates file-level snapshots of every registered KV table and reacts
// to corruption reports by attempting an in-place repair, falling back to
// the most recent snapshot.
//
// Same util.SafeGo-launched "panic-safe ticking goroutine" shape as
// internal/reaper and the mailbox eviction loop.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentcom/hub/pkg/logger"
	"github.com/agentcom/hub/pkg/util"
)

// Compactor is the subset of *kvstore.Store the supervisor depends on.
// Kept as an interface so tests can exercise restore/repair logic without
// a real sqlite file.
type Compactor interface {
	Compact(ctx context.Context, forceRepair bool) error
	Close() error
}

type tableHandle struct {
	name  string
	path  string
	store Compactor
}

// Supervisor runs the periodic backup loop and handles corruption reports.
type Supervisor struct {
	mu        sync.Mutex
	tables    map[string]*tableHandle
	backupDir string
	keepLast  int
	interval  time.Duration
	limiter   *rate.Limiter

	cancel context.CancelFunc
}

// New creates a Supervisor that snapshots into backupDir every interval,
// keeping the last keepLast generations per table. The limiter paces the
// per-table copy loop so a backup sweep over many large tables doesn't
// saturate disk I/O in one burst.
func New(backupDir string, interval time.Duration, keepLast int) *Supervisor {
	return &Supervisor{
		tables:    make(map[string]*tableHandle),
		backupDir: backupDir,
		keepLast:  keepLast,
		interval:  interval,
		limiter:   rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

// RegisterTable adds a table to the backup rotation. store may be nil if the
// caller only wants file copies without repair-on-corruption support.
func (s *Supervisor) RegisterTable(name, path string, store Compactor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = &tableHandle{name: name, path: path, store: store}
}

// Start launches the periodic backup timer loop in the background.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	util.SafeGo(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ForceBackup(ctx)
			}
		}
	})
}

// Stop halts the backup timer loop.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// ForceBackup immediately snapshots every registered table.
func (s *Supervisor) ForceBackup(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*tableHandle, 0, len(s.tables))
	for _, h := range s.tables {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.snapshot(h); err != nil {
			logger.Error("backup snapshot failed",
				logger.FieldTable, h.name,
				logger.FieldError, err,
			)
		}
	}
}

// NotifyCorruption is the async handler the KV store invokes on detecting
// corruption: it first attempts a forced repair on the still-open store,
// and if repair fails it calls Restore, which closes the table's store and
// replaces its file with the latest snapshot.
func (s *Supervisor) NotifyCorruption(name, reason string) {
	logger.Warn("corruption reported",
		logger.FieldTable, name,
		"reason", reason,
	)

	s.mu.Lock()
	h, ok := s.tables[name]
	s.mu.Unlock()
	if !ok {
		logger.Error("corruption reported for unregistered table", logger.FieldTable, name)
		return
	}

	if h.store != nil {
		if err := h.store.Compact(context.Background(), true); err == nil {
			logger.Info("corruption repaired in place", logger.FieldTable, name)
			return
		}
	}

	if err := s.Restore(name); err != nil {
		logger.Error("restore after corruption failed",
			logger.FieldTable, name,
			logger.FieldError, err,
		)
	}
}

// Restore replaces the table's file with its most recent snapshot.
func (s *Supervisor) Restore(name string) error {
	s.mu.Lock()
	h, ok := s.tables[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("backup: unknown table %q", name)
	}

	gens, err := s.generations(name)
	if err != nil {
		return err
	}
	if len(gens) == 0 {
		return fmt.Errorf("backup: no snapshot available for %q", name)
	}
	latest := gens[len(gens)-1]

	if h.store != nil {
		_ = h.store.Close()
	}
	return copyFile(latest, h.path)
}

func (s *Supervisor) snapshot(h *tableHandle) error {
	if _, err := os.Stat(h.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	dir := filepath.Join(s.backupDir, h.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	dest := filepath.Join(dir, fmt.Sprintf("%s.%d.bak", h.name, time.Now().UnixNano()))
	if err := copyFile(h.path, dest); err != nil {
		return err
	}

	return s.rotate(h.name)
}

func (s *Supervisor) generations(name string) ([]string, error) {
	dir := filepath.Join(s.backupDir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *Supervisor) rotate(name string) error {
	files, err := s.generations(name)
	if err != nil {
		return err
	}
	if len(files) <= s.keepLast {
		return nil
	}
	for _, stale := range files[:len(files)-s.keepLast] {
		if err := os.Remove(stale); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
