// Package kvstore implements the persistent, single-writer keyed-table
// substrate every other stateful component sits on top of: goals, tasks,
// mailbox entries, channel history, the thread index, config
// overrides, and the repo registry are all just tables in one of these stores.
//
// Each store is one sqlite database file (modernc.org/sqlite, one open
// connection, WAL journal mode) holding one table named after Open's table
// argument, `(k TEXT PRIMARY KEY, v BLOB NOT NULL)`, addressed by opaque keys; each owning component
// serializes its own JSON-encoded records into it.
package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	aerrors "github.com/agentcom/hub/pkg/errors"
	"github.com/agentcom/hub/pkg/logger"
)

// sqlite result codes relevant to corruption detection. modernc.org/sqlite
// wraps the underlying libsqlite3 codes in its *sqlite.Error but does not
// export stable constants for them, so we match on the codes embedded in
// the error text it produces ("SQLITE_CORRUPT", "SQLITE_NOTADB").
const (
	codeCorrupt = "SQLITE_CORRUPT"
	codeNotADB  = "SQLITE_NOTADB"
)

// CorruptionHandler is notified asynchronously whenever an operation on a
// table detects corruption. The Backup supervisor registers one of these
// per table via Store.OnCorruption.
type CorruptionHandler func(table, reason string)

// openRegistry guards against opening the same database file twice
// concurrently from within this process. Cross-process concurrent opens
// are sqlite's own problem (it takes an OS file lock).
var (
	openRegistryMu sync.Mutex
	openRegistry   = map[string]bool{}
)

// Store is a single logical table backed by one sqlite database file.
// Each Open claims the path in openRegistry, so two Stores can never
// share a file; one table per file.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	table     string
	onCorrupt CorruptionHandler
}

// Open opens (creating if absent) the sqlite-backed table at path/table.
// It is an error to Open the same path concurrently from two Stores in
// this process; Close releases the claim.
func Open(path, table string) (*Store, error) {
	openRegistryMu.Lock()
	if openRegistry[path] {
		openRegistryMu.Unlock()
		return nil, fmt.Errorf("kvstore: %s already open in this process", path)
	}
	openRegistry[path] = true
	openRegistryMu.Unlock()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		releasePath(path)
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; one conn avoids SQLITE_BUSY

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			releasePath(path)
			return nil, fmt.Errorf("kvstore: %s: %w", pragma, err)
		}
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (k TEXT PRIMARY KEY, v BLOB NOT NULL)`, table)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		releasePath(path)
		return nil, fmt.Errorf("kvstore: migrate %s: %w", table, err)
	}

	return &Store{db: db, path: path, table: table}, nil
}

func releasePath(path string) {
	openRegistryMu.Lock()
	delete(openRegistry, path)
	openRegistryMu.Unlock()
}

// OnCorruption registers the callback invoked (in its own goroutine)
// each time an operation detects corruption on this table.
func (s *Store) OnCorruption(fn CorruptionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCorrupt = fn
}

// Get returns the value for k, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, k string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v []byte
	q := fmt.Sprintf(`SELECT v FROM "%s" WHERE k = ?`, s.table)
	err := s.db.QueryRowContext(ctx, q, k).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.handleErr("Get", err)
	}
	return v, nil
}

// Put upserts k→v and syncs inline for durability.
func (s *Store) Put(ctx context.Context, k string, v []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := fmt.Sprintf(`INSERT INTO "%s" (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v`, s.table)
	if _, err := s.db.ExecContext(ctx, q, k, v); err != nil {
		return s.handleErr("Put", err)
	}
	return s.syncLocked(ctx)
}

// Delete removes k. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := fmt.Sprintf(`DELETE FROM "%s" WHERE k = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, q, k); err != nil {
		return s.handleErr("Delete", err)
	}
	return nil
}

// FoldFunc folds one (key, value) pair into an accumulator.
type FoldFunc func(k string, v []byte, acc any) (any, error)

// Fold walks every entry in unspecified order, threading acc through fn.
func (s *Store) Fold(ctx context.Context, fn FoldFunc, acc any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := fmt.Sprintf(`SELECT k, v FROM "%s"`, s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return acc, s.handleErr("Fold", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return acc, s.handleErr("Fold", err)
		}
		acc, err = fn(k, v, acc)
		if err != nil {
			return acc, err
		}
	}
	if err := rows.Err(); err != nil {
		return acc, s.handleErr("Fold", err)
	}
	return acc, nil
}

// MatchFunc decides whether a (key, value) pair belongs in a Select result.
type MatchFunc func(k string, v []byte) bool

// Select returns every entry for which match returns true.
func (s *Store) Select(ctx context.Context, match MatchFunc) (map[string][]byte, error) {
	out := map[string][]byte{}
	_, err := s.Fold(ctx, func(k string, v []byte, acc any) (any, error) {
		if match(k, v) {
			out[k] = v
		}
		return acc, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sync forces a WAL checkpoint so data is durable on disk.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

func (s *Store) syncLocked(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return s.handleErr("Sync", err)
	}
	return nil
}

// Compact reclaims space via VACUUM. When forceRepair is true it first
// attempts PRAGMA integrity_check and returns an error describing the
// failure (the caller — the Backup supervisor — is expected to fall back
// to Restore if this returns an error).
func (s *Store) Compact(ctx context.Context, forceRepair bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if forceRepair {
		var result string
		row := s.db.QueryRowContext(ctx, "PRAGMA integrity_check")
		if err := row.Scan(&result); err != nil {
			return s.handleErr("Compact", err)
		}
		if result != "ok" {
			return fmt.Errorf("kvstore: integrity_check failed on %s: %s", s.table, result)
		}
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return s.handleErr("Compact", err)
	}
	return nil
}

// Close releases the database handle and the path claim.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	releasePath(s.path)
	return err
}

// handleErr classifies err. On a corruption signature it logs, fires the
// registered corruption handler asynchronously, and returns ErrTableCorrupted
// wrapped with the original cause; otherwise it wraps err plainly.
func (s *Store) handleErr(op string, err error) error {
	if isCorruption(err) {
		logger.Error("kvstore detected corruption",
			logger.FieldTable, s.table,
			logger.FieldAction, op,
			logger.FieldError, err,
		)
		if s.onCorrupt != nil {
			handler := s.onCorrupt
			table := s.table
			reason := err.Error()
			go handler(table, reason)
		}
		return fmt.Errorf("%s %s: %w: %w", op, s.table, aerrors.ErrTableCorrupted, err)
	}
	return fmt.Errorf("kvstore: %s %s: %w", op, s.table, err)
}

func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, codeCorrupt) ||
		strings.Contains(msg, codeNotADB) ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database")
}
