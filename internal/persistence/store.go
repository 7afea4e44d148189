// Package persistence is the session store: sessions, their turns, the
// append-only step log of each turn, and the archive of compressed-away
// messages.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "lc-v1-2026-09-30-turn-log"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

var (
	ErrNotFound        = errors.New("not found")
	ErrTurnActive      = errors.New("session already has a running turn")
	ErrTurnClosed      = errors.New("turn is not running")
	ErrUnpairedResult  = errors.New("tool result has no matching tool call in this turn")
	ErrDuplicateCall   = errors.New("tool call id already used")
	ErrDuplicateResult = errors.New("tool call already has a result")
	ErrNegativeUsage   = errors.New("usage deltas must not be negative")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func DefaultDBPath(home string) string {
	return filepath.Join(home, "labclaw.db")
}

// OpenSQLite opens a sqlite database with the pragmas every labclaw
// database uses. A single connection serializes writers.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return db, nil
}

func Open(path string) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RetryOnBusy is retryOnBusy for other packages sharing the sqlite setup.
func RetryOnBusy(ctx context.Context, f func() error) error {
	return retryOnBusy(ctx, busyRetries, f)
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, up to
// maxRetries extra attempts, on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.RandomizationFactor = 0.25

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f()
		if err != nil && !isSQLiteBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1)))
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// EnsureSchema applies migrations to db under a ledger shared by callers of
// OpenSQLite. Versions are checked against their checksums so a database
// written by a different build fails loudly.
func EnsureSchema(ctx context.Context, db *sql.DB, version int, checksum string, statements []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > version {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, version)
	}
	if maxVersion == version {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, version).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != checksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", version, existing, checksum)
		}
		return tx.Commit()
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, version, checksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	return EnsureSchema(ctx, s.db, schemaVersionLatest, schemaChecksumLatest, []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micros INTEGER NOT NULL DEFAULT 0,
			archived_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			user_message TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('running', 'done', 'error')),
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			UNIQUE(session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			turn_id TEXT NOT NULL REFERENCES turns(id),
			seq INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('text', 'tool_call', 'tool_result', 'retrieval')),
			text TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			skill TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (turn_id, seq)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_tool_call ON steps(tool_call_id) WHERE kind = 'tool_call';`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_tool_result ON steps(tool_call_id) WHERE kind = 'tool_result';`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS archived_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			original_at INTEGER NOT NULL,
			archived_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_session ON archived_messages(session_id, id);`,
	})
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNano(n int64) time.Time { return time.Unix(0, n).UTC() }
