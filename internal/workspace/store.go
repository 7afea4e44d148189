// Package workspace is the durable per-session artifact area. Every file is
// an immutable object on disk plus an index row in sqlite; a logical name
// maps to a bounded chain of versions.
package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/labclaw/internal/persistence"
)

const (
	schemaVersion  = 1
	schemaChecksum = "lc-ws-v1-2026-10-01-artifacts"

	defaultMaxVersions = 5

	stagingDir = "staging"
	objectsDir = "objects"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrTombstoned = errors.New("artifact has been deleted")
	// ErrOrphan rejects artifacts without a producing tool call.
	ErrOrphan = errors.New("artifact must reference the tool call that produced it")
)

type Config struct {
	Root        string
	MaxVersions int
	Logger      *slog.Logger
}

// Artifact is one version of a logical file.
type Artifact struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`
	Folder     string    `json:"folder"`
	MIME       string    `json:"mime"`
	Version    int       `json:"version"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	ToolCallID string    `json:"tool_call_id"`
	Tombstoned bool      `json:"tombstoned,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ArtifactInput struct {
	SessionID  string
	Name       string
	Folder     string
	MIME       string
	ToolCallID string
	Content    []byte
}

type Store struct {
	root        string
	db          *sql.DB
	maxVersions int
	logger      *slog.Logger

	// mu serializes version-chain mutation and sweeps.
	mu sync.Mutex
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("workspace root is required")
	}
	if cfg.MaxVersions <= 0 {
		cfg.MaxVersions = defaultMaxVersions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, sub := range []string{stagingDir, objectsDir, datasetsDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create workspace %s: %w", sub, err)
		}
	}
	db, err := persistence.OpenSQLite(filepath.Join(cfg.Root, "index.db"))
	if err != nil {
		return nil, err
	}
	if err := persistence.EnsureSchema(ctx, db, schemaVersion, schemaChecksum, []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			folder TEXT NOT NULL,
			mime TEXT NOT NULL,
			version INTEGER NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			tool_call_id TEXT NOT NULL CHECK(tool_call_id != ''),
			tombstoned INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, name, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_chain ON artifacts(session_id, name, version);`,
		`CREATE TABLE IF NOT EXISTS datasets (
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			object TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, name)
		);`,
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{root: cfg.Root, db: db, maxVersions: cfg.MaxVersions, logger: cfg.Logger}
	if _, err := s.Sweep(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) MaxVersions() int { return s.maxVersions }

func (s *Store) objectPath(id string) string {
	return filepath.Join(s.root, objectsDir, id)
}

func validateName(kind, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if strings.ContainsAny(v, `/\`) || v == "." || v == ".." || strings.ContainsRune(v, 0) {
		return fmt.Errorf("invalid %s %q", kind, v)
	}
	return nil
}

// Put stores a new version of in.Name. The object file is durable before
// the index row commits, so a crash leaves at worst an unindexed file that
// Sweep removes.
func (s *Store) Put(ctx context.Context, in ArtifactInput) (Artifact, error) {
	if in.ToolCallID == "" {
		return Artifact{}, ErrOrphan
	}
	if in.SessionID == "" {
		return Artifact{}, errors.New("put artifact: session id is required")
	}
	if err := validateName("name", in.Name); err != nil {
		return Artifact{}, fmt.Errorf("put artifact: %w", err)
	}
	if in.Folder == "" {
		in.Folder = "files"
	}
	if err := validateName("folder", in.Folder); err != nil {
		return Artifact{}, fmt.Errorf("put artifact: %w", err)
	}
	if in.MIME == "" {
		in.MIME = "application/octet-stream"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := Artifact{
		ID:         uuid.NewString(),
		SessionID:  in.SessionID,
		Name:       in.Name,
		Folder:     in.Folder,
		MIME:       in.MIME,
		Size:       int64(len(in.Content)),
		SHA256:     contentHash(in.Content),
		ToolCallID: in.ToolCallID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.writeObject(a.ID, in.Content); err != nil {
		return Artifact{}, fmt.Errorf("put artifact: %w", err)
	}

	var evicted []string
	err := persistence.RetryOnBusy(ctx, func() error {
		evicted = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE session_id = ? AND name = ?;`,
			a.SessionID, a.Name).Scan(&a.Version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, session_id, name, folder, mime, version, size, sha256, tool_call_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.SessionID, a.Name, a.Folder, a.MIME, a.Version, a.Size, a.SHA256, a.ToolCallID, a.CreatedAt.UnixNano()); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM artifacts WHERE session_id = ? AND name = ? ORDER BY version DESC LIMIT -1 OFFSET ?;
		`, a.SessionID, a.Name, s.maxVersions)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			evicted = append(evicted, id)
		}
		rows.Close()
		for _, id := range evicted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?;`, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		_ = os.Remove(s.objectPath(a.ID))
		return Artifact{}, fmt.Errorf("put artifact: index: %w", err)
	}
	for _, id := range evicted {
		if err := os.Remove(s.objectPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("workspace: evicted object not removed", "artifact_id", id, "error", err)
		}
	}
	s.logger.Info("workspace: artifact stored", "artifact_id", a.ID, "session_id", a.SessionID, "name", a.Name,
		"version", a.Version, "tool_call_id", a.ToolCallID, "evicted", len(evicted))
	return a, nil
}

// writeObject stages content, fsyncs it and renames it into objects/.
func (s *Store) writeObject(id string, content []byte) error {
	f, err := os.CreateTemp(filepath.Join(s.root, stagingDir), id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmp, s.objectPath(id)); err != nil {
		cleanup()
		return fmt.Errorf("publish object: %w", err)
	}
	syncDir(filepath.Join(s.root, objectsDir))
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

const artifactColumns = `SELECT id, session_id, name, folder, mime, version, size, sha256, tool_call_id, tombstoned, created_at FROM artifacts`

func scanArtifact(row interface{ Scan(...any) error }) (Artifact, error) {
	var a Artifact
	var tomb int
	var created int64
	err := row.Scan(&a.ID, &a.SessionID, &a.Name, &a.Folder, &a.MIME, &a.Version, &a.Size, &a.SHA256, &a.ToolCallID, &tomb, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	a.Tombstoned = tomb != 0
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func (s *Store) Stat(ctx context.Context, id string) (Artifact, error) {
	return scanArtifact(s.db.QueryRowContext(ctx, artifactColumns+` WHERE id = ?;`, id))
}

// Get returns the artifact and its content.
func (s *Store) Get(ctx context.Context, id string) (Artifact, []byte, error) {
	a, err := s.Stat(ctx, id)
	if err != nil {
		return Artifact{}, nil, err
	}
	if a.Tombstoned {
		return a, nil, ErrTombstoned
	}
	data, err := os.ReadFile(s.objectPath(id))
	if err != nil {
		return a, nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	return a, data, nil
}

// GetVersions lists the retained chain of a name, oldest first. Tombstoned
// versions stay in the chain, flagged.
func (s *Store) GetVersions(ctx context.Context, sessionID, name string) ([]Artifact, error) {
	return s.query(ctx, artifactColumns+` WHERE session_id = ? AND name = ? ORDER BY version;`, sessionID, name)
}

// Latest returns the newest live version of name.
func (s *Store) Latest(ctx context.Context, sessionID, name string) (Artifact, error) {
	return scanArtifact(s.db.QueryRowContext(ctx, artifactColumns+`
		WHERE session_id = ? AND name = ? AND tombstoned = 0 ORDER BY version DESC LIMIT 1;`, sessionID, name))
}

// List returns every live artifact of a session ordered by name and version.
func (s *Store) List(ctx context.Context, sessionID string) ([]Artifact, error) {
	return s.query(ctx, artifactColumns+` WHERE session_id = ? AND tombstoned = 0 ORDER BY name, version;`, sessionID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete tombstones an artifact and releases its content. The id stays
// reserved.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	err := persistence.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE artifacts SET tombstoned = 1 WHERE id = ? AND tombstoned = 0;`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if affected == 0 {
		if _, err := s.Stat(ctx, id); err != nil {
			return err
		}
		return ErrTombstoned
	}
	if err := os.Remove(s.objectPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("workspace: tombstoned object not removed", "artifact_id", id, "error", err)
	}
	return nil
}
