package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/basket/labclaw/internal/persistence"
)

const datasetsDir = "datasets"

// DatasetInfo describes an uploaded input table. Uploads are inputs, not
// tool output, so they live outside the artifact version chains.
type DatasetInfo struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// PutDataset stores or replaces the CSV content of an uploaded dataset.
func (s *Store) PutDataset(ctx context.Context, sessionID, name string, csv []byte) (DatasetInfo, error) {
	if err := validateName("dataset name", name); err != nil {
		return DatasetInfo{}, err
	}
	if sessionID == "" {
		return DatasetInfo{}, errors.New("put dataset: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	object := uuid.NewString()
	path := filepath.Join(s.root, datasetsDir, object)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, csv, 0o600); err != nil {
		return DatasetInfo{}, fmt.Errorf("put dataset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return DatasetInfo{}, fmt.Errorf("put dataset: %w", err)
	}

	info := DatasetInfo{SessionID: sessionID, Name: name, Size: int64(len(csv)), CreatedAt: time.Now().UTC()}
	var previous string
	err := persistence.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		previous = ""
		err = tx.QueryRowContext(ctx, `SELECT object FROM datasets WHERE session_id = ? AND name = ?;`, sessionID, name).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO datasets (session_id, name, object, size, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, name) DO UPDATE SET object = excluded.object, size = excluded.size, created_at = excluded.created_at;
		`, sessionID, name, object, info.Size, info.CreatedAt.UnixNano()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		_ = os.Remove(path)
		return DatasetInfo{}, fmt.Errorf("put dataset: index: %w", err)
	}
	if previous != "" {
		_ = os.Remove(filepath.Join(s.root, datasetsDir, previous))
	}
	return info, nil
}

// Dataset returns the CSV content of an uploaded dataset.
func (s *Store) Dataset(ctx context.Context, sessionID, name string) ([]byte, error) {
	var object string
	err := s.db.QueryRowContext(ctx, `SELECT object FROM datasets WHERE session_id = ? AND name = ?;`, sessionID, name).Scan(&object)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup dataset: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(s.root, datasetsDir, object))
	if err != nil {
		return nil, fmt.Errorf("read dataset %q: %w", name, err)
	}
	return data, nil
}

func (s *Store) ListDatasets(ctx context.Context, sessionID string) ([]DatasetInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, name, size, created_at FROM datasets WHERE session_id = ? ORDER BY name;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()
	var out []DatasetInfo
	for rows.Next() {
		var d DatasetInfo
		var created int64
		if err := rows.Scan(&d.SessionID, &d.Name, &d.Size, &created); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		d.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
