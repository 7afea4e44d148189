package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SweepReport counts what a sweep removed.
type SweepReport struct {
	Staging int `json:"staging"`
	Orphans int `json:"orphans"`
}

// Sweep removes leftovers of interrupted writes: everything in staging/,
// objects without a live index row, and dataset files nothing points at.
func (s *Store) Sweep(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep SweepReport
	staging, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	if err != nil {
		return rep, fmt.Errorf("sweep staging: %w", err)
	}
	for _, ent := range staging {
		if err := os.RemoveAll(filepath.Join(s.root, stagingDir, ent.Name())); err == nil {
			rep.Staging++
		}
	}

	live, err := s.liveIDs(ctx, `SELECT id FROM artifacts WHERE tombstoned = 0;`)
	if err != nil {
		return rep, err
	}
	n, err := removeUnreferenced(filepath.Join(s.root, objectsDir), live)
	rep.Orphans += n
	if err != nil {
		return rep, err
	}

	datasets, err := s.liveIDs(ctx, `SELECT object FROM datasets;`)
	if err != nil {
		return rep, err
	}
	n, err = removeUnreferenced(filepath.Join(s.root, datasetsDir), datasets)
	rep.Orphans += n
	if err != nil {
		return rep, err
	}

	if rep.Staging > 0 || rep.Orphans > 0 {
		s.logger.Info("workspace: sweep removed leftovers", "staging", rep.Staging, "orphans", rep.Orphans)
	}
	return rep, nil
}

func (s *Store) liveIDs(ctx context.Context, q string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sweep index: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sweep index: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func removeUnreferenced(dir string, live map[string]bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", filepath.Base(dir), err)
	}
	removed := 0
	for _, ent := range entries {
		name := ent.Name()
		if live[name] && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
