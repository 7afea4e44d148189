package workspace

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type packageManifest struct {
	CreatedAt time.Time      `json:"created_at"`
	Entries   []packageEntry `json:"entries"`
}

type packageEntry struct {
	Path string `json:"path"`
	Artifact
}

// BatchPackage zips the given artifacts with a manifest.json. Entries are
// named <folder>/<base>.v<version><ext> so versions of one name coexist.
func (s *Store) BatchPackage(ctx context.Context, ids []string) ([]byte, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("batch package: no artifacts requested")
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	manifest := packageManifest{CreatedAt: time.Now().UTC()}
	seen := make(map[string]bool, len(ids))

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, data, err := s.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("batch package %s: %w", id, err)
		}
		path := entryPath(a)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: path, Method: zip.Deflate, Modified: a.CreatedAt})
		if err != nil {
			return nil, fmt.Errorf("batch package: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("batch package: %w", err)
		}
		manifest.Entries = append(manifest.Entries, packageEntry{Path: path, Artifact: a})
	}

	mw, err := zw.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("batch package: %w", err)
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return nil, fmt.Errorf("batch package manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("batch package: %w", err)
	}
	return buf.Bytes(), nil
}

func entryPath(a Artifact) string {
	ext := filepath.Ext(a.Name)
	base := strings.TrimSuffix(a.Name, ext)
	return fmt.Sprintf("%s/%s.v%d%s", a.Folder, base, a.Version, ext)
}
