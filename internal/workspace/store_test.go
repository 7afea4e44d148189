package workspace

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T, maxVersions int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Root:        t.TempDir(),
		MaxVersions: maxVersions,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s *Store, name, content string) Artifact {
	t.Helper()
	a, err := s.Put(context.Background(), ArtifactInput{
		SessionID: "sess-1", Name: name, Folder: "plots", MIME: "image/png", ToolCallID: "tc-" + content, Content: []byte(content),
	})
	if err != nil {
		t.Fatalf("put %s: %v", name, err)
	}
	return a
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := openTestStore(t, 3)
	content := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 255}
	a, err := s.Put(context.Background(), ArtifactInput{
		SessionID: "sess-1", Name: "box.png", Folder: "plots", MIME: "image/png", ToolCallID: "tc-1", Content: content,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if a.Version != 1 || a.Size != int64(len(content)) || a.ToolCallID != "tc-1" {
		t.Fatalf("unexpected artifact %+v", a)
	}
	got, data, err := s.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("content differs: %v vs %v", data, content)
	}
	if got.SHA256 != a.SHA256 || got.Name != "box.png" {
		t.Fatalf("unexpected stored artifact %+v", got)
	}
}

func TestPut_RejectsOrphans(t *testing.T) {
	s := openTestStore(t, 3)
	_, err := s.Put(context.Background(), ArtifactInput{SessionID: "sess-1", Name: "x.csv", Content: []byte("a")})
	if !errors.Is(err, ErrOrphan) {
		t.Fatalf("expected ErrOrphan, got %v", err)
	}
	_, err = s.Put(context.Background(), ArtifactInput{SessionID: "sess-1", Name: "../x", ToolCallID: "tc", Content: []byte("a")})
	if err == nil {
		t.Fatalf("expected invalid name error")
	}
}

func TestVersionCapEvictsExactlyOldest(t *testing.T) {
	s := openTestStore(t, 3)
	var all []Artifact
	for i := 1; i <= 4; i++ {
		all = append(all, put(t, s, "chart.png", fmt.Sprintf("v%d", i)))
	}
	versions, err := s.GetVersions(context.Background(), "sess-1", "chart.png")
	if err != nil {
		t.Fatalf("get versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 retained versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.Version != i+2 {
			t.Fatalf("expected versions 2..4, got %d at %d", v.Version, i)
		}
	}
	if _, _, err := s.Get(context.Background(), all[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected evicted version gone, got %v", err)
	}
	if _, err := os.Stat(s.objectPath(all[0].ID)); !os.IsNotExist(err) {
		t.Fatalf("expected evicted object removed from disk")
	}
	if _, data, err := s.Get(context.Background(), all[1].ID); err != nil || string(data) != "v2" {
		t.Fatalf("expected v2 readable, got %q %v", data, err)
	}
}

func TestDelete_Tombstone(t *testing.T) {
	s := openTestStore(t, 3)
	a := put(t, s, "report.md", "r1")
	if err := s.Delete(context.Background(), a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.Get(context.Background(), a.ID); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("expected ErrTombstoned, got %v", err)
	}
	if err := s.Delete(context.Background(), a.ID); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("expected ErrTombstoned on second delete, got %v", err)
	}
	if err := s.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// The id is never reused: the next version gets a new id and number.
	b := put(t, s, "report.md", "r2")
	if b.ID == a.ID || b.Version != 2 {
		t.Fatalf("unexpected next version %+v", b)
	}
	versions, _ := s.GetVersions(context.Background(), "sess-1", "report.md")
	if len(versions) != 2 || !versions[0].Tombstoned {
		t.Fatalf("expected tombstone kept in chain, got %+v", versions)
	}
	latest, err := s.Latest(context.Background(), "sess-1", "report.md")
	if err != nil || latest.ID != b.ID {
		t.Fatalf("expected latest live version, got %+v %v", latest, err)
	}
	live, _ := s.List(context.Background(), "sess-1")
	if len(live) != 1 {
		t.Fatalf("expected one live artifact, got %d", len(live))
	}
}

func TestSweep_RemovesUnindexedFiles(t *testing.T) {
	s := openTestStore(t, 3)
	a := put(t, s, "keep.png", "k")

	// Simulate a crash after publish but before the index commit, and one
	// during staging.
	if err := os.WriteFile(s.objectPath("crashed-object"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.root, stagingDir, "half.tmp"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	rep, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Staging != 1 || rep.Orphans != 1 {
		t.Fatalf("unexpected sweep report %+v", rep)
	}
	if _, data, err := s.Get(context.Background(), a.ID); err != nil || string(data) != "k" {
		t.Fatalf("indexed artifact damaged by sweep: %v", err)
	}
}

func TestOpen_SweepsOnStartup(t *testing.T) {
	root := t.TempDir()
	for _, sub := range []string{stagingDir, objectsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, objectsDir, "leftover"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(context.Background(), Config{Root: root, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Join(root, objectsDir, "leftover")); !os.IsNotExist(err) {
		t.Fatalf("expected leftover object removed at open")
	}
}

func TestBatchPackage(t *testing.T) {
	s := openTestStore(t, 3)
	a1 := put(t, s, "chart.png", "one")
	a2 := put(t, s, "chart.png", "two")

	blob, err := s.BatchPackage(context.Background(), []string{a1.ID, a2.ID, a1.ID})
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	files := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		files[f.Name] = string(data)
	}
	if files["plots/chart.v1.png"] != "one" || files["plots/chart.v2.png"] != "two" {
		t.Fatalf("unexpected entries %v", files)
	}
	var manifest packageManifest
	if err := json.Unmarshal([]byte(files["manifest.json"]), &manifest); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(manifest.Entries) != 2 || manifest.Entries[1].ID != a2.ID {
		t.Fatalf("unexpected manifest %+v", manifest)
	}

	_ = s.Delete(context.Background(), a1.ID)
	if _, err := s.BatchPackage(context.Background(), []string{a1.ID}); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("expected ErrTombstoned, got %v", err)
	}
}

func TestConcurrentPutsKeepChainConsistent(t *testing.T) {
	s := openTestStore(t, 50)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Put(context.Background(), ArtifactInput{
				SessionID: "sess-1", Name: "data.csv", Folder: "datasets", ToolCallID: fmt.Sprintf("tc-%d", i), Content: []byte{byte(i)},
			}); err != nil {
				t.Errorf("put %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	versions, _ := s.GetVersions(context.Background(), "sess-1", "data.csv")
	if len(versions) != 10 {
		t.Fatalf("expected 10 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Fatalf("version gap at %d: %d", i, v.Version)
		}
	}
}

func TestDatasets(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	if _, err := s.PutDataset(ctx, "sess-1", "scores", []byte("A,B\n1,2\n")); err != nil {
		t.Fatalf("put dataset: %v", err)
	}
	if _, err := s.PutDataset(ctx, "sess-1", "scores", []byte("A,B\n3,4\n")); err != nil {
		t.Fatalf("replace dataset: %v", err)
	}
	data, err := s.Dataset(ctx, "sess-1", "scores")
	if err != nil || string(data) != "A,B\n3,4\n" {
		t.Fatalf("unexpected dataset %q %v", data, err)
	}
	if _, err := s.Dataset(ctx, "sess-2", "scores"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected datasets scoped per session, got %v", err)
	}
	list, _ := s.ListDatasets(ctx, "sess-1")
	if len(list) != 1 || list[0].Size != 8 {
		t.Fatalf("unexpected list %+v", list)
	}
	entries, _ := os.ReadDir(filepath.Join(s.root, datasetsDir))
	if len(entries) != 1 {
		t.Fatalf("expected replaced dataset file removed, found %d files", len(entries))
	}
}
