package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/labclaw/internal/policy"
)

func TestParseCSV(t *testing.T) {
	ds, err := ParseCSV("scores", []byte("A,B\n1,2\n3,\"4,5\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ds.Columns) != 2 || len(ds.Rows) != 2 || ds.Rows[1][1] != "4,5" {
		t.Fatalf("unexpected dataset %+v", ds)
	}
	out, err := ds.CSV()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if string(out) != "A,B\n1,2\n3,\"4,5\"\n" {
		t.Fatalf("unexpected csv %q", out)
	}
}

func TestPrepareWorkDir_RejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	in := []Dataset{{Name: "a", Columns: []string{"x"}}, {Name: "a", Columns: []string{"y"}}}
	if _, err := prepareWorkDir(dir, policy.R, "x <- 1", in); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestPrepareWorkDir_RScript(t *testing.T) {
	dir := t.TempDir()
	script, err := prepareWorkDir(dir, policy.R, "print(1)", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if script != "main.R" {
		t.Fatalf("unexpected script %q", script)
	}
	for _, sub := range []string{"inputs", "plots", "reports", "tmp"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Fatalf("missing %s dir", sub)
		}
	}
}

func TestPrepareWorkDir_PythonPreludeKeepsImportsLocal(t *testing.T) {
	dir := t.TempDir()
	script, err := prepareWorkDir(dir, policy.Python, "print(1)", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	body, err := os.ReadFile(filepath.Join(dir, script))
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from ") {
			t.Fatalf("prelude binds a module at top level: %q", line)
		}
	}
	if !strings.HasSuffix(string(body), "\nprint(1)\n") {
		t.Fatalf("user code not appended: %q", body)
	}
}

func TestCollectOutputs_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := collectOutputs(dir, &Result{}); err == nil {
		t.Fatalf("expected invalid JSON error")
	}
}

func TestCollectOutputs_SkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "plots"), 0o700); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("host data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(dir, "plots", "leak.png")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	res := &Result{}
	if err := collectOutputs(dir, res); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(res.Files) != 0 {
		t.Fatalf("symlink should be ignored, got %+v", res.Files)
	}
}

func TestMimeFor(t *testing.T) {
	cases := map[string]string{
		"a.png":  "image/png",
		"r.md":   "text/markdown",
		"d.csv":  "text/csv",
		"x.zzzz": "application/octet-stream",
	}
	for name, want := range cases {
		if got := mimeFor(name); got != want {
			t.Errorf("mimeFor(%s) = %q, want %q", name, got, want)
		}
	}
}
