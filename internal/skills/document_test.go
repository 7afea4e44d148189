package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/labclaw/internal/policy"
)

func writeDoc(t *testing.T, root, dir, contents string) {
	t.Helper()
	full := filepath.Join(root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(full, "SKILL.md"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
}

func TestParseDocument(t *testing.T) {
	d, err := ParseDocument([]byte("---\nname: plot-style\ndescription: House chart style\ncapability: fs_write\nlanguage: R\n---\n\nUse ggplot2 themes.\n"))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if d.Name != "plot-style" || d.Type != TypeDocument || d.Capability != CapFSWrite || d.Language != policy.R {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if d.Guidance != "Use ggplot2 themes." {
		t.Fatalf("unexpected guidance %q", d.Guidance)
	}
}

func TestParseDocument_Errors(t *testing.T) {
	cases := map[string]string{
		"no frontmatter": "just prose\n",
		"unclosed":       "---\nname: x\n",
		"missing name":   "---\ndescription: y\n---\nbody\n",
		"bad name":       "---\nname: ../etc\n---\n",
		"bad capability": "---\nname: x\ncapability: root\n---\n",
		"bad language":   "---\nname: x\nlanguage: cobol\n---\n",
		"malformed yaml": "---\nname: [unterminated\n---\n",
		"empty document": "",
	}
	for label, doc := range cases {
		if _, err := ParseDocument([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", label)
		}
	}
}

func TestParseDocument_CRLF(t *testing.T) {
	d, err := ParseDocument([]byte("---\r\nname: crlf\r\n---\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if d.Name != "crlf" {
		t.Fatalf("unexpected name %q", d.Name)
	}
}

func TestLoadDocuments_SkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "good", "---\nname: good\ndescription: fine\n---\nok\n")
	writeDoc(t, dir, "broken", "---\nname: broken\n")
	if err := os.MkdirAll(filepath.Join(dir, "empty-dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	docs, err := LoadDocuments(context.Background(), []string{dir, filepath.Join(dir, "missing")}, quietLogger())
	if len(docs) != 1 || docs[0].Name != "good" {
		t.Fatalf("expected only the good skill, got %+v", docs)
	}
	if err == nil || !strings.Contains(err.Error(), "unclosed frontmatter") {
		t.Fatalf("expected joined warning for the broken skill, got %v", err)
	}
	if !strings.HasSuffix(docs[0].Location, filepath.Join("good", "SKILL.md")) {
		t.Fatalf("unexpected location %q", docs[0].Location)
	}
}

func TestLoadDocuments_FirstDirWins(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()
	writeDoc(t, project, "dupe", "---\nname: dupe\ndescription: from project\n---\n")
	writeDoc(t, user, "dupe", "---\nname: DUPE\ndescription: from user\n---\n")

	docs, err := LoadDocuments(context.Background(), []string{project, user}, quietLogger())
	if err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].Description != "from project" {
		t.Fatalf("expected project copy to win, got %+v", docs)
	}
}
