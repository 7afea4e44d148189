package sandbox

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/basket/labclaw/internal/policy"
)

// Work directory layout shared with the preludes.
const (
	inputsDir      = "inputs"
	plotsDir       = "plots"
	reportsDir     = "reports"
	resultFile     = "result.json"
	outputDataFile = "output.csv"
	tmpDir         = "tmp"
)

// Dataset is a table handed to or produced by the child as CSV.
type Dataset struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

var validDatasetName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,63}$`)

// ParseCSV builds a Dataset from CSV text with a header row.
func ParseCSV(name string, data []byte) (Dataset, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return Dataset{}, fmt.Errorf("parse csv %s: %w", name, err)
	}
	if len(records) == 0 {
		return Dataset{Name: name}, nil
	}
	return Dataset{Name: name, Columns: records[0], Rows: records[1:]}, nil
}

// CSV renders the dataset with a header row.
func (d Dataset) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(d.Columns); err != nil {
		return nil, err
	}
	if err := w.WriteAll(d.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// prepareWorkDir lays out a fresh work dir: inputs as CSV, the script with
// its language prelude, and empty plots/reports/tmp directories.
func prepareWorkDir(dir string, lang policy.Language, code string, inputs []Dataset) (string, error) {
	for _, sub := range []string{inputsDir, plotsDir, reportsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return "", fmt.Errorf("create %s: %w", sub, err)
		}
	}
	seen := make(map[string]bool, len(inputs))
	for _, ds := range inputs {
		if !validDatasetName.MatchString(ds.Name) {
			return "", fmt.Errorf("invalid dataset name %q", ds.Name)
		}
		if seen[ds.Name] {
			return "", fmt.Errorf("duplicate dataset name %q", ds.Name)
		}
		seen[ds.Name] = true
		data, err := ds.CSV()
		if err != nil {
			return "", fmt.Errorf("encode dataset %s: %w", ds.Name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, inputsDir, ds.Name+".csv"), data, 0o600); err != nil {
			return "", fmt.Errorf("write dataset %s: %w", ds.Name, err)
		}
	}

	script := scriptName(lang)
	body := prelude(lang) + "\n" + code + "\n"
	if err := os.WriteFile(filepath.Join(dir, script), []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return script, nil
}

func scriptName(lang policy.Language) string {
	if lang == policy.R {
		return "main.R"
	}
	return "main.py"
}

func prelude(lang policy.Language) string {
	if lang == policy.R {
		return rPrelude
	}
	return pythonPrelude
}

const pythonPrelude = `INPUT_DIR = "inputs"
PLOTS_DIR = "plots"
REPORTS_DIR = "reports"


def load_dataset(name):
    import os.path
    import pandas
    return pandas.read_csv(os.path.join(INPUT_DIR, name + ".csv"))


def save_result(value):
    import json
    with open("result.json", "w") as f:
        json.dump(value, f, default=str)


def save_dataset(frame):
    frame.to_csv("output.csv", index=False)
`

const rPrelude = `INPUT_DIR <- "inputs"
PLOTS_DIR <- "plots"
REPORTS_DIR <- "reports"

load_dataset <- function(name) {
  utils::read.csv(file.path(INPUT_DIR, paste0(name, ".csv")), stringsAsFactors = FALSE)
}

save_result <- function(value) {
  if (!requireNamespace("jsonlite", quietly = TRUE)) stop("package jsonlite is required for save_result")
  jsonlite::write_json(value, "result.json", auto_unbox = TRUE, digits = NA)
}

save_dataset <- function(df) {
  utils::write.csv(df, "output.csv", row.names = FALSE)
}
`

// collectOutputs reads result.json, plots/, reports/ and output.csv back
// from the work dir after the child has exited.
func collectOutputs(dir string, res *Result) error {
	raw, err := os.ReadFile(filepath.Join(dir, resultFile))
	switch {
	case err == nil:
		if !json.Valid(raw) {
			return fmt.Errorf("result descriptor is not valid JSON")
		}
		res.Structured = json.RawMessage(bytes.TrimSpace(raw))
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read result descriptor: %w", err)
	}

	for _, folder := range []string{plotsDir, reportsDir} {
		files, err := readFolder(filepath.Join(dir, folder), folder)
		if err != nil {
			return err
		}
		res.Files = append(res.Files, files...)
	}

	data, err := os.ReadFile(filepath.Join(dir, outputDataFile))
	switch {
	case err == nil:
		ds, err := ParseCSV("output", data)
		if err != nil {
			return err
		}
		res.OutputDataset = &ds
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read output dataset: %w", err)
	}
	return nil
}

// readFolder returns regular files directly inside dir, sorted by name.
// Symlinks are ignored so the child cannot point the parent at host files.
func readFolder(dir, folder string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", folder, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []File
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", folder, e.Name(), err)
		}
		out = append(out, File{
			Name:    e.Name(),
			Folder:  folder,
			MIME:    mimeFor(e.Name()),
			Content: content,
		})
	}
	return out, nil
}

func mimeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.Index(t, ";"); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}
