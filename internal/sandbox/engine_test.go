package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/shared"
)

// fakeRunner simulates a child process by acting on the work dir directly.
type fakeRunner struct {
	spawns   atomic.Int64
	mu       sync.Mutex
	workDirs []string
	missing  map[policy.Language]bool
	run      func(ctx context.Context, spec Spec) (Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	f.spawns.Add(1)
	f.mu.Lock()
	f.workDirs = append(f.workDirs, spec.WorkDir)
	f.mu.Unlock()
	if f.run == nil {
		return Outcome{}, nil
	}
	return f.run(ctx, spec)
}

func (f *fakeRunner) Probe(_ context.Context, lang policy.Language, _ string) (string, error) {
	if f.missing[lang] {
		return "", errors.New("not installed")
	}
	return string(lang) + " 1.0", nil
}

func newTestEngine(t *testing.T, r Runner) *Engine {
	t.Helper()
	return New(Config{WorkRoot: t.TempDir(), Timeout: 2 * time.Second}, r, policy.Default(), nil)
}

func expectKind(t *testing.T, err error, want shared.Kind) *shared.Error {
	t.Helper()
	var kerr *shared.Error
	if !errors.As(err, &kerr) {
		t.Fatalf("expected *shared.Error of kind %s, got %v", want, err)
	}
	if kerr.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, kerr.Kind, err)
	}
	return kerr
}

func TestExecute_PolicyDeniedNeverSpawns(t *testing.T) {
	r := &fakeRunner{}
	e := newTestEngine(t, r)

	res, err := e.Execute(context.Background(), Request{Language: policy.Python, Code: "import socket\n"})
	kerr := expectKind(t, err, shared.KindPolicyDenied)
	if kerr.Rule != "python.import" {
		t.Fatalf("expected rule python.import, got %s", kerr.Rule)
	}
	if !strings.Contains(kerr.Message, "socket") {
		t.Fatalf("expected reason to reference socket, got %q", kerr.Message)
	}
	if res == nil || res.Decision.Allowed {
		t.Fatalf("expected a deny decision on the result, got %+v", res)
	}
	if got := r.spawns.Load(); got != 0 {
		t.Fatalf("expected zero spawns, got %d", got)
	}
}

func TestExecute_FilesystemHandoff(t *testing.T) {
	r := &fakeRunner{run: func(_ context.Context, spec Spec) (Outcome, error) {
		data, err := os.ReadFile(filepath.Join(spec.WorkDir, "inputs", "scores.csv"))
		if err != nil {
			return Outcome{ExitCode: 1, Stderr: err.Error()}, nil
		}
		if !strings.HasPrefix(string(data), "A,B\n") {
			return Outcome{ExitCode: 1, Stderr: "bad header"}, nil
		}
		script, _ := os.ReadFile(filepath.Join(spec.WorkDir, spec.Args[len(spec.Args)-1]))
		if !strings.Contains(string(script), "def save_result") || !strings.Contains(string(script), "print('hi')") {
			return Outcome{ExitCode: 1, Stderr: "prelude missing"}, nil
		}
		_ = os.WriteFile(filepath.Join(spec.WorkDir, "result.json"), []byte(`{"p_value": 0.031}`), 0o600)
		_ = os.WriteFile(filepath.Join(spec.WorkDir, "plots", "box.png"), []byte("\x89PNG"), 0o600)
		_ = os.WriteFile(filepath.Join(spec.WorkDir, "reports", "summary.md"), []byte("# ok"), 0o600)
		_ = os.WriteFile(filepath.Join(spec.WorkDir, "output.csv"), []byte("diff\n0.5\n"), 0o600)
		return Outcome{Stdout: "hi\n"}, nil
	}}
	e := newTestEngine(t, r)

	res, err := e.Execute(context.Background(), Request{
		Language: policy.Python,
		Code:     "print('hi')",
		Inputs:   []Dataset{{Name: "scores", Columns: []string{"A", "B"}, Rows: [][]string{{"1", "2"}, {"3", "4"}}}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res.Structured) != `{"p_value": 0.031}` {
		t.Fatalf("unexpected structured result %s", res.Structured)
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(res.Files))
	}
	if res.Files[0].Name != "box.png" || res.Files[0].MIME != "image/png" || res.Files[0].Folder != "plots" {
		t.Fatalf("unexpected plot file %+v", res.Files[0])
	}
	if res.Files[1].MIME != "text/markdown" {
		t.Fatalf("unexpected report mime %q", res.Files[1].MIME)
	}
	if res.OutputDataset == nil || res.OutputDataset.Columns[0] != "diff" || len(res.OutputDataset.Rows) != 1 {
		t.Fatalf("unexpected output dataset %+v", res.OutputDataset)
	}
	if res.ExitCode != 0 || res.Stdout != "hi\n" {
		t.Fatalf("unexpected exit/stdout: %d %q", res.ExitCode, res.Stdout)
	}
}

func TestExecute_FreshWorkDirPerCall(t *testing.T) {
	r := &fakeRunner{run: func(_ context.Context, spec Spec) (Outcome, error) {
		if _, err := os.Stat(filepath.Join(spec.WorkDir, "leftover.txt")); err == nil {
			return Outcome{ExitCode: 1, Stderr: "state leaked"}, nil
		}
		_ = os.WriteFile(filepath.Join(spec.WorkDir, "leftover.txt"), []byte("x"), 0o600)
		return Outcome{}, nil
	}}
	e := newTestEngine(t, r)
	for i := 0; i < 2; i++ {
		if _, err := e.Execute(context.Background(), Request{Language: policy.Python, Code: "x = 1"}); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if r.workDirs[0] == r.workDirs[1] {
		t.Fatalf("expected distinct work dirs")
	}
	for _, d := range r.workDirs {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Fatalf("expected work dir %s removed", d)
		}
	}
}

func TestExecute_TimeoutIsDistinct(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, _ Spec) (Outcome, error) {
		<-ctx.Done()
		return Outcome{ExitCode: -1}, ctx.Err()
	}}
	e := newTestEngine(t, r)

	start := time.Now()
	_, err := e.Execute(context.Background(), Request{Language: policy.Python, Code: "x = 1", Timeout: 50 * time.Millisecond})
	expectKind(t, err, shared.KindSandboxTimeout)
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long")
	}
}

func TestExecute_RuntimeError(t *testing.T) {
	r := &fakeRunner{run: func(_ context.Context, spec Spec) (Outcome, error) {
		return Outcome{ExitCode: 1, Stderr: "Traceback (most recent call last):\n  File \"" + spec.WorkDir + "/main.py\", line 30\nValueError: columns differ in length"}, nil
	}}
	e := newTestEngine(t, r)

	_, err := e.Execute(context.Background(), Request{Language: policy.Python, Code: "x = 1"})
	kerr := expectKind(t, err, shared.KindSandboxRuntime)
	msg := shared.UserMessage(kerr)
	if !strings.Contains(msg, "ValueError: columns differ in length") {
		t.Fatalf("expected exception text, got %q", msg)
	}
	if strings.Contains(msg, "main.py") {
		t.Fatalf("expected no file paths in user message, got %q", msg)
	}
}

func TestExecute_ParentCancel(t *testing.T) {
	started := make(chan struct{})
	r := &fakeRunner{run: func(ctx context.Context, _ Spec) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{ExitCode: -1}, ctx.Err()
	}}
	e := newTestEngine(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := e.Execute(ctx, Request{Language: policy.R, Code: "x <- 1"})
	expectKind(t, err, shared.KindCancelled)
}

func TestExecute_MissingRuntime(t *testing.T) {
	r := &fakeRunner{missing: map[policy.Language]bool{policy.R: true}}
	e := newTestEngine(t, r)

	caps := e.Capabilities(context.Background())
	if caps[policy.R].Available || !caps[policy.Python].Available {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
	if e.Available(policy.R) {
		t.Fatalf("expected R unavailable")
	}
	_, err := e.Execute(context.Background(), Request{Language: policy.R, Code: "x <- 1"})
	expectKind(t, err, shared.KindSandboxRuntime)
	if r.spawns.Load() != 0 {
		t.Fatalf("expected no spawn for missing runtime")
	}
}

func TestExecute_InvalidDatasetName(t *testing.T) {
	r := &fakeRunner{}
	e := newTestEngine(t, r)
	_, err := e.Execute(context.Background(), Request{
		Language: policy.Python,
		Code:     "x = 1",
		Inputs:   []Dataset{{Name: "../escape", Columns: []string{"a"}}},
	})
	expectKind(t, err, shared.KindInvalidInput)
	if r.spawns.Load() != 0 {
		t.Fatalf("expected no spawn")
	}
}

func TestExecute_RedactsSecretsFromOutput(t *testing.T) {
	r := &fakeRunner{run: func(context.Context, Spec) (Outcome, error) {
		return Outcome{
			Stdout: "n=12\napi_key=0123456789abcdef0123\n",
			Stderr: "warning: token: abcdefghijklmnopqrstuv",
		}, nil
	}}
	e := newTestEngine(t, r)

	res, err := e.Execute(context.Background(), Request{Language: policy.Python, Code: "print('n=12')\n"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(res.Stdout, "0123456789abcdef") || strings.Contains(res.Stderr, "abcdefghijklmnop") {
		t.Fatalf("secret survived: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if !strings.HasPrefix(res.Stdout, "n=12\n") || !strings.Contains(res.Stdout, "[REDACTED:api_key]") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestDescribeFailure_MissingPackage(t *testing.T) {
	got := describeFailure(policy.Python, "ModuleNotFoundError: No module named 'statsmodels'", 1)
	if !strings.Contains(got, `"statsmodels"`) || !strings.Contains(got, "not installed") {
		t.Fatalf("unexpected message %q", got)
	}
	got = describeFailure(policy.R, "Error in library(broom) : there is no package called ‘broom’", 1)
	if !strings.Contains(got, `"broom"`) {
		t.Fatalf("unexpected message %q", got)
	}
	if got := describeFailure(policy.R, "", 2); got != "script exited with status 2" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestMinimalEnv_NoSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-should-not-leak")
	for _, kv := range minimalEnv("/tmp/w") {
		if strings.HasPrefix(kv, "OPENAI_API_KEY=") {
			t.Fatalf("secret forwarded to child env")
		}
	}
}
