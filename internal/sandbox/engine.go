package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/labclaw/internal/audit"
	otelpkg "github.com/basket/labclaw/internal/otel"
	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/safety"
	"github.com/basket/labclaw/internal/shared"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 256 * 1024
)

// Interpreter is the command used to run a script file of one language.
// The script file name is appended to Args.
type Interpreter struct {
	Path string
	Args []string
}

type Config struct {
	// WorkRoot holds one fresh directory per execution.
	WorkRoot       string
	Timeout        time.Duration
	MaxOutputBytes int
	// KeepWorkDirs leaves work dirs in place for debugging.
	KeepWorkDirs bool
	Interpreters map[policy.Language]Interpreter
}

// DefaultInterpreters runs Python isolated from user site-packages and R
// without profile or site files.
func DefaultInterpreters() map[policy.Language]Interpreter {
	return map[policy.Language]Interpreter{
		policy.Python: {Path: "python3", Args: []string{"-I"}},
		policy.R:      {Path: "Rscript", Args: []string{"--vanilla"}},
	}
}

// Capability is the startup-time availability of one language runtime.
type Capability struct {
	Language  policy.Language `json:"language"`
	Available bool            `json:"available"`
	Version   string          `json:"version,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Engine applies the static policy, prepares the work dir and delegates the
// child process to a Runner.
type Engine struct {
	cfg     Config
	runner  Runner
	policy  policy.Checker
	logger  *slog.Logger
	metrics *otelpkg.Metrics

	capMu sync.RWMutex
	caps  map[policy.Language]Capability
}

func New(cfg Config, runner Runner, checker policy.Checker, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "labclaw-sandbox")
	}
	if len(cfg.Interpreters) == 0 {
		cfg.Interpreters = DefaultInterpreters()
	}
	if checker == nil {
		checker = policy.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, runner: runner, policy: checker, logger: logger}
}

func (e *Engine) SetMetrics(m *otelpkg.Metrics) { e.metrics = m }

// Timeout returns the default wall-clock bound.
func (e *Engine) Timeout() time.Duration { return e.cfg.Timeout }

// Capabilities probes every configured runtime once and caches the answer.
func (e *Engine) Capabilities(ctx context.Context) map[policy.Language]Capability {
	e.capMu.RLock()
	cached := e.caps
	e.capMu.RUnlock()
	if cached != nil {
		return copyCaps(cached)
	}
	return e.RefreshCapabilities(ctx)
}

// RefreshCapabilities re-probes all runtimes.
func (e *Engine) RefreshCapabilities(ctx context.Context) map[policy.Language]Capability {
	caps := make(map[policy.Language]Capability, len(e.cfg.Interpreters))
	for lang, interp := range e.cfg.Interpreters {
		c := Capability{Language: lang}
		version, err := e.runner.Probe(ctx, lang, interp.Path)
		if err != nil {
			c.Error = err.Error()
			e.logger.Warn("sandbox: runtime unavailable", "language", lang, "error", err)
		} else {
			c.Available = true
			c.Version = version
			e.logger.Info("sandbox: runtime available", "language", lang, "version", version)
		}
		caps[lang] = c
	}
	e.capMu.Lock()
	e.caps = caps
	e.capMu.Unlock()
	return copyCaps(caps)
}

// Available reports the cached capability for lang. Unprobed languages are
// reported unavailable.
func (e *Engine) Available(lang policy.Language) bool {
	e.capMu.RLock()
	defer e.capMu.RUnlock()
	return e.caps[lang].Available
}

func copyCaps(in map[policy.Language]Capability) map[policy.Language]Capability {
	out := make(map[policy.Language]Capability, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Execute runs req.Code in a fresh child. The returned Result is non-nil
// whenever the policy check ran; errors are *shared.Error values.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	lang := req.Language
	interp, ok := e.cfg.Interpreters[lang]
	if !ok {
		return nil, shared.Errorf(shared.KindInvalidInput, "unsupported language %q", lang)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, shared.Errorf(shared.KindInvalidInput, "empty code")
	}

	ctx, span := otelpkg.StartSpan(ctx, "sandbox.execute", otelpkg.AttrLanguage.String(string(lang)))
	defer span.End()

	decision := e.policy.Check(lang, req.Code)
	res := &Result{Language: lang, Decision: decision, ExitCode: -1}
	if !decision.Allowed {
		audit.Record(ctx, "deny", "sandbox.execute", decision.Rule, decision.Reason, decision.PolicyVersion)
		e.metrics.RecordPolicyDenial(ctx, decision.Rule)
		e.logger.Info("sandbox: policy denied", "language", lang, "rule", decision.Rule,
			"session_id", shared.SessionID(ctx), "tool_call_id", shared.ToolCallID(ctx))
		return res, &shared.Error{Kind: shared.KindPolicyDenied, Message: decision.Reason, Rule: decision.Rule}
	}
	audit.Record(ctx, "allow", "sandbox.execute", "", decision.Reason, decision.PolicyVersion)

	e.capMu.RLock()
	c, probed := e.caps[lang]
	e.capMu.RUnlock()
	if probed && !c.Available {
		return res, shared.Errorf(shared.KindSandboxRuntime, "%s runtime is not available", lang)
	}

	if err := os.MkdirAll(e.cfg.WorkRoot, 0o700); err != nil {
		return res, shared.Wrap(shared.KindInternal, err, "prepare sandbox")
	}
	dir, err := os.MkdirTemp(e.cfg.WorkRoot, "run-")
	if err != nil {
		return res, shared.Wrap(shared.KindInternal, err, "prepare sandbox")
	}
	if !e.cfg.KeepWorkDirs {
		defer os.RemoveAll(dir)
	}
	script, err := prepareWorkDir(dir, lang, req.Code, req.Inputs)
	if err != nil {
		return res, shared.Wrap(shared.KindInvalidInput, err, "could not stage input datasets")
	}

	timeout := e.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := Spec{
		Language:    lang,
		Interpreter: interp.Path,
		Args:        append(append([]string(nil), interp.Args...), script),
		WorkDir:     dir,
		Env:         minimalEnv(dir),
		MaxOutput:   e.cfg.MaxOutputBytes,
	}
	start := time.Now()
	out, runErr := e.runner.Run(runCtx, spec)
	res.Duration = time.Since(start)
	res.ExitCode = out.ExitCode

	log := e.logger.With("language", lang, "duration_ms", res.Duration.Milliseconds(),
		"session_id", shared.SessionID(ctx), "tool_call_id", shared.ToolCallID(ctx))

	// Output reaches the model and the transcript, so credentials a script
	// printed are scrubbed first.
	var outFindings, errFindings []safety.Finding
	res.Stdout, outFindings = safety.Redact(out.Stdout)
	res.Stderr, errFindings = safety.Redact(out.Stderr)
	if findings := append(outFindings, errFindings...); len(findings) > 0 {
		log.Warn("sandbox: redacted secrets from output", "findings", findings)
		audit.Record(ctx, "redact", "sandbox.output", findings[0].Kind, fmt.Sprintf("%d kinds redacted", len(findings)), decision.PolicyVersion)
	}

	if runErr != nil {
		var kerr *shared.Error
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			kerr = shared.Wrap(shared.KindCancelled, runErr, "execution cancelled")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			kerr = shared.Wrap(shared.KindSandboxTimeout, runErr,
				fmt.Sprintf("execution exceeded the %s time limit and was terminated", timeout.Round(time.Millisecond)))
		default:
			kerr = shared.Wrap(shared.KindSandboxRuntime, runErr, fmt.Sprintf("%s interpreter could not be started", lang))
		}
		e.metrics.RecordSandbox(ctx, string(lang), string(kerr.Kind), res.Duration)
		log.Warn("sandbox: execution aborted", "kind", kerr.Kind, "error", runErr)
		return res, kerr
	}

	collectErr := collectOutputs(dir, res)
	if out.ExitCode != 0 {
		e.metrics.RecordSandbox(ctx, string(lang), string(shared.KindSandboxRuntime), res.Duration)
		log.Info("sandbox: non-zero exit", "exit_code", out.ExitCode)
		return res, &shared.Error{Kind: shared.KindSandboxRuntime, Message: describeFailure(lang, res.Stderr, out.ExitCode)}
	}
	if collectErr != nil {
		e.metrics.RecordSandbox(ctx, string(lang), string(shared.KindSandboxRuntime), res.Duration)
		return res, shared.Wrap(shared.KindSandboxRuntime, collectErr, "script produced an unreadable result")
	}
	e.metrics.RecordSandbox(ctx, string(lang), "ok", res.Duration)
	log.Info("sandbox: executed", "files", len(res.Files), "structured", len(res.Structured) > 0)
	return res, nil
}

// minimalEnv forwards only locale and search-path variables from the host.
func minimalEnv(dir string) []string {
	env := []string{
		"HOME=" + dir,
		"TMPDIR=" + filepath.Join(dir, tmpDir),
		"MPLBACKEND=Agg",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	for _, key := range []string{"PATH", "LANG", "LC_ALL", "R_LIBS", "R_LIBS_SITE", "R_HOME"} {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

var (
	rePyMissingModule = regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`)
	reRMissingPackage = regexp.MustCompile(`there is no package called [‘'"]([^’'"]+)[’'"]`)
)

// describeFailure turns child stderr into a short client-safe message.
func describeFailure(lang policy.Language, stderr string, exitCode int) string {
	if m := rePyMissingModule.FindStringSubmatch(stderr); m != nil {
		return fmt.Sprintf("package %q is permitted but not installed in the %s runtime", m[1], lang)
	}
	if m := reRMissingPackage.FindStringSubmatch(stderr); m != nil {
		return fmt.Sprintf("package %q is permitted but not installed in the %s runtime", m[1], lang)
	}
	last := ""
	for _, line := range strings.Split(stderr, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			last = t
		}
	}
	if last == "" {
		return fmt.Sprintf("script exited with status %d", exitCode)
	}
	if len(last) > 300 {
		last = last[:300]
	}
	return fmt.Sprintf("script exited with status %d: %s", exitCode, last)
}
