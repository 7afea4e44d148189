package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/labclaw/internal/config"
	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/sandbox"
	"github.com/basket/labclaw/internal/skills"
	"github.com/basket/labclaw/internal/skills/builtin"
)

// startupError carries the reason code recorded when the daemon cannot start.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupErr(code string, err error) error {
	return &startupError{code: code, err: err}
}

// bootstrapPolicy writes the default policy.yaml when none exists so
// operators have a file to edit.
func bootstrapPolicy(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	data, err := yaml.Marshal(policy.Default())
	if err != nil {
		return err
	}
	header := []byte("# labclaw static code policy. Edits are applied without a restart.\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}

func interpretersFor(cfg config.SandboxConfig) map[policy.Language]sandbox.Interpreter {
	interps := sandbox.DefaultInterpreters()
	if cfg.PythonPath != "" {
		py := interps[policy.Python]
		py.Path = cfg.PythonPath
		interps[policy.Python] = py
	}
	if cfg.RPath != "" {
		r := interps[policy.R]
		r.Path = cfg.RPath
		interps[policy.R] = r
	}
	return interps
}

// newRunner returns the configured child-process backend and its closer.
func newRunner(cfg config.SandboxConfig) (sandbox.Runner, func() error, error) {
	switch cfg.Backend {
	case "docker":
		dr, err := sandbox.NewDockerRunner(sandbox.DockerConfig{
			PythonImage: cfg.DockerPythonImage,
			RImage:      cfg.DockerRImage,
			MemoryMB:    cfg.DockerMemoryMB,
		})
		if err != nil {
			return nil, nil, err
		}
		return dr, dr.Close, nil
	default:
		return sandbox.NewProcessRunner(), func() error { return nil }, nil
	}
}

func newSandbox(cfg config.Config, checker policy.Checker, logger *slog.Logger) (*sandbox.Engine, func() error, error) {
	runner, closeRunner, err := newRunner(cfg.Sandbox)
	if err != nil {
		return nil, nil, err
	}
	sb := sandbox.New(sandbox.Config{
		WorkRoot:       cfg.SandboxDir(),
		Timeout:        time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		KeepWorkDirs:   cfg.Sandbox.KeepWorkDirs,
		Interpreters:   interpretersFor(cfg.Sandbox),
	}, runner, checker, logger)
	return sb, closeRunner, nil
}

func newRetrieval(ctx context.Context, cfg config.Config, logger *slog.Logger) (*retrieval.Augmentor, error) {
	if !cfg.Retrieval.Enabled {
		return nil, nil
	}
	path := cfg.IndexDir()
	if cfg.Retrieval.InMemory {
		path = ""
	}
	aug, err := retrieval.New(ctx, retrieval.Config{
		Path:     path,
		Embedder: retrieval.HashEmbedder{Dims: cfg.Retrieval.Dimensions},
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	for _, dir := range cfg.Retrieval.CorpusDirs {
		n, err := aug.IndexDir(ctx, dir)
		if err != nil {
			logger.Warn("retrieval: corpus dir skipped", "dir", dir, "error", err)
			continue
		}
		logger.Info("retrieval: corpus indexed", "dir", dir, "documents", n)
	}
	return aug, nil
}

// newRegistry builds the skill registry with the built-in skills bound to
// the sandbox and workspace. ws and aug may be nil when the registry is only
// listed.
func newRegistry(ctx context.Context, cfg config.Config, sb *sandbox.Engine, ws builtin.Workspace, aug *retrieval.Augmentor, logger *slog.Logger) (*skills.Registry, error) {
	cp, err := skills.ParseCollisionPolicy(cfg.Skills.CollisionPolicy)
	if err != nil {
		return nil, err
	}
	reg, err := skills.NewRegistry(skills.Options{
		DocumentDirs:    cfg.Skills.Dirs,
		CollisionPolicy: cp,
		Available:       sb.Available,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	deps := builtin.Deps{Sandbox: sb, Workspace: ws, Logger: logger}
	if aug != nil {
		deps.Index = aug
	}
	if err := builtin.Register(ctx, reg, deps); err != nil {
		return nil, fmt.Errorf("register built-in skills: %w", err)
	}
	return reg, nil
}
