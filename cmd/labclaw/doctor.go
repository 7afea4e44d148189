package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/basket/labclaw/internal/config"
	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/policy"
)

const (
	statusPass = "PASS"
	statusWarn = "WARN"
	statusFail = "FAIL"
)

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	OS        string        `json:"os"`
	Arch      string        `json:"arch"`
	Results   []checkResult `json:"results"`
}

func (d diagnosis) failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == statusFail {
			n++
		}
	}
	return n
}

func (c *DoctorCmd) Run(ctx context.Context) error {
	cfg, err := config.Load()
	diag := diagnose(ctx, cfg, err)
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return err
		}
	} else {
		printDiagnosis(os.Stdout, diag)
	}
	if diag.failed() > 0 {
		return errSilentExit
	}
	return nil
}

// diagnose runs every check against cfg. loadErr is the error config.Load
// returned, if any; later checks still run on the defaults.
func diagnose(ctx context.Context, cfg config.Config, loadErr error) diagnosis {
	d := diagnosis{
		Timestamp: time.Now().UTC(),
		Version:   Version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	add := func(r checkResult) { d.Results = append(d.Results, r) }

	switch {
	case loadErr != nil:
		add(checkResult{Name: "config", Status: statusFail, Message: "config.yaml is invalid", Detail: loadErr.Error()})
	case cfg.NeedsSetup:
		add(checkResult{Name: "config", Status: statusWarn, Message: "no config.yaml, using defaults", Detail: config.ConfigPath(cfg.HomeDir)})
	default:
		add(checkResult{Name: "config", Status: statusPass, Message: "loaded " + config.ConfigPath(cfg.HomeDir)})
	}
	if cfg.HomeDir == "" {
		return d
	}

	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		add(checkResult{Name: "policy", Status: statusFail, Message: "policy.yaml is invalid", Detail: err.Error()})
		pol = policy.Default()
	} else {
		add(checkResult{Name: "policy", Status: statusPass, Message: "version " + pol.PolicyVersion()})
	}

	if store, err := persistence.Open(cfg.DBPath()); err != nil {
		add(checkResult{Name: "database", Status: statusFail, Message: "cannot open " + cfg.DBPath(), Detail: err.Error()})
	} else {
		if err := store.DB().PingContext(ctx); err != nil {
			add(checkResult{Name: "database", Status: statusFail, Message: "ping failed", Detail: err.Error()})
		} else {
			add(checkResult{Name: "database", Status: statusPass, Message: cfg.DBPath()})
		}
		_ = store.Close()
	}

	if cfg.ProviderAPIKey() == "" {
		add(checkResult{Name: "llm", Status: statusFail, Message: fmt.Sprintf("no API key for provider %q", cfg.LLM.Provider)})
	} else {
		add(checkResult{Name: "llm", Status: statusPass, Message: fmt.Sprintf("provider %s, model %q", cfg.LLM.Provider, cfg.LLM.Model)})
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sb, closeRunner, err := newSandbox(cfg, pol, quiet)
	if err != nil {
		add(checkResult{Name: "sandbox", Status: statusFail, Message: cfg.Sandbox.Backend + " backend unavailable", Detail: err.Error()})
	} else {
		caps := sb.Capabilities(ctx)
		for _, lang := range []policy.Language{policy.Python, policy.R} {
			c := caps[lang]
			name := "runtime." + string(lang)
			if c.Available {
				add(checkResult{Name: name, Status: statusPass, Message: c.Version})
			} else {
				add(checkResult{Name: name, Status: statusWarn, Message: "not available, its code skill will be disabled", Detail: c.Error})
			}
		}
		_ = closeRunner()
	}

	for _, dir := range cfg.Skills.Dirs {
		if dirReadable(dir) {
			add(checkResult{Name: "skills_dir", Status: statusPass, Message: dir})
		} else {
			add(checkResult{Name: "skills_dir", Status: statusWarn, Message: "missing " + dir})
		}
	}
	if cfg.Retrieval.Enabled {
		for _, dir := range cfg.Retrieval.CorpusDirs {
			if dirReadable(dir) {
				add(checkResult{Name: "corpus_dir", Status: statusPass, Message: dir})
			} else {
				add(checkResult{Name: "corpus_dir", Status: statusWarn, Message: "missing " + dir})
			}
		}
	}
	return d
}

func dirReadable(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

func printDiagnosis(w io.Writer, d diagnosis) {
	fmt.Fprintf(w, "labclaw doctor (%s, %s/%s, %s)\n---\n", d.Version, d.OS, d.Arch, d.Timestamp.Format(time.RFC3339))
	for _, r := range d.Results {
		fmt.Fprintf(w, "%-4s %-16s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "     %s\n", r.Detail)
		}
	}
}
