// Package policy holds the static execution policy applied to sandbox code
// before any interpreter is spawned.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Language identifies a sandbox interpreter.
type Language string

const (
	Python Language = "python"
	R      Language = "r"
)

// ParseLanguage normalises user and model supplied language names.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "python3", "py":
		return Python, nil
	case "r", "rscript":
		return R, nil
	default:
		return "", fmt.Errorf("unsupported language %q", s)
	}
}

// Checker is implemented by Policy and LivePolicy.
type Checker interface {
	Check(lang Language, code string) Decision
	PolicyVersion() string
}

type LanguagePolicy struct {
	// AllowImports lists importable packages. A dotted entry such as
	// "scipy.stats" allows only that submodule; a bare entry allows the
	// package and all of its submodules.
	AllowImports []string `yaml:"allow_imports"`
}

type Policy struct {
	Python LanguagePolicy `yaml:"python"`
	R      LanguagePolicy `yaml:"r"`
	// DisabledRules turns off individual rules by id, e.g. "python.network".
	DisabledRules []string `yaml:"disabled_rules"`
}

var defaultPythonImports = []string{
	"pandas", "numpy", "scipy", "statsmodels", "matplotlib", "seaborn", "sklearn",
	"math", "statistics", "json", "csv", "datetime", "re", "collections",
	"itertools", "functools", "random", "os", "pathlib", "warnings", "typing", "time",
}

var defaultRImports = []string{
	"stats", "utils", "graphics", "grDevices", "methods", "jsonlite",
	"ggplot2", "dplyr", "tidyr", "readr", "tibble", "broom",
}

func Default() Policy {
	return Policy{
		Python: LanguagePolicy{AllowImports: append([]string(nil), defaultPythonImports...)},
		R:      LanguagePolicy{AllowImports: append([]string(nil), defaultRImports...)},
	}
}

// Load reads policy.yaml. A missing or empty file yields Default().
// Languages without an explicit allow list keep the defaults.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	def := Default()
	if p.Python.AllowImports == nil {
		p.Python.AllowImports = def.Python.AllowImports
	}
	if p.R.AllowImports == nil {
		p.R.AllowImports = def.R.AllowImports
	}
	return p, nil
}

func (p Policy) validate() error {
	for _, id := range p.DisabledRules {
		if _, ok := ruleIndex[strings.TrimSpace(id)]; !ok {
			return fmt.Errorf("unknown rule %q", id)
		}
	}
	return nil
}

func (p Policy) forLanguage(lang Language) LanguagePolicy {
	if lang == R {
		return p.R
	}
	return p.Python
}

func (p Policy) ruleDisabled(id string) bool {
	for _, d := range p.DisabledRules {
		if strings.TrimSpace(d) == id {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe replacement on reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) Check(lang Language, code string) Decision {
	lp.mu.RLock()
	p := lp.data
	lp.mu.RUnlock()
	return p.Check(lang, code)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Python.AllowImports = append([]string(nil), lp.data.Python.AllowImports...)
	cp.R.AllowImports = append([]string(nil), lp.data.R.AllowImports...)
	cp.DisabledRules = append([]string(nil), lp.data.DisabledRules...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	write := func(prefix string, vals []string) {
		sorted := append([]string(nil), vals...)
		sort.Strings(sorted)
		for _, v := range sorted {
			_, _ = h.Write([]byte(prefix + strings.TrimSpace(v) + "|"))
		}
	}
	write("py:", p.Python.AllowImports)
	write("r:", p.R.AllowImports)
	write("off:", p.DisabledRules)
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
