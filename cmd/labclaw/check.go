package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/labclaw/internal/config"
	"github.com/basket/labclaw/internal/policy"
)

func (c *CheckCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return err
	}
	allowed, err := checkScript(pol, c.File, c.Language, os.Stdout)
	if err != nil {
		return err
	}
	if !allowed {
		return errSilentExit
	}
	return nil
}

// languageFor picks the policy language from an override or the file
// extension.
func languageFor(path, override string) (policy.Language, error) {
	if override != "" {
		return policy.ParseLanguage(override)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return policy.Python, nil
	case ".r":
		return policy.R, nil
	}
	return "", fmt.Errorf("cannot infer language of %s; pass --language", filepath.Base(path))
}

func checkScript(checker policy.Checker, path, override string, out io.Writer) (bool, error) {
	lang, err := languageFor(path, override)
	if err != nil {
		return false, err
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	d := checker.Check(lang, string(code))
	if d.Allowed {
		fmt.Fprintf(out, "allowed  %s (%s, policy %s)\n", filepath.Base(path), lang, d.PolicyVersion)
		return true, nil
	}
	fmt.Fprintf(out, "denied   %s (%s, policy %s)\n  rule:   %s\n  reason: %s\n", filepath.Base(path), lang, d.PolicyVersion, d.Rule, d.Reason)
	return false, nil
}
