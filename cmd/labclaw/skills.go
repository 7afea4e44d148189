package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/labclaw/internal/config"
	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/skills"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	enabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

func (c *SkillsCmd) Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return err
	}
	sb, closeRunner, err := newSandbox(cfg, pol, quiet)
	if err != nil {
		return err
	}
	defer closeRunner()
	sb.Capabilities(ctx)

	reg, err := newRegistry(ctx, cfg, sb, nil, nil, quiet)
	if err != nil {
		return err
	}
	descs := reg.List().Descriptors()
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}
	styled := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""
	renderSkills(os.Stdout, descs, styled)
	return nil
}

// renderSkills prints one aligned row per descriptor. Styling is applied
// after padding so escape codes never skew the columns.
func renderSkills(w io.Writer, descs []skills.Descriptor, styled bool) {
	paint := func(st lipgloss.Style, s string) string {
		if !styled {
			return s
		}
		return st.Render(s)
	}
	nameWidth := len("NAME")
	for _, d := range descs {
		nameWidth = max(nameWidth, len(d.Name))
	}
	cols := func(name, typ, capab string) string {
		return fmt.Sprintf("%-*s  %-10s  %-10s  ", nameWidth, name, typ, capab)
	}

	fmt.Fprintln(w, paint(headerStyle, cols("NAME", "TYPE", "CAPABILITY")+"STATE"))
	for _, d := range descs {
		state := paint(enabledStyle, "enabled")
		detail := ""
		if !d.Enabled {
			state = paint(disabledStyle, "disabled")
			if d.DisabledReason != "" {
				detail = "  " + paint(dimStyle, d.DisabledReason)
			}
		}
		fmt.Fprintln(w, cols(d.Name, string(d.Type), string(d.Capability))+state+detail)
		if d.Description != "" {
			fmt.Fprintln(w, paint(dimStyle, "  "+firstLine(d.Description)))
		}
	}
	if len(descs) == 0 {
		fmt.Fprintln(w, paint(dimStyle, "no skills found"))
	}
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
