// Command labclaw runs the research assistant gateway and its clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// Version is set at build time via ldflags.
var Version = "v0.1-dev"

// CLI defines the command-line interface.
type CLI struct {
	Home string `help:"Override the labclaw home directory (LABCLAW_HOME)." type:"path"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the gateway daemon"`
	Chat    ChatCmd    `cmd:"" help:"Open an interactive chat against a running gateway"`
	Skills  SkillsCmd  `cmd:"" help:"List the skills the registry would expose"`
	Check   CheckCmd   `cmd:"" help:"Run the static code policy against a script"`
	Status  StatusCmd  `cmd:"" help:"Query a running gateway's health endpoint"`
	Doctor  DoctorCmd  `cmd:"" help:"Diagnose configuration and sandbox runtimes"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd runs the gateway.
type ServeCmd struct {
	Quiet bool   `help:"Log to the home directory only, not stdout."`
	Bind  string `help:"Override bind_addr from config.yaml." placeholder:"HOST:PORT"`
}

// ChatCmd opens the terminal chat client.
type ChatCmd struct {
	URL     string `help:"Gateway base URL; defaults to bind_addr from config.yaml."`
	Token   string `help:"Bearer token; defaults to auth_token from config.yaml." env:"LABCLAW_AUTH_TOKEN"`
	Session string `short:"s" help:"Resume an existing session id."`
	Title   string `short:"t" help:"Title for a new session."`
}

// SkillsCmd lists skills.
type SkillsCmd struct {
	JSON bool `help:"Print descriptors as JSON."`
}

// CheckCmd checks a script file against the code policy.
type CheckCmd struct {
	File     string `arg:"" help:"Python (.py) or R (.R) script to check" type:"existingfile"`
	Language string `short:"l" help:"Language override: python or r."`
}

// StatusCmd fetches /healthz.
type StatusCmd struct {
	URL string `help:"Gateway base URL; defaults to bind_addr from config.yaml."`
}

// DoctorCmd diagnoses the local installation.
type DoctorCmd struct {
	JSON bool `help:"Print the report as JSON."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Printf("labclaw %s\n", Version)
	return nil
}

// errSilentExit signals a non-zero exit whose reason was already printed.
var errSilentExit = errors.New("exit status 1")

func kongVars() kong.Vars {
	return kong.Vars{"version": Version}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("labclaw"),
		kong.Description("Conversational research assistant with sandboxed Python and R analysis."),
		kong.UsageOnError(),
		kongVars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if cli.Home != "" {
		_ = os.Setenv("LABCLAW_HOME", cli.Home)
	}
	err := kctx.Run()
	if errors.Is(err, errSilentExit) {
		stop()
		os.Exit(1)
	}
	kctx.FatalIfErrorf(err)
}
