package main

import (
	"testing"

	"github.com/alecthomas/kong"
)

func TestServeIsDefaultCommand(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	kctx, err := parser.Parse([]string{})
	if err != nil {
		t.Fatal(err)
	}
	if kctx.Command() != "serve" {
		t.Errorf("expected default command serve, got %q", kctx.Command())
	}
}

func TestServeCmd_Flags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{"serve", "--quiet", "--bind", "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	if !cli.Serve.Quiet {
		t.Error("expected quiet to be set")
	}
	if cli.Serve.Bind != "127.0.0.1:0" {
		t.Errorf("bind = %q", cli.Serve.Bind)
	}
}

func TestChatCmd_Flags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	_, err = parser.Parse([]string{"chat", "-s", "sess-1", "--url", "http://localhost:9000", "--token", "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if cli.Chat.Session != "sess-1" || cli.Chat.URL != "http://localhost:9000" || cli.Chat.Token != "abc" {
		t.Errorf("unexpected chat flags: %+v", cli.Chat)
	}
}

func TestCheckCmd_RequiresExistingFile(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parser.Parse([]string{"check"}); err == nil {
		t.Error("expected error without a file argument")
	}
	if _, err := parser.Parse([]string{"check", "/nonexistent/analysis.py"}); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestHomeFlag(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}

	home := t.TempDir()
	if _, err := parser.Parse([]string{"--home", home, "skills", "--json"}); err != nil {
		t.Fatal(err)
	}
	if cli.Home != home {
		t.Errorf("home = %q, want %q", cli.Home, home)
	}
	if !cli.Skills.JSON {
		t.Error("expected --json")
	}
}
