package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", Errorf(KindSandboxTimeout, "slow"), KindSandboxTimeout},
		{"wrapped", fmt.Errorf("outer: %w", Errorf(KindPolicyDenied, "no")), KindPolicyDenied},
		{"cancelled", fmt.Errorf("x: %w", context.Canceled), KindCancelled},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestUserMessage_HidesInternals(t *testing.T) {
	cause := errors.New("exec /usr/bin/python3 failed: pid 4242")
	err := Wrap(KindSandboxRuntime, cause, "script failed reading /tmp/labclaw/run-1/inputs/a.csv (pid 4242)")
	msg := UserMessage(err)
	if strings.Contains(msg, "/tmp") || strings.Contains(msg, "4242") {
		t.Fatalf("expected paths and pids removed, got %q", msg)
	}
	if strings.Contains(msg, "/usr/bin") {
		t.Fatalf("cause leaked into user message: %q", msg)
	}
}

func TestUserMessage_PolicyRule(t *testing.T) {
	err := &Error{Kind: KindPolicyDenied, Message: "import of socket is not allowed", Rule: "python.import"}
	msg := UserMessage(err)
	if !strings.Contains(msg, "python.import") || !strings.Contains(msg, "socket") {
		t.Fatalf("expected rule and package in message, got %q", msg)
	}
}

func TestUserMessage_Untyped(t *testing.T) {
	if got := UserMessage(errors.New("open /etc/secret: denied")); got != "internal error" {
		t.Fatalf("expected generic message, got %q", got)
	}
}

func TestScrub_Traceback(t *testing.T) {
	tb := "Traceback (most recent call last):\n  File \"/tmp/w/main.py\", line 3, in <module>\nZeroDivisionError: division by zero"
	got := Scrub(tb)
	if got != "ZeroDivisionError: division by zero" {
		t.Fatalf("expected last exception line, got %q", got)
	}
}

func TestScrub_Path(t *testing.T) {
	got := Scrub("open /home/u/data/a.csv: no such file")
	if got != "open <path>: no such file" {
		t.Fatalf("unexpected scrub result %q", got)
	}
}
