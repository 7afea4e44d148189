package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/labclaw/internal/policy"
)

// ProcessRunner starts interpreters as host child processes in their own
// process group so a kill reaches every descendant.
type ProcessRunner struct {
	spawns atomic.Int64
	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration
}

func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{WaitDelay: 2 * time.Second}
}

// Spawns reports how many children have been started.
func (r *ProcessRunner) Spawns() int64 {
	return r.spawns.Load()
}

func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{ExitCode: -1}, err
	}
	cmd := exec.Command(spec.Interpreter, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	stdout := newCappedBuffer(spec.MaxOutput)
	stderr := newCappedBuffer(spec.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("start %s interpreter: %w", spec.Language, err)
	}
	r.spawns.Add(1)
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		// Reap anything the script left running in its group.
		killProcessGroup(cmd)
		out := Outcome{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0, PID: pid}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				out.ExitCode = -1
				return out, fmt.Errorf("wait %s interpreter: %w", spec.Language, err)
			}
			out.ExitCode = exitErr.ExitCode()
		}
		return out, nil
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return Outcome{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, PID: pid}, ctx.Err()
	}
}

func (r *ProcessRunner) Probe(ctx context.Context, lang policy.Language, interpreter string) (string, error) {
	if _, err := exec.LookPath(interpreter); err != nil {
		return "", fmt.Errorf("%s runtime not found: %w", lang, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, interpreter, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s runtime check failed: %w", lang, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), nil
	}
	return "unknown", nil
}

// cappedBuffer keeps the first max bytes written and counts the rest.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n... [truncated %d bytes]", b.dropped)
}
