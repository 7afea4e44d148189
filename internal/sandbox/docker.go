package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/labclaw/internal/policy"
)

// DockerConfig selects images and limits for DockerRunner.
type DockerConfig struct {
	PythonImage string
	RImage      string
	MemoryMB    int64
	// NetworkMode defaults to "none".
	NetworkMode string
}

// DockerRunner runs each execution in a new container with the work dir
// bind-mounted at /work. The container is removed after every call.
type DockerRunner struct {
	client *client.Client
	cfg    DockerConfig
	spawns atomic.Int64
}

// NewDockerRunner connects to the daemon described by the DOCKER_* environment.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.PythonImage == "" {
		cfg.PythonImage = "python:3.12-slim"
	}
	if cfg.RImage == "" {
		cfg.RImage = "r-base:latest"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	return &DockerRunner{client: cli, cfg: cfg}, nil
}

func (d *DockerRunner) image(lang policy.Language) string {
	if lang == policy.R {
		return d.cfg.RImage
	}
	return d.cfg.PythonImage
}

// Spawns reports how many containers have been started.
func (d *DockerRunner) Spawns() int64 {
	return d.spawns.Load()
}

func (d *DockerRunner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{ExitCode: -1}, err
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image(spec.Language),
		Cmd:        append([]string{spec.Interpreter}, spec.Args...),
		WorkingDir: "/work",
		Env:        containerEnv(spec.Env),
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/work", spec.WorkDir)},
	}, nil, nil, "")
	if err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("start container: %w", err)
	}
	d.spawns.Add(1)

	out := Outcome{ExitCode: -1}
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(id)
			return out, ctx.Err()
		}
		return out, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		out.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		d.kill(id)
		return out, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return out, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	stdout := newCappedBuffer(spec.MaxOutput)
	stderr := newCappedBuffer(spec.MaxOutput)
	_, _ = stdcopy.StdCopy(stdout, stderr, logs)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	return out, nil
}

func (d *DockerRunner) kill(id string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.client.ContainerKill(killCtx, id, "SIGKILL")
}

// Probe checks that the language image is present locally.
func (d *DockerRunner) Probe(ctx context.Context, lang policy.Language, _ string) (string, error) {
	img := d.image(lang)
	inspect, err := d.client.ImageInspect(ctx, img)
	if err != nil {
		return "", fmt.Errorf("%s image %s unavailable: %w", lang, img, err)
	}
	digest := strings.TrimPrefix(inspect.ID, "sha256:")
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return img + "@" + digest, nil
}

// Close closes the docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}

// containerEnv drops host-specific entries from the minimal env; HOME and
// TMPDIR are remapped to the container mount.
func containerEnv(env []string) []string {
	out := []string{"HOME=/work", "TMPDIR=/work/tmp"}
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "HOME="), strings.HasPrefix(kv, "TMPDIR="), strings.HasPrefix(kv, "PATH="):
			continue
		}
		out = append(out, kv)
	}
	return out
}
