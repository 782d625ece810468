package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/config"
	"github.com/loomctl/loom/internal/common/logger"
)

// Backend runs a CLI invocation inside a container instead of a bare
// subprocess, through its own RunContainer method; it shares no
// interface with the local-subprocess runner, and cmd/loomd does not
// construct one. The Docker client is created lazily, on the first
// RunContainer call, so NewBackend never contacts the daemon.
type Backend struct {
	cfg    config.DockerConfig
	logger *logger.Logger

	newClientFunc func(config.DockerConfig, *logger.Logger) (*Client, error)

	mu          sync.Mutex
	initialized bool
	client      *Client
}

// NewBackend creates a Backend. Call Enabled() before RunContainer to
// confirm the operator opted into Docker execution.
func NewBackend(cfg config.DockerConfig, log *logger.Logger) *Backend {
	return &Backend{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "workspace-docker-backend")),
		newClientFunc: NewClient,
	}
}

// Enabled reports whether the operator configured Docker execution.
func (b *Backend) Enabled() bool { return b.cfg.Enabled }

func (b *Backend) ensureClient() (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return b.client, nil
	}

	cli, err := b.newClientFunc(b.cfg, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	b.client = cli
	b.initialized = true
	return cli, nil
}

// RunResult is the outcome of one containerized CLI invocation.
type RunResult struct {
	Stdout   string
	ExitCode int64
}

// RunContainer tries to pull image (on a failed pull it logs a warning
// and goes on with any local copy), creates a container with
// workspacePath bind-mounted at /workspace, runs cmd with env, and
// blocks until it exits, returning combined log output.
func (b *Backend) RunContainer(ctx context.Context, name, image string, cmd, env []string, workspacePath string) (*RunResult, error) {
	client, err := b.ensureClient()
	if err != nil {
		return nil, err
	}

	if err := client.PullImage(ctx, image); err != nil {
		b.logger.Warn("image pull failed, attempting to use local copy", zap.String("image", image), zap.Error(err))
	}

	containerID, err := client.CreateContainer(ctx, ContainerConfig{
		Name:       name,
		Image:      image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: "/workspace",
		Mounts: []MountConfig{
			{Source: workspacePath, Target: "/workspace", ReadOnly: false},
		},
		AutoRemove: false,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = client.RemoveContainer(context.Background(), containerID, true)
	}()

	if err := client.StartContainer(ctx, containerID); err != nil {
		return nil, err
	}

	exitCode, waitErr := client.WaitContainer(ctx, containerID)

	logs, err := client.GetContainerLogs(context.Background(), containerID, false, "all")
	var stdout bytes.Buffer
	if err == nil {
		_, _ = io.Copy(&stdout, logs)
		_ = logs.Close()
	}

	if waitErr != nil {
		return &RunResult{Stdout: stdout.String(), ExitCode: exitCode}, waitErr
	}

	return &RunResult{Stdout: stdout.String(), ExitCode: exitCode}, nil
}
