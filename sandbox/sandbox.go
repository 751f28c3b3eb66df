// Package sandbox runs model-requested shell commands inside a Docker
// container so they cannot touch the host.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/everlang/gonova/tools"
)

const (
	LabelManagedBy = "nova.managed-by"
	LabelWorkspace = "nova.workspace"

	// DefaultImage is small and has a POSIX shell, which is all the
	// exec tool needs.
	DefaultImage = "alpine:latest"

	containerPrefix = "nova-sandbox-"
)

// Manager owns one workspace container and runs commands inside it.
// When Docker is unreachable the manager is created in an unavailable
// state and every Exec fails with a clear error; the rest of the engine
// keeps working.
type Manager struct {
	client    *client.Client
	name      string
	image     string
	workDir   string
	mu        sync.Mutex
	available bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithImage sets the container image.
func WithImage(img string) Option {
	return func(m *Manager) {
		if img != "" {
			m.image = img
		}
	}
}

// WithName sets the workspace name, which becomes part of the
// container name.
func WithName(name string) Option {
	return func(m *Manager) {
		m.name = name
	}
}

// NewManager creates a sandbox manager mounting workDir at /workspace.
// An unreachable Docker daemon is not an error; IsAvailable reports it.
func NewManager(workDir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		name:    "default",
		image:   DefaultImage,
		workDir: workDir,
	}

	for _, opt := range opts {
		opt(m)
	}

	cli, err := connect()
	if err != nil {
		return m, nil
	}

	m.client = cli
	m.available = true
	return m, nil
}

// connect builds a Docker client, trying the environment first and then
// the usual socket locations.
func connect() (*client.Client, error) {
	ping := func(cli *client.Client) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := cli.Ping(ctx)
		return err == nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if ping(cli) {
			return cli, nil
		}
		cli.Close()
	}

	sockets := []string{
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, sock := range sockets {
		cli, err := client.NewClientWithOpts(client.WithHost(sock), client.WithAPIVersionNegotiation())
		if err != nil {
			continue
		}
		if ping(cli) {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to Docker daemon")
}

// IsAvailable reports whether Docker is reachable.
func (m *Manager) IsAvailable() bool {
	return m.available
}

// ExecResult holds the outcome of one command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs a command in the workspace container, creating the
// container on first use.
func (m *Manager) Exec(ctx context.Context, command []string) (*ExecResult, error) {
	if !m.available {
		return nil, fmt.Errorf("docker not available")
	}

	id, err := m.ensureContainer(ctx)
	if err != nil {
		return nil, err
	}

	execResp, err := m.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          command,
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := m.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	inspect, err := m.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ensureContainer finds or creates the workspace container and makes
// sure it is running.
func (m *Manager) ensureContainer(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := containerPrefix + m.name

	if id, err := m.find(ctx, name); err == nil {
		inspect, err := m.client.ContainerInspect(ctx, id)
		if err == nil && inspect.State.Running {
			return id, nil
		}
		if err == nil {
			if err := m.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("start container: %w", err)
			}
			return id, nil
		}
	}

	if err := m.ensureImage(ctx); err != nil {
		return "", fmt.Errorf("pull image: %w", err)
	}

	workDir, err := filepath.Abs(m.workDir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	resp, err := m.client.ContainerCreate(ctx,
		&container.Config{
			Image:      m.image,
			WorkingDir: "/workspace",
			Labels: map[string]string{
				LabelManagedBy: "gonova",
				LabelWorkspace: m.name,
			},
			Tty:       true,
			OpenStdin: true,
			Cmd:       []string{"tail", "-f", "/dev/null"},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: workDir,
				Target: "/workspace",
			}},
		},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// find returns the container ID for a name.
func (m *Manager) find(ctx context.Context, name string) (string, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("container not found: %s", name)
}

// ensureImage pulls the configured image if not present locally.
func (m *Manager) ensureImage(ctx context.Context) error {
	_, _, err := m.client.ImageInspectWithRaw(ctx, m.image)
	if err == nil {
		return nil
	}

	reader, err := m.client.ImagePull(ctx, m.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Remove stops and removes the workspace container.
func (m *Manager) Remove(ctx context.Context) error {
	if !m.available {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.find(ctx, containerPrefix+m.name)
	if err != nil {
		return nil
	}

	timeout := 5
	_ = m.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	return m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// RegisterTool installs the flagged exec tool, running shell commands
// through the sandbox.
func (m *Manager) RegisterTool(reg *tools.Registry) {
	reg.RegisterBuiltin("exec", func(ctx context.Context, args map[string]any) (string, error) {
		command, ok := args["command"].(string)
		if !ok || command == "" {
			return "", fmt.Errorf("command argument required")
		}

		res, err := m.Exec(ctx, []string{"/bin/sh", "-c", command})
		if err != nil {
			return "", err
		}

		var out strings.Builder
		out.WriteString(res.Stdout)
		if res.Stderr != "" {
			out.WriteString("\nSTDERR:\n")
			out.WriteString(res.Stderr)
		}
		if res.ExitCode != 0 {
			return out.String(), fmt.Errorf("exit code %d", res.ExitCode)
		}
		return out.String(), nil
	}, tools.Meta{
		Description: "Run a shell command in an isolated container workspace",
		Params: map[string]tools.ParamDef{
			"command": {Type: "string", Description: "Shell command line", Required: true},
		},
		Flagged: true,
	})
}
