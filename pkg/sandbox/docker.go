package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerClient wraps the Docker API client for sandbox network and
// container lifecycle management. It is the direct descendant of the
// teacher's service-discovery Docker wrapper, trimmed to the CRUD surface
// the orchestrator actually drives (no Kurtosis-enclave service lookup:
// a sandbox run only ever touches the three containers it created).
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a Docker API client from the ambient environment
// (DOCKER_HOST, TLS certs, API version negotiation).
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerClient{cli: cli}, nil
}

// Close closes the underlying Docker API client connection.
func (c *DockerClient) Close() error {
	if c.cli == nil {
		return nil
	}
	return c.cli.Close()
}

// CreateNetwork creates an isolated bridge network with no internet access
// for one run's three containers, labelled for later discovery/cleanup.
func (c *DockerClient) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	resp, err := c.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:   "bridge",
		Internal: true,
		Labels:   labels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a run's network. A missing network is not an error
// (cleanup must be idempotent).
func (c *DockerClient) RemoveNetwork(ctx context.Context, networkID string) error {
	if networkID == "" {
		return nil
	}
	if err := c.cli.NetworkRemove(ctx, networkID); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove network %s: %w", networkID, err)
	}
	return nil
}

// RunContainerSpec describes one sandbox container to start.
type RunContainerSpec struct {
	Name        string
	Image       string
	NetworkName string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Binds       []string
	MemoryBytes int64
}

// RunContainer creates and starts a container for the given spec,
// returning its ID.
func (c *DockerClient) RunContainer(ctx context.Context, spec RunContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.NetworkName),
	}
	if spec.MemoryBytes > 0 {
		hostCfg.Resources = container.Resources{Memory: spec.MemoryBytes}
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.NetworkName: {},
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, (*specs.Platform)(nil), spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	return resp.ID, nil
}

// Status reports a container's coarse running state and, once exited,
// its exit code.
type Status struct {
	Running  bool
	ExitCode int
	Found    bool
}

// Inspect returns a container's current status.
func (c *DockerClient) Inspect(ctx context.Context, containerID string) (Status, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Status{Found: false}, nil
		}
		return Status{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return Status{
		Found:    true,
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
	}, nil
}

// WaitReady polls a readiness probe command inside the container (e.g.
// "pg_isready -U sandbox") once a second until it exits zero or timeout
// elapses.
func (c *DockerClient) WaitReady(ctx context.Context, containerID string, probeCmd []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.probeOnce(ctx, containerID, probeCmd) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("container %s did not become ready within %s", containerID, timeout)
}

func (c *DockerClient) probeOnce(ctx context.Context, containerID string, probeCmd []string) bool {
	execCfg := types.ExecConfig{Cmd: probeCmd, AttachStdout: true, AttachStderr: true}
	execID, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return false
	}
	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return false
	}
	defer resp.Close()
	_, _ = io.Copy(io.Discard, resp.Reader)

	inspect, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return false
	}
	return inspect.ExitCode == 0
}

// Logs returns the combined stdout/stderr of a container.
func (c *DockerClient) Logs(ctx context.Context, containerID string) (string, error) {
	out, err := c.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for %s: %w", containerID, err)
	}
	defer out.Close()
	data, err := io.ReadAll(out)
	if err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", containerID, err)
	}
	return string(data), nil
}

// StopAndRemove stops a container with a grace period then removes it.
// A missing container is not an error.
func (c *DockerClient) StopAndRemove(ctx context.Context, containerID string, grace time.Duration) error {
	if containerID == "" {
		return nil
	}
	timeoutSeconds := int(grace.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	if err := c.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}
