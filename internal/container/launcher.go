package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/mvallis/fleetgate/internal/config"
)

const (
	labelPrefix   = "fleetgate"
	containerName = "fleetgate-pool"
	poolPort      = "9001/tcp"
)

// Launcher starts a worker-pool container on the local Docker daemon when
// discovery comes back empty and the bootstrap path needs a pool that really
// exists. One pool per gateway; the container is reused across restarts.
type Launcher struct {
	docker *client.Client
	cfg    config.LocalPoolConfig
}

func NewLauncher(cfg config.LocalPoolConfig) (*Launcher, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Launcher{docker: docker, cfg: cfg}, nil
}

// Launch ensures the local pool container is running and returns its
// host:port address.
func (l *Launcher) Launch(ctx context.Context) (string, error) {
	if l.cfg.Build {
		if err := BuildPoolImage(ctx, l.docker, l.cfg.Image); err != nil {
			return "", err
		}
	}

	addr := fmt.Sprintf("localhost:%d", l.cfg.Port)

	inspect, err := l.docker.ContainerInspect(ctx, containerName)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			return addr, nil
		}
		// Stale stopped container from an earlier run
		_ = l.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})
	}

	hostPort := nat.Port(poolPort)
	containerCfg := &dockercontainer.Config{
		Image:        l.cfg.Image,
		ExposedPorts: nat.PortSet{hostPort: struct{}{}},
		Labels:       map[string]string{labelPrefix + ".managed": "true"},
	}
	hostCfg := &dockercontainer.HostConfig{
		PortBindings: nat.PortMap{
			hostPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", l.cfg.Port)}},
		},
		RestartPolicy: dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyUnlessStopped},
	}
	networkCfg := &network.NetworkingConfig{}

	resp, err := l.docker.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create pool container: %w", err)
	}
	if err := l.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return "", fmt.Errorf("start pool container: %w", err)
	}

	// Give the pool process a moment before the first placement hits it
	time.Sleep(time.Second)

	slog.Info("local pool container started", "container", resp.ID[:12], "addr", addr)
	return addr, nil
}

// Stop removes the local pool container.
func (l *Launcher) Stop(ctx context.Context) error {
	timeout := 10
	if err := l.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop pool container gracefully", "error", err)
	}
	if err := l.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove pool container: %w", err)
	}
	return nil
}
