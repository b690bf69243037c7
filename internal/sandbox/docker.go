package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerProvisioner runs the sandbox image locally for the "docker" sandbox
// mode. Production uses mode "remote" and never touches this; dev boxes get
// the same HTTP contract from a container on the host network.
type DockerProvisioner struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
	env         []string
	logger      *slog.Logger

	containerID string
}

// NewDockerProvisioner creates a provisioner for the given image.
func NewDockerProvisioner(image string, memoryMB int64, networkMode string, env []string, logger *slog.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if memoryMB <= 0 {
		memoryMB = 2048
	}
	if networkMode == "" {
		networkMode = "host"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvisioner{
		client:      cli,
		image:       image,
		memoryMB:    memoryMB * 1024 * 1024,
		networkMode: networkMode,
		env:         env,
		logger:      logger,
	}, nil
}

// Start creates and starts the sandbox container.
func (d *DockerProvisioner) Start(ctx context.Context) error {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Env:   d.env,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryMB,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create sandbox container: %w", err)
	}
	d.containerID = resp.ID

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start sandbox container: %w", err)
	}
	d.logger.Info("sandbox container started", "image", d.image, "container_id", d.containerID[:12])
	return nil
}

// WaitReady polls the health endpoint until the container answers or the
// context expires. Cold-start refusals during boot are expected.
func (d *DockerProvisioner) WaitReady(ctx context.Context, baseURL string) error {
	httpClient := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				d.logger.Info("sandbox container ready", "url", baseURL)
				return nil
			}
		} else if !IsColdStart(err.Error()) && ctx.Err() == nil {
			d.logger.Warn("sandbox health probe failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox never became ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop kills the container. AutoRemove cleans up the filesystem.
func (d *DockerProvisioner) Stop(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	timeout := 10
	if err := d.client.ContainerStop(ctx, d.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop sandbox container: %w", err)
	}
	d.logger.Info("sandbox container stopped", "container_id", d.containerID[:12])
	d.containerID = ""
	return nil
}
