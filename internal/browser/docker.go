package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const cdpPort = "3000/tcp"

// Container is a running browserless/chrome instance owned by one worker.
type Container struct {
	ID         string
	WorkerID   string
	ConnectURL string
	ControlURL string
	Port       string
}

// DockerProvider runs one Chrome container per worker so that a wedged
// Chrome can be torn down with its worker.
type DockerProvider struct {
	client *client.Client
	image  string
	log    *zap.Logger

	readyInterval time.Duration
	readyAttempts int
}

func NewDockerProvider(image string, log *zap.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvider{
		client:        cli,
		image:         image,
		log:           log,
		readyInterval: 500 * time.Millisecond,
		readyAttempts: 20,
	}, nil
}

// containerSpec describes the chrome container for workerID. The CDP port
// is published on loopback only, on a port docker picks.
func containerSpec(image, workerID string) (*container.Config, *container.HostConfig) {
	containerConfig := &container.Config{
		Image: image,
		Labels: map[string]string{
			"worker-id":  workerID,
			"managed-by": "browserbase-stream",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}
	return containerConfig, hostConfig
}

// boundPort returns the host port docker published for the CDP port.
func boundPort(ports nat.PortMap) (string, error) {
	for _, b := range ports[cdpPort] {
		if b.HostPort != "" && b.HostPort != "0" {
			return b.HostPort, nil
		}
	}
	return "", fmt.Errorf("no host port bound for %s", cdpPort)
}

func (p *DockerProvider) Launch(ctx context.Context, workerID string) (*Container, error) {
	containerConfig, hostConfig := containerSpec(p.image, workerID)

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil,
		fmt.Sprintf("browserstream-%s-%d", workerID, time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	port, err := boundPort(inspect.NetworkSettings.Ports)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s: %w", resp.ID[:12], err)
	}

	if err := p.waitForBrowserReady(ctx, "http://127.0.0.1:"+port); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	p.log.Info("chrome container started",
		zap.String("worker", workerID),
		zap.String("container", resp.ID[:12]),
		zap.String("port", port))

	return &Container{
		ID:         resp.ID,
		WorkerID:   workerID,
		ConnectURL: fmt.Sprintf("http://127.0.0.1:%s", port),
		ControlURL: fmt.Sprintf("ws://127.0.0.1:%s", port),
		Port:       port,
	}, nil
}

// Release stops and removes c, then closes the docker client.
func (p *DockerProvider) Release(c *Container) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.Stop(ctx, c.ID)
	if cerr := p.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (p *DockerProvider) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := p.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

func (p *DockerProvider) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.log.Warn("failed to remove container", zap.String("container", containerID), zap.Error(err))
	}
}

func (p *DockerProvider) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	p.log.Info("pulling chrome image", zap.String("image", p.image))
	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvider) Close() error {
	return p.client.Close()
}

// waitForBrowserReady polls /json/version under baseURL until Chrome
// answers.
func (p *DockerProvider) waitForBrowserReady(ctx context.Context, baseURL string) error {
	url := baseURL + "/json/version"
	ticker := time.NewTicker(p.readyInterval)
	defer ticker.Stop()

	for i := 0; i < p.readyAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return fmt.Errorf("browser did not become ready after %d attempts", p.readyAttempts)
}
