package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/ashureev/mds-moderator/internal/domain"
)

const (
	workerLabel     = "mds.worker"
	stopTimeoutSecs = 10
	defaultSubnet   = "172.29.0.0/16"
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	// Image is the worker image. Docker has no "current app image", so it
	// must be configured.
	Image   string
	Network string
	// Runtime is "" for the default runtime or e.g. "runsc" for gVisor.
	Runtime string
}

// Docker launches workers as containers on the local daemon.
type Docker struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDocker connects to the daemon configured in the environment.
func NewDocker(cfg DockerConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker client initialized", "runtime", runtime, "network", cfg.Network)
	return &Docker{cli: cli, cfg: cfg, logger: logger}, nil
}

// Close releases the daemon connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// GetCurrentImage returns the configured worker image.
func (d *Docker) GetCurrentImage(_ context.Context) (string, error) {
	if d.cfg.Image == "" {
		return "", ErrNoImage
	}
	return d.cfg.Image, nil
}

// Create creates and starts a worker container. The container is removed
// again if it cannot be started, so a failed Create leaves nothing behind.
func (d *Docker) Create(ctx context.Context, spec domain.WorkerSpec) (string, error) {
	name := "mds-worker-" + uuid.NewString()[:8]

	envVars := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    envVars,
		Labels: map[string]string{workerLabel: "true"},
	}
	hostConfig := &container.HostConfig{
		Runtime:       d.cfg.Runtime,
		AutoRemove:    spec.AutoDestroy,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			Memory:   int64(spec.Resources.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(spec.Resources.CPUs) * 1_000_000_000,
		},
	}
	if d.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			d.logger.Warn("Failed to remove container after start failure", "worker_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	d.logger.Info("Worker container created", "worker_id", resp.ID, "name", name)
	return resp.ID, nil
}

// GetState maps the container state onto fleet states.
func (d *Docker) GetState(ctx context.Context, workerID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, workerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateDestroyed, nil
		}
		return "", fmt.Errorf("inspect container %s: %w", workerID, err)
	}
	if inspect.State == nil {
		return "", nil
	}
	return containerState(inspect.State.Running, string(inspect.State.Status)), nil
}

func containerState(running bool, status string) string {
	switch {
	case running:
		return StateStarted
	case status == "exited" || status == "dead":
		return StateStopped
	default:
		return status
	}
}

// Destroy stops and removes a worker container. It is idempotent.
func (d *Docker) Destroy(ctx context.Context, workerID string) error {
	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, workerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			d.logger.Debug("Container already removed", "worker_id", workerID)
			return nil
		}
		d.logger.Debug("Container stop returned error, continuing to remove", "worker_id", workerID, "error", err)
	}

	if err := d.cli.ContainerRemove(ctx, workerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", workerID, err)
	}
	d.logger.Info("Worker container removed", "worker_id", workerID)
	return nil
}

// EnsureNetwork creates the worker bridge network if it doesn't exist.
func (d *Docker) EnsureNetwork(ctx context.Context) (string, error) {
	if d.cfg.Network == "" {
		return "", nil
	}
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == d.cfg.Network {
			return nw.ID, nil
		}
	}

	resp, err := d.cli.NetworkCreate(ctx, d.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: defaultSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", d.cfg.Network, err)
	}
	d.logger.Info("Worker network created", "network_id", resp.ID, "subnet", defaultSubnet)
	return resp.ID, nil
}
