package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/shared"
)

// DefaultFlyAPIHost is the public Fly Machines endpoint.
const DefaultFlyAPIHost = "https://api.machines.dev/v1"

// FlyConfig configures the Fly Machines backend.
type FlyConfig struct {
	APIHost string
	AppName string
	APIKey  string
}

// Fly launches workers as Fly machines.
type Fly struct {
	cfg    FlyConfig
	client *http.Client
	logger *slog.Logger
}

// NewFly creates a Fly backend. client may be nil.
func NewFly(cfg FlyConfig, client *http.Client, logger *slog.Logger) *Fly {
	if cfg.APIHost == "" {
		cfg.APIHost = DefaultFlyAPIHost
	}
	cfg.APIHost = strings.TrimRight(cfg.APIHost, "/")
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fly{cfg: cfg, client: client, logger: logger}
}

type flyGuest struct {
	CPUKind  string `json:"cpu_kind,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
}

type flyMachineConfig struct {
	Image       string            `json:"image"`
	AutoDestroy bool              `json:"auto_destroy"`
	Init        flyInit           `json:"init"`
	Restart     flyRestart        `json:"restart"`
	Guest       flyGuest          `json:"guest"`
	Env         map[string]string `json:"env"`
}

type flyInit struct {
	Cmd []string `json:"cmd,omitempty"`
}

type flyRestart struct {
	Policy string `json:"policy"`
}

type flyMachine struct {
	ID     string           `json:"id"`
	State  string           `json:"state"`
	Config flyMachineConfig `json:"config"`
}

type flyCreateRequest struct {
	Config flyMachineConfig `json:"config"`
}

func (f *Fly) machinesURL() string {
	return fmt.Sprintf("%s/apps/%s/machines", f.cfg.APIHost, url.PathEscape(f.cfg.AppName))
}

// GetCurrentImage returns the image of the app's first machine, which is the
// machine serving the API itself.
func (f *Fly) GetCurrentImage(ctx context.Context) (string, error) {
	var machines []flyMachine
	if err := shared.DoJSON(ctx, f.client, http.MethodGet, f.machinesURL(), f.cfg.APIKey, nil, &machines); err != nil {
		return "", fmt.Errorf("list machines: %w", err)
	}
	if len(machines) == 0 || machines[0].Config.Image == "" {
		return "", ErrNoImage
	}
	return machines[0].Config.Image, nil
}

// Create submits a new machine and returns its id without waiting for it.
func (f *Fly) Create(ctx context.Context, spec domain.WorkerSpec) (string, error) {
	env := spec.Env
	if env == nil {
		env = map[string]string{}
	}
	req := flyCreateRequest{Config: flyMachineConfig{
		Image:       spec.Image,
		AutoDestroy: spec.AutoDestroy,
		Init:        flyInit{Cmd: spec.Command},
		Restart:     flyRestart{Policy: "no"},
		Guest: flyGuest{
			CPUKind:  spec.Resources.CPUKind,
			CPUs:     spec.Resources.CPUs,
			MemoryMB: spec.Resources.MemoryMB,
		},
		Env: env,
	}}

	var machine flyMachine
	if err := shared.DoJSON(ctx, f.client, http.MethodPost, f.machinesURL(), f.cfg.APIKey, req, &machine); err != nil {
		return "", fmt.Errorf("create machine: %w", err)
	}
	f.logger.Info("Fly machine created", "worker_id", machine.ID, "state", machine.State)
	return machine.ID, nil
}

// GetState returns the machine state, such as "created" or "started".
func (f *Fly) GetState(ctx context.Context, workerID string) (string, error) {
	var machine flyMachine
	u := f.machinesURL() + "/" + url.PathEscape(workerID)
	if err := shared.DoJSON(ctx, f.client, http.MethodGet, u, f.cfg.APIKey, nil, &machine); err != nil {
		if shared.IsHTTPStatus(err, http.StatusNotFound) {
			return StateDestroyed, nil
		}
		return "", fmt.Errorf("get machine %s: %w", workerID, err)
	}
	return machine.State, nil
}

// Destroy force-deletes a machine. A machine that is already gone is not an
// error.
func (f *Fly) Destroy(ctx context.Context, workerID string) error {
	u := f.machinesURL() + "/" + url.PathEscape(workerID) + "?force=true"
	if err := shared.DoJSON(ctx, f.client, http.MethodDelete, u, f.cfg.APIKey, nil, nil); err != nil {
		if shared.IsHTTPStatus(err, http.StatusNotFound) {
			f.logger.Debug("Fly machine already destroyed", "worker_id", workerID)
			return nil
		}
		return fmt.Errorf("destroy machine %s: %w", workerID, err)
	}
	f.logger.Info("Fly machine destroyed", "worker_id", workerID)
	return nil
}
