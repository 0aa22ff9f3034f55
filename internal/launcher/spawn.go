// Package launcher provisions rooms and spawns ephemeral workers that join
// them.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// StateStarted is the only fleet state treated as success.
const StateStarted = "started"

// Fleet is the compute API workers run on.
type Fleet interface {
	GetCurrentImage(ctx context.Context) (string, error)
	Create(ctx context.Context, spec domain.WorkerSpec) (string, error)
	GetState(ctx context.Context, workerID string) (string, error)
}

// SpawnConfig bounds the spawn/poll loop.
type SpawnConfig struct {
	Deadline       time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// CallTimeout bounds each individual fleet call.
	CallTimeout time.Duration
}

// DefaultSpawnConfig returns the defaults used when a field is zero.
func DefaultSpawnConfig() SpawnConfig {
	return SpawnConfig{
		Deadline:       90 * time.Second,
		MaxAttempts:    12,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		CallTimeout:    10 * time.Second,
	}
}

func (c SpawnConfig) withDefaults() SpawnConfig {
	d := DefaultSpawnConfig()
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Spawner creates workers and waits for them to start. It holds no
// per-session state and is safe for concurrent use.
type Spawner struct {
	fleet  Fleet
	cfg    SpawnConfig
	logger *slog.Logger
}

// NewSpawner creates a spawner.
func NewSpawner(fleet Fleet, cfg SpawnConfig, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{fleet: fleet, cfg: cfg.withDefaults(), logger: logger}
}

// Spawn launches a worker that joins roomURL with token and waits until the
// fleet reports it started. A deadline of zero uses the configured one.
func (s *Spawner) Spawn(ctx context.Context, roomURL, token string, spec domain.WorkerSpec, deadline time.Duration) (domain.WorkerHandle, error) {
	if deadline <= 0 {
		deadline = s.cfg.Deadline
	}

	if spec.Image == "" {
		image, err := s.currentImage(ctx)
		if err != nil {
			return domain.WorkerHandle{}, &ProvisionError{Op: "resolve image", Err: err}
		}
		spec.Image = image
	}
	spec.Command = launchCommand(spec.Command, roomURL, token)

	workerID, err := s.create(ctx, spec)
	if err != nil {
		return domain.WorkerHandle{}, &ProvisionError{Op: "create worker", Err: err}
	}
	handle := domain.WorkerHandle{ID: workerID, RoomURL: roomURL, Image: spec.Image}
	s.logger.Info("Worker created, waiting for start", "worker_id", workerID, "image", spec.Image)

	if err := s.waitStarted(ctx, workerID, deadline); err != nil {
		s.logger.Error("Worker did not start, needs reclamation", "worker_id", workerID, "error", err)
		return handle, err
	}
	s.logger.Info("Worker started", "worker_id", workerID, "room_url", roomURL)
	return handle, nil
}

func (s *Spawner) waitStarted(ctx context.Context, workerID string, deadline time.Duration) error {
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var (
		lastState string
		lastErr   error
		attempts  int
	)
	for i := 0; i < s.cfg.MaxAttempts; i++ {
		attempts = i + 1
		state, err := s.state(pollCtx, workerID)
		if err == nil && state == StateStarted {
			return nil
		}
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrTransientPoll, err)
			s.logger.Debug("Worker state poll failed, retrying",
				"worker_id", workerID,
				"attempt", attempts,
				"error", err)
		} else {
			lastState = state
			lastErr = nil
			s.logger.Debug("Worker not started yet",
				"worker_id", workerID,
				"attempt", attempts,
				"state", state)
		}
		if attempts == s.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(s.backoff(i))
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return s.spawnError(ctx, workerID, attempts, lastState, lastErr)
		case <-timer.C:
		}
	}
	return s.spawnError(ctx, workerID, attempts, lastState, lastErr)
}

func (s *Spawner) spawnError(ctx context.Context, workerID string, attempts int, lastState string, cause error) error {
	kind := ErrSpawnTimeout
	if ctx.Err() != nil {
		kind = ErrSpawnCancelled
		if cause == nil {
			cause = ctx.Err()
		}
	}
	return &SpawnError{
		WorkerID:  workerID,
		Attempts:  attempts,
		LastState: lastState,
		Kind:      kind,
		Cause:     cause,
	}
}

// backoff is InitialBackoff * 2^i capped at MaxBackoff.
func (s *Spawner) backoff(i int) time.Duration {
	if i > 30 {
		return s.cfg.MaxBackoff
	}
	delay := s.cfg.InitialBackoff * time.Duration(1<<i)
	if delay <= 0 || delay > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return delay
}

func (s *Spawner) currentImage(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	image, err := s.fleet.GetCurrentImage(ctx)
	if err != nil {
		return "", err
	}
	if image == "" {
		return "", errors.New("fleet returned empty image")
	}
	return image, nil
}

func (s *Spawner) create(ctx context.Context, spec domain.WorkerSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	id, err := s.fleet.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("fleet returned empty worker id")
	}
	return id, nil
}

func (s *Spawner) state(ctx context.Context, workerID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.fleet.GetState(ctx, workerID)
}

// launchCommand appends the room arguments understood by cmd/worker.
func launchCommand(base []string, roomURL, token string) []string {
	cmd := make([]string, 0, len(base)+4)
	cmd = append(cmd, base...)
	return append(cmd, "-u", roomURL, "-t", token)
}
