package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// LocalImage is the image reported by the process backend.
const LocalImage = "local"

// Process runs workers as child processes of the server. It is meant for
// development; workers die with the server.
type Process struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProcess creates a process backend running commands in dir.
func NewProcess(dir string, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{dir: dir, logger: logger, procs: make(map[string]*localProc)}
}

// GetCurrentImage always reports LocalImage.
func (p *Process) GetCurrentImage(_ context.Context) (string, error) {
	return LocalImage, nil
}

// Create starts the worker command with the server environment plus
// spec.Env. The worker id is the process id.
func (p *Process) Create(_ context.Context, spec domain.WorkerSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", errors.New("worker command is empty")
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = p.dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start worker process: %w", err)
	}
	id := strconv.Itoa(cmd.Process.Pid)
	proc := &localProc{cmd: cmd, exited: make(chan struct{})}

	p.mu.Lock()
	p.procs[id] = proc
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(proc.exited)
		p.mu.Lock()
		if p.procs[id] == proc {
			delete(p.procs, id)
		}
		p.mu.Unlock()
		p.logger.Info("Worker process exited", "worker_id", id, "error", err)
	}()

	p.logger.Info("Worker process started", "worker_id", id)
	return id, nil
}

// GetState reports StateStarted while the process runs. Exited processes
// are forgotten and report StateDestroyed.
func (p *Process) GetState(_ context.Context, workerID string) (string, error) {
	p.mu.Lock()
	proc, ok := p.procs[workerID]
	p.mu.Unlock()
	if !ok {
		return StateDestroyed, nil
	}
	select {
	case <-proc.exited:
		return StateStopped, nil
	default:
		return StateStarted, nil
	}
}

// Destroy terminates a worker process and forgets it.
func (p *Process) Destroy(ctx context.Context, workerID string) error {
	p.mu.Lock()
	proc, ok := p.procs[workerID]
	delete(p.procs, workerID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal worker %s: %w", workerID, err)
	}
	select {
	case <-proc.exited:
		return nil
	case <-ctx.Done():
		if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill worker %s: %w", workerID, err)
		}
		return nil
	}
}
