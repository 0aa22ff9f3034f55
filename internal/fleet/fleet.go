// Package fleet implements the compute backends workers are launched on:
// Fly Machines, a local Docker daemon and plain local processes.
package fleet

import (
	"context"
	"errors"
)

// Worker states reported by every backend. Backends may report other
// provider-specific states; only StateStarted means ready.
const (
	StateStarted   = "started"
	StateStopped   = "stopped"
	StateDestroyed = "destroyed"
)

// ErrNoImage is returned when no launch image can be resolved.
var ErrNoImage = errors.New("no worker image available")

// Reclaimer destroys a worker that is no longer wanted.
type Reclaimer interface {
	Destroy(ctx context.Context, workerID string) error
}
