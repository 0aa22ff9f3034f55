package launcher

import (
	"errors"
	"fmt"
)

var (
	// ErrProvision marks a failed room, token, image or create call.
	ErrProvision = errors.New("provision failed")
	// ErrSpawnTimeout marks a worker that never reported started.
	ErrSpawnTimeout = errors.New("spawn timed out")
	// ErrSpawnCancelled marks a spawn interrupted by its caller.
	ErrSpawnCancelled = errors.New("spawn cancelled")
	// ErrTransientPoll marks a recoverable error while polling worker state.
	ErrTransientPoll = errors.New("transient poll error")
)

// ProvisionError is returned when a provisioning call fails. These calls are
// never retried. WorkerID is set when a started worker was left behind.
type ProvisionError struct {
	Op       string
	WorkerID string
	Err      error
}

func (e *ProvisionError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("provision %s (worker %s): %v", e.Op, e.WorkerID, e.Err)
	}
	return fmt.Sprintf("provision %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() []error {
	return []error{ErrProvision, e.Err}
}

// SpawnError is returned when a created worker could not be confirmed.
// WorkerID is always set so the worker can be reclaimed.
type SpawnError struct {
	WorkerID  string
	Attempts  int
	LastState string
	// Kind is ErrSpawnTimeout or ErrSpawnCancelled.
	Kind  error
	Cause error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("%v: worker %s after %d attempts", e.Kind, e.WorkerID, e.Attempts)
	if e.LastState != "" {
		msg += fmt.Sprintf(" (last state %q)", e.LastState)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SpawnError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
