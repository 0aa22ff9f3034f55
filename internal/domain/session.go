// Package domain contains core domain types for the moderator service.
package domain

import (
	"time"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateAwaitingFirstJoin State = iota
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstJoin:
		return "awaiting_first_join"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionStatus is the provisioning status the server records for a session.
type SessionStatus string

const (
	SessionSpawning SessionStatus = "spawning"
	SessionRunning  SessionStatus = "running"
	SessionFailed   SessionStatus = "failed"
	// SessionOrphaned marks a worker that was created but never confirmed.
	// It needs manual reclamation.
	SessionOrphaned SessionStatus = "orphaned"
)

// SessionRecord is the server-side record of one requested session.
type SessionRecord struct {
	ID        string        `json:"id"`
	RoomURL   string        `json:"room_url"`
	WorkerID  string        `json:"worker_id,omitempty"`
	Status    SessionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// HasWorker returns true if a worker was created for the session.
func (r *SessionRecord) HasWorker() bool {
	return r.WorkerID != ""
}

// SessionContext identifies a running session inside a worker. It is created
// once at session start and passed to whatever needs to name session output.
type SessionContext struct {
	ID        string
	StartedAt time.Time
}

// NewSessionContext creates a session context started now.
func NewSessionContext(id string) SessionContext {
	return SessionContext{ID: id, StartedAt: time.Now()}
}

// Stamp formats the session start for use in file names.
func (c SessionContext) Stamp() string {
	return c.StartedAt.Format("2006-01-02_15-04-05")
}
