// Package store persists the server's session registry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Repository records provisioning status for every requested session.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error

	// UpdateSession sets status, worker id and error message of a session.
	// An empty workerID keeps the stored one.
	UpdateSession(ctx context.Context, id string, status domain.SessionStatus, workerID, errMsg string) error

	// ReportOrphan marks a session whose worker was created but never
	// confirmed, so it can be reclaimed.
	ReportOrphan(ctx context.Context, sessionID, workerID string, cause error) error

	// GetSession returns one session.
	GetSession(ctx context.Context, id string) (*domain.SessionRecord, error)

	// ListSessions returns the most recent sessions first, optionally
	// filtered by status.
	ListSessions(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.SessionRecord, error)

	// DeleteFinishedSessions removes non-orphaned records older than ttl.
	DeleteFinishedSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
