package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// Destroyer removes a worker from the fleet.
type Destroyer interface {
	Destroy(ctx context.Context, workerID string) error
}

// SessionStore is the part of the registry the reclaimer needs.
type SessionStore interface {
	ListSessions(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.SessionRecord, error)
	UpdateSession(ctx context.Context, id string, status domain.SessionStatus, workerID, errMsg string) error
	DeleteFinishedSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// Reclaimer destroys orphaned workers and prunes old session records.
type Reclaimer struct {
	store     SessionStore
	destroyer Destroyer
	retention time.Duration
	logger    *slog.Logger
}

// NewReclaimer creates a reclaimer keeping finished records for retention.
func NewReclaimer(store SessionStore, destroyer Destroyer, retention time.Duration, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{store: store, destroyer: destroyer, retention: retention, logger: logger}
}

// Reclaim destroys the worker of one orphaned session and marks it failed.
func (r *Reclaimer) Reclaim(ctx context.Context, rec *domain.SessionRecord) error {
	if !rec.HasWorker() {
		return r.store.UpdateSession(ctx, rec.ID, domain.SessionFailed, "", "reclaimed without worker")
	}
	if err := r.destroyer.Destroy(ctx, rec.WorkerID); err != nil {
		return fmt.Errorf("destroy worker %s: %w", rec.WorkerID, err)
	}
	r.logger.Info("Orphaned worker reclaimed", "session_id", rec.ID, "worker_id", rec.WorkerID)
	return r.store.UpdateSession(ctx, rec.ID, domain.SessionFailed, "", "reclaimed")
}

// Sweep reclaims every orphan and prunes finished records.
func (r *Reclaimer) Sweep(ctx context.Context) {
	orphans, err := r.store.ListSessions(ctx, domain.SessionOrphaned, 0)
	if err != nil {
		r.logger.Error("Reclaimer failed to list orphans", "error", err)
		return
	}
	for _, rec := range orphans {
		if err := r.Reclaim(ctx, rec); err != nil {
			r.logger.Warn("Reclaimer failed to reclaim worker", "session_id", rec.ID, "worker_id", rec.WorkerID, "error", err)
		}
	}

	if r.retention <= 0 {
		return
	}
	deleted, err := r.store.DeleteFinishedSessions(ctx, r.retention)
	if err != nil {
		r.logger.Error("Reclaimer failed to prune sessions", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("Pruned finished sessions", "count", deleted)
	}
}

// Start runs Sweep every interval until ctx is cancelled.
func (r *Reclaimer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Reclaimer started", "interval", interval, "retention", r.retention)
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				r.logger.Info("Reclaimer shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
