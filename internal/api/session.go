package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/launcher"
	"github.com/ashureev/mds-moderator/internal/store"
)

// maxStartBody caps the start_bot request body.
const maxStartBody = 64 << 10

// reclaimLocks prevents concurrent reclaim requests for the same session.
var reclaimLocks sync.Map

// SessionStarter starts sessions.
type SessionStarter interface {
	StartSession(ctx context.Context, req launcher.StartRequest) (launcher.StartResponse, error)
}

// WorkerReclaimer destroys the worker of an orphaned session.
type WorkerReclaimer interface {
	Reclaim(ctx context.Context, rec *domain.SessionRecord) error
}

// SessionHandler handles session endpoints.
type SessionHandler struct {
	starter      SessionStarter
	repo         store.Repository
	reclaimer    WorkerReclaimer
	startTimeout time.Duration
}

// NewSessionHandler creates a session handler. reclaimer may be nil, which
// disables the reclaim endpoint.
func NewSessionHandler(starter SessionStarter, repo store.Repository, reclaimer WorkerReclaimer, startTimeout time.Duration) *SessionHandler {
	if startTimeout <= 0 {
		startTimeout = 2 * time.Minute
	}
	return &SessionHandler{starter: starter, repo: repo, reclaimer: reclaimer, startTimeout: startTimeout}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/start_bot", h.StartBot)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{id}", h.GetSession)
		r.Post("/{id}/reclaim", h.Reclaim)
	})
}

// StartBot provisions a room and a bot worker and returns the room URL with
// a token for the user. A body containing "test" is acknowledged without
// starting anything. A missing or malformed body uses defaults.
func (h *SessionHandler) StartBot(w http.ResponseWriter, r *http.Request) {
	req, isTest := parseStartRequest(r.Body)
	if isTest {
		JSON(w, http.StatusOK, map[string]bool{"test": true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.startTimeout)
	defer cancel()

	resp, err := h.starter.StartSession(ctx, req)
	if err != nil {
		slog.Error("Failed to start session", "error", err)
		StartError(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

func parseStartRequest(body io.Reader) (launcher.StartRequest, bool) {
	var req launcher.StartRequest
	if body == nil {
		return req, false
	}
	data, err := io.ReadAll(io.LimitReader(body, maxStartBody))
	if err != nil || len(data) == 0 {
		return req, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		slog.Debug("Ignoring malformed start_bot body", "error", err)
		return req, false
	}
	if _, ok := fields["test"]; ok {
		return req, true
	}
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Debug("Ignoring malformed start_bot fields", "error", err)
		return launcher.StartRequest{}, false
	}
	return req, false
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, launcher.ErrSpawnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, launcher.ErrSpawnCancelled), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ListSessions lists recent sessions, optionally filtered by ?status=.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	status := domain.SessionStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := h.repo.ListSessions(r.Context(), status, limit)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.SessionRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session record.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to get session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	JSON(w, http.StatusOK, rec)
}

// Reclaim destroys the worker of an orphaned session.
func (h *SessionHandler) Reclaim(w http.ResponseWriter, r *http.Request) {
	if h.reclaimer == nil {
		Error(w, http.StatusNotImplemented, "reclaim not supported by this fleet")
		return
	}
	id := chi.URLParam(r, "id")

	lock, _ := reclaimLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		JSON(w, http.StatusOK, map[string]string{"status": "reclaiming"})
		return
	}
	defer func() {
		mutex.Unlock()
		reclaimLocks.Delete(id)
	}()

	ctx := r.Context()
	rec, err := h.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if rec.Status != domain.SessionOrphaned {
		Error(w, http.StatusConflict, "session is not orphaned")
		return
	}
	if err := h.reclaimer.Reclaim(ctx, rec); err != nil {
		slog.Error("Failed to reclaim worker", "session_id", id, "worker_id", rec.WorkerID, "error", err)
		Error(w, http.StatusBadGateway, "failed to reclaim worker")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reclaimed", "worker_id": rec.WorkerID})
}
