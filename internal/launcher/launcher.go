package launcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// RoomProvider creates rooms and meeting tokens.
type RoomProvider interface {
	CreateRoom(ctx context.Context, opts domain.RoomOptions) (domain.Room, error)
	GetRoomByURL(ctx context.Context, roomURL string) (domain.Room, error)
	GetToken(ctx context.Context, roomURL string, ttl time.Duration) (string, error)
}

// Registry records the provisioning status of sessions.
type Registry interface {
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error
	UpdateSession(ctx context.Context, id string, status domain.SessionStatus, workerID, errMsg string) error
	OrphanReporter
}

// OrphanReporter records workers that were created but never confirmed.
type OrphanReporter interface {
	ReportOrphan(ctx context.Context, sessionID, workerID string, cause error) error
}

// StartRequest customizes a session. All fields are optional.
type StartRequest struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	SpriteFolder string `json:"sprite_folder,omitempty"`
	Name         string `json:"name,omitempty"`
}

// StartResponse is what the caller needs to join the session.
type StartResponse struct {
	SessionID string `json:"-"`
	RoomURL   string `json:"room_url"`
	Token     string `json:"token"`
}

// Config configures a Launcher.
type Config struct {
	// Worker is the template every worker spec starts from.
	Worker domain.WorkerSpec
	// SessionTTL bounds room lifetime and token validity.
	SessionTTL time.Duration
	Spawn      SpawnConfig
}

// Launcher starts complete sessions: room, bot token, worker, user token.
type Launcher struct {
	cfg      Config
	rooms    RoomProvider
	spawner  *Spawner
	registry Registry
	logger   *slog.Logger
}

// New creates a launcher. registry may be nil.
func New(cfg Config, rooms RoomProvider, fleet Fleet, registry Registry, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	return &Launcher{
		cfg:      cfg,
		rooms:    rooms,
		spawner:  NewSpawner(fleet, cfg.Spawn, logger),
		registry: registry,
		logger:   logger,
	}
}

// StartSession provisions a room, spawns a worker into it and returns a
// token for the user.
func (l *Launcher) StartSession(ctx context.Context, req StartRequest) (StartResponse, error) {
	sessionID := uuid.NewString()
	logger := l.logger.With("session_id", sessionID)

	room, err := l.rooms.CreateRoom(ctx, domain.RoomOptions{ExpiresIn: l.cfg.SessionTTL, EjectAtExpiry: true})
	if err != nil {
		return StartResponse{}, &ProvisionError{Op: "create room", Err: err}
	}
	logger.Info("Room created", "room_url", room.URL)

	now := time.Now()
	l.record(ctx, &domain.SessionRecord{
		ID:        sessionID,
		RoomURL:   room.URL,
		Status:    domain.SessionSpawning,
		CreatedAt: now,
		UpdatedAt: now,
	})

	botToken, err := l.rooms.GetToken(ctx, room.URL, l.cfg.SessionTTL)
	if err != nil {
		err = &ProvisionError{Op: "bot token", Err: err}
		l.update(ctx, sessionID, domain.SessionFailed, "", err)
		return StartResponse{}, err
	}

	spec := l.cfg.Worker.
		WithEnv(domain.EnvSessionID, sessionID).
		WithEnv(domain.EnvSystemPrompt, req.SystemPrompt).
		WithEnv(domain.EnvSpriteFolder, req.SpriteFolder).
		WithEnv(domain.EnvBotName, req.Name)

	handle, err := l.spawner.Spawn(ctx, room.URL, botToken, spec, l.cfg.Spawn.Deadline)
	if err != nil {
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			l.orphan(sessionID, spawnErr.WorkerID, err)
		} else {
			l.update(ctx, sessionID, domain.SessionFailed, "", err)
		}
		return StartResponse{}, err
	}
	l.update(ctx, sessionID, domain.SessionRunning, handle.ID, nil)

	userToken, err := l.rooms.GetToken(ctx, room.URL, l.cfg.SessionTTL)
	if err != nil {
		// Nobody can join the room, so the running worker is orphaned.
		err = &ProvisionError{Op: "user token", WorkerID: handle.ID, Err: err}
		l.orphan(sessionID, handle.ID, err)
		return StartResponse{}, err
	}
	logger.Info("Session started", "room_url", room.URL, "worker_id", handle.ID)

	return StartResponse{SessionID: sessionID, RoomURL: room.URL, Token: userToken}, nil
}

// DeployOnce starts one session with default settings, for bringing up a bot
// from the command line.
func (l *Launcher) DeployOnce(ctx context.Context) (StartResponse, error) {
	return l.StartSession(ctx, StartRequest{})
}

func (l *Launcher) record(ctx context.Context, rec *domain.SessionRecord) {
	if l.registry == nil {
		return
	}
	if err := l.registry.CreateSession(ctx, rec); err != nil {
		l.logger.Warn("Failed to record session", "session_id", rec.ID, "error", err)
	}
}

func (l *Launcher) update(ctx context.Context, sessionID string, status domain.SessionStatus, workerID string, cause error) {
	if l.registry == nil {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := l.registry.UpdateSession(ctx, sessionID, status, workerID, msg); err != nil {
		l.logger.Warn("Failed to update session", "session_id", sessionID, "status", status, "error", err)
	}
}

// orphan uses a fresh context so a cancelled request still gets recorded.
func (l *Launcher) orphan(sessionID, workerID string, cause error) {
	l.logger.Error("Orphaned worker", "session_id", sessionID, "worker_id", workerID, "error", cause)
	if l.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.registry.ReportOrphan(ctx, sessionID, workerID, cause); err != nil {
		l.logger.Warn("Failed to record orphaned worker", "session_id", sessionID, "worker_id", workerID, "error", err)
	}
}
