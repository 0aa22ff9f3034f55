package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/shared"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the registry at dbPath. ":memory:"
// opens a private in-memory database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// WAL mode for concurrent readers while the launcher writes.
		dsn = dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		room_url TEXT NOT NULL,
		worker_id TEXT,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (session_id, room_url, worker_id, status, error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create session", writeRetries, writeBaseDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.RoomURL, nullable(rec.WorkerID), string(rec.Status), nullable(rec.Error),
			rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// UpdateSession sets status, worker id and error message of a session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, status domain.SessionStatus, workerID, errMsg string) error {
	query := `
	UPDATE sessions SET
		status = ?,
		worker_id = COALESCE(?, worker_id),
		error = ?,
		updated_at = ?
	WHERE session_id = ?`

	return shared.RetryOnConflict(ctx, "update session", writeRetries, writeBaseDelay, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query,
			string(status), nullable(workerID), nullable(errMsg), time.Now().Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// ReportOrphan marks a session as orphaned with its worker id.
func (s *SQLiteStore) ReportOrphan(ctx context.Context, sessionID, workerID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.UpdateSession(ctx, sessionID, domain.SessionOrphaned, workerID, msg); err != nil {
		return err
	}
	slog.Warn("Orphaned worker recorded", "session_id", sessionID, "worker_id", workerID)
	return nil
}

// GetSession returns one session or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	query := `
		SELECT session_id, room_url, worker_id, status, error, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first. An empty status
// lists all sessions; limit <= 0 means 100.
func (s *SQLiteStore) ListSessions(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT session_id, room_url, worker_id, status, error, created_at, updated_at
		FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, session_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteFinishedSessions removes running and failed records not updated
// within ttl. Orphans are kept until they are reclaimed.
func (s *SQLiteStore) DeleteFinishedSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `DELETE FROM sessions WHERE status IN (?, ?) AND updated_at < ?`

	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete finished sessions", writeRetries, writeBaseDelay, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, string(domain.SessionRunning), string(domain.SessionFailed), threshold)
		if err != nil {
			return fmt.Errorf("delete finished sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var workerID, errMsg sql.NullString
	var status string
	var createdAt, updatedAt int64

	if err := row.Scan(&rec.ID, &rec.RoomURL, &workerID, &status, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.WorkerID = workerID.String
	rec.Status = domain.SessionStatus(status)
	rec.Error = errMsg.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Repository = (*SQLiteStore)(nil)
