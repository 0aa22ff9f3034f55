package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// FileWriter appends entries to a local file as comma-terminated JSON
// objects, one per line. The file as a whole is not a JSON document.
type FileWriter struct {
	f    appendFile
	path string
	// size is the length of the file up to the last stored entry.
	size int64
}

// appendFile is the part of *os.File a FileWriter uses.
type appendFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// FilePath returns the conversation file path for a session under dir.
func FilePath(dir string, sc domain.SessionContext) string {
	return filepath.Join(dir, fmt.Sprintf("conversation-%s.log", sc.Stamp()))
}

// NewFileWriter opens (or creates) the conversation file of the session.
func NewFileWriter(dir string, sc domain.SessionContext) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	path := FilePath(dir, sc)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat transcript file: %w", err)
	}
	return &FileWriter{f: f, path: path, size: info.Size()}, nil
}

// Path returns the file being written.
func (w *FileWriter) Path() string {
	return w.path
}

// WriteEntry appends one entry and syncs the file. On failure the file is
// cut back to its previous length so a retried entry is not stored twice.
func (w *FileWriter) WriteEntry(ctx context.Context, entry domain.TurnEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, ',', '\n')
	if _, err := w.f.Write(data); err != nil {
		return w.rollback(fmt.Errorf("append entry: %w", err))
	}
	if err := w.f.Sync(); err != nil {
		return w.rollback(fmt.Errorf("sync transcript file: %w", err))
	}
	w.size += int64(len(data))
	return nil
}

func (w *FileWriter) rollback(cause error) error {
	if err := w.f.Truncate(w.size); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate transcript file: %w", err))
	}
	return cause
}

// Close closes the file.
func (w *FileWriter) Close() error {
	return w.f.Close()
}

var _ EntryWriter = (*FileWriter)(nil)
