// Package transcript persists conversation turns incrementally.
//
// A Sink tracks a high-water mark, the index of the last entry persisted, and
// on each FlushNew writes only the entries past it, in order. A failed write
// stops the flush at that entry so the next flush retries it first; entries
// are never skipped.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// ErrWriteFailed is matched by every per-entry write failure.
var ErrWriteFailed = errors.New("transcript write failed")

const defaultWriteTimeout = 10 * time.Second

// EntryWriter persists single entries for a Sink.
type EntryWriter interface {
	// WriteEntry durably stores one entry. It must not report success for an
	// entry that was not stored.
	WriteEntry(ctx context.Context, entry domain.TurnEntry) error

	// Close releases the backend.
	Close() error
}

// WriteError reports the entry a flush stopped at.
type WriteError struct {
	Index int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write transcript entry %d: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrWriteFailed, e.Err}
}

// Sink writes conversation entries through an EntryWriter exactly once each.
type Sink struct {
	mu           sync.Mutex
	writer       EntryWriter
	mark         int
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithWriteTimeout bounds each entry write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSink creates a sink that has persisted nothing yet.
func NewSink(writer EntryWriter, opts ...Option) *Sink {
	s := &Sink{
		writer:       writer,
		mark:         -1,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HighWaterMark returns the index of the last persisted entry, or -1.
func (s *Sink) HighWaterMark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark
}

// FlushNew writes the entries of log past the high-water mark and returns how
// many were written. With nothing new it performs no writes.
func (s *Sink) FlushNew(ctx context.Context, log *domain.ConversationLog) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := log.Since(s.mark + 1)
	written := 0
	for _, entry := range pending {
		if err := s.write(ctx, entry); err != nil {
			s.logger.Warn("Transcript entry write failed",
				"index", entry.Index,
				"high_water_mark", s.mark,
				"error", err)
			return written, &WriteError{Index: entry.Index, Err: err}
		}
		s.mark = entry.Index
		written++
	}
	if written > 0 {
		s.logger.Debug("Transcript flushed", "written", written, "high_water_mark", s.mark)
	}
	return written, nil
}

func (s *Sink) write(ctx context.Context, entry domain.TurnEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.writer.WriteEntry(ctx, entry)
}

// Close closes the underlying writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close transcript writer: %w", err)
	}
	return nil
}

// record is the persisted form of a turn.
type record struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

func toRecord(entry domain.TurnEntry) record {
	return record{Role: entry.Role, Content: entry.Content}
}

// entryKey is the zero-padded sequential key of an entry.
func entryKey(index int) string {
	return fmt.Sprintf("%06d", index)
}
