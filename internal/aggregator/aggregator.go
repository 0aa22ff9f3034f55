// Package aggregator coalesces speech events into attributed conversation turns.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/events"
)

var (
	// ErrStrayFragment marks a fragment that arrived outside an open turn.
	ErrStrayFragment = errors.New("stray transcript fragment")
	// ErrInvalidTimestamp marks a fragment whose timestamp cannot be parsed.
	ErrInvalidTimestamp = errors.New("invalid fragment timestamp")
)

// Flusher persists the new entries of a conversation log.
type Flusher interface {
	FlushNew(ctx context.Context, log *domain.ConversationLog) (int, error)
}

// Strategy selects which events open, accumulate and close a turn, and the
// role the coalesced turn is recorded under.
type Strategy struct {
	Open       events.Kind
	Accumulate events.Kind
	Close      events.Kind
	Role       domain.Role
}

// UserSpeech is the strategy for participant speech.
func UserSpeech() Strategy {
	return Strategy{
		Open:       events.KindSpeechStarted,
		Accumulate: events.KindTranscriptFragment,
		Close:      events.KindSpeechStopped,
		Role:       domain.RoleUser,
	}
}

// Config holds aggregator settings.
type Config struct {
	Strategy Strategy
	// AssistantName is the display name of the bot. Fragments attributed to
	// it are recorded as raw text.
	AssistantName string
	FlushTimeout  time.Duration
}

type fragment struct {
	speakerID string
	text      string
	at        time.Time
}

// Aggregator turns a stream of speech events into TurnEntries.
type Aggregator struct {
	cfg     Config
	log     *domain.ConversationLog
	flusher Flusher
	logger  *slog.Logger

	mu          sync.Mutex
	names       map[string]string
	aggregating bool
	speakers    map[string]bool
	buffer      []fragment
}

// New creates an aggregator appending to log and flushing through flusher.
// flusher may be nil.
func New(cfg Config, log *domain.ConversationLog, flusher Flusher, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == (Strategy{}) {
		cfg.Strategy = UserSpeech()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 15 * time.Second
	}
	return &Aggregator{
		cfg:      cfg,
		log:      log,
		flusher:  flusher,
		logger:   logger,
		names:    make(map[string]string),
		speakers: make(map[string]bool),
	}
}

// AddMapping registers the display name of a speaker id.
func (a *Aggregator) AddMapping(speakerID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names[speakerID] = name
}

// Aggregating reports whether a turn is open.
func (a *Aggregator) Aggregating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aggregating
}

// Handle processes one speech event. Stray fragments and fragments with bad
// timestamps are dropped and logged; they never fail the stream.
func (a *Aggregator) Handle(ctx context.Context, ev events.Event) {
	switch ev.Kind() {
	case a.cfg.Strategy.Open:
		a.open(speakerOf(ev))
	case a.cfg.Strategy.Accumulate:
		frag, ok := ev.(events.TranscriptFragment)
		if !ok {
			return
		}
		if err := a.accumulate(frag); err != nil {
			if errors.Is(err, ErrStrayFragment) {
				a.logger.Debug("Dropping fragment", "speaker_id", frag.SpeakerID, "error", err)
			} else {
				a.logger.Warn("Dropping fragment", "speaker_id", frag.SpeakerID, "error", err)
			}
		}
	case a.cfg.Strategy.Close:
		if entry, ok := a.close(); ok {
			a.logger.Info("Turn recorded", "index", entry.Index, "role", entry.Role)
			a.flush(ctx)
		}
	}
}

// RecordAssistant appends an assistant turn, such as a greeting, and flushes.
func (a *Aggregator) RecordAssistant(ctx context.Context, text string) domain.TurnEntry {
	entry := a.log.Append(domain.RoleAssistant, text)
	a.flush(ctx)
	return entry
}

// Finish closes a turn left open when the session ends, so buffered final
// fragments still become an entry. It does not flush; the caller's final
// flush persists the entry.
func (a *Aggregator) Finish() (domain.TurnEntry, bool) {
	entry, ok := a.close()
	if ok {
		a.logger.Info("Open turn recorded at session end", "index", entry.Index, "role", entry.Role)
	}
	return entry, ok
}

func (a *Aggregator) open(speakerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aggregating = true
	a.speakers[speakerID] = true
}

func (a *Aggregator) accumulate(frag events.TranscriptFragment) error {
	if !frag.Final {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.aggregating || !(a.speakers[frag.SpeakerID] || a.speakers[""]) {
		return ErrStrayFragment
	}
	at, err := ParseTimestamp(frag.Timestamp)
	if err != nil {
		return err
	}
	a.buffer = append(a.buffer, fragment{speakerID: frag.SpeakerID, text: frag.Text, at: at})
	return nil
}

func (a *Aggregator) close() (domain.TurnEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buffered := a.buffer
	a.buffer = nil
	a.aggregating = false
	clear(a.speakers)
	if len(buffered) == 0 {
		return domain.TurnEntry{}, false
	}
	return a.log.Append(a.cfg.Strategy.Role, a.format(buffered)), true
}

func (a *Aggregator) format(buffered []fragment) string {
	lines := make([]string, 0, len(buffered))
	for _, f := range buffered {
		name, ok := a.names[f.speakerID]
		if !ok || name == "" {
			name = f.speakerID
		}
		if a.cfg.AssistantName != "" && name == a.cfg.AssistantName {
			lines = append(lines, f.text)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s | %s | %s", f.at.Format(time.TimeOnly), name, f.text))
	}
	return strings.Join(lines, "\n")
}

func (a *Aggregator) flush(ctx context.Context) {
	if a.flusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FlushTimeout)
	defer cancel()
	if _, err := a.flusher.FlushNew(ctx, a.log); err != nil {
		a.logger.Warn("Transcript flush failed, will retry on next flush", "error", err)
	}
}

// ParseTimestamp parses a fragment timestamp such as
// "2024-07-14T10:18:19.766929Z" into a UTC instant.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	return t.UTC(), nil
}

func speakerOf(ev events.Event) string {
	switch e := ev.(type) {
	case events.SpeechStarted:
		return e.SpeakerID
	case events.SpeechStopped:
		return e.SpeakerID
	case events.TranscriptFragment:
		return e.SpeakerID
	default:
		return ""
	}
}
