package domain

import "sync"

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnEntry is one coalesced turn. Entries are values and never change after
// they are appended to a ConversationLog.
type TurnEntry struct {
	Index   int    `json:"index"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationLog is the ordered, append-only conversation of a session.
// It is safe for concurrent use.
type ConversationLog struct {
	mu      sync.RWMutex
	entries []TurnEntry
}

// NewConversationLog creates an empty log.
func NewConversationLog() *ConversationLog {
	return &ConversationLog{}
}

// Append adds a turn and returns it with its sequence index set.
func (l *ConversationLog) Append(role Role, content string) TurnEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := TurnEntry{Index: len(l.entries), Role: role, Content: content}
	l.entries = append(l.entries, entry)
	return entry
}

// Len returns the number of entries.
func (l *ConversationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Since returns a copy of the entries with index >= from.
func (l *ConversationLog) Since(from int) []TurnEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.since(from)
}

func (l *ConversationLog) since(from int) []TurnEntry {
	if from < 0 {
		from = 0
	}
	if from >= len(l.entries) {
		return nil
	}
	out := make([]TurnEntry, len(l.entries)-from)
	copy(out, l.entries[from:])
	return out
}

// Entries returns a copy of all entries.
func (l *ConversationLog) Entries() []TurnEntry {
	return l.Since(0)
}

// Last returns up to n of the most recent entries.
func (l *ConversationLog) Last(n int) []TurnEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.since(len(l.entries) - n)
}
