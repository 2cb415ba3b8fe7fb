package reasoning

import (
	"context"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Entry struct {
	Role      Role
	Content   string
	Synthetic bool
	At        time.Time
}

// Mirror receives every appended entry, e.g. to persist it. Mirror failures
// never affect the in-process history.
type Mirror interface {
	AppendEntry(ctx context.Context, conversationID string, e Entry) error
}

// Memory is the append-only conversation history sent as context on every
// request. History is never truncated or rolled back.
type Memory struct {
	id     string
	mirror Mirror

	mu      sync.Mutex
	entries []Entry
}

func NewMemory(conversationID string, mirror Mirror) *Memory {
	return &Memory{id: conversationID, mirror: mirror}
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) Append(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()

	if m.mirror == nil {
		return
	}
	if err := m.mirror.AppendEntry(ctx, m.id, e); err != nil {
		logger.Warn("conversation mirror append failed", "conversation_id", m.id, "error", err)
	}
}

// Entries returns a snapshot of the history.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
