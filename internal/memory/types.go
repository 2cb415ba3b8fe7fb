package memory

import (
	"context"
	"time"
)

// EntryRecord is one persisted conversation entry.
type EntryRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Synthetic      bool      `json:"synthetic"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists conversation entries and reads back recent history.
type Store interface {
	SaveEntry(ctx context.Context, record EntryRecord) error
	Recent(ctx context.Context, conversationID string, limit int) ([]EntryRecord, error)
	Close() error
}
