package memory

import (
	"context"
	"time"

	"github.com/ent0n29/advisorvoice/internal/policy"
	"github.com/ent0n29/advisorvoice/internal/reasoning"
)

const persistTimeout = 2 * time.Second

// Mirror copies conversation memory into a Store as it grows.
type Mirror struct {
	store  Store
	redact bool
}

func NewMirror(store Store, redactPII bool) *Mirror {
	return &Mirror{store: store, redact: redactPII}
}

func (m *Mirror) AppendEntry(ctx context.Context, conversationID string, e reasoning.Entry) error {
	// Entries are persisted even when the turn that produced them is cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	content := e.Content
	redacted := false
	if m.redact {
		content, redacted = policy.RedactPII(content)
	}
	return m.store.SaveEntry(ctx, EntryRecord{
		ConversationID: conversationID,
		Role:           string(e.Role),
		Content:        content,
		Synthetic:      e.Synthetic,
		PIIRedacted:    redacted,
		CreatedAt:      e.At,
	})
}
