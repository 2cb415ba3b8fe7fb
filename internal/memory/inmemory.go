package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps entries in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]EntryRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]EntryRecord)}
}

func (s *InMemoryStore) SaveEntry(_ context.Context, record EntryRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ConversationID] = append(s.records[record.ConversationID], record)
	return nil
}

// Recent returns up to limit entries in chronological order; limit <= 0
// returns all of them.
func (s *InMemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]EntryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]EntryRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
