package prefs

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// SelectedVoiceKey names the stored voice choice.
const SelectedVoiceKey = "selectedVoiceId"

var ErrNotFound = errors.New("preference not found")

// Store is a small string key/value store for local persisted state.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// MemoryStore keeps preferences in process only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Voices reads and writes per-user voice selections.
type Voices struct {
	store Store
}

func NewVoices(store Store) *Voices {
	return &Voices{store: store}
}

func userKey(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SelectedVoiceKey
	}
	return "users/" + userID + "/" + SelectedVoiceKey
}

// VoiceForUser returns the saved voice id, or "" when none is stored.
func (v *Voices) VoiceForUser(ctx context.Context, userID string) (string, error) {
	id, err := v.store.Get(ctx, userKey(userID))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return id, err
}

func (v *Voices) SetVoiceForUser(ctx context.Context, userID, voiceID string) error {
	return v.store.Set(ctx, userKey(userID), strings.TrimSpace(voiceID))
}
