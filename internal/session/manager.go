package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
)

const defaultEndedRetention = 10 * time.Minute

// Session is one push-to-talk connection lifetime. Turn counters are kept for
// diagnostics; the turn itself lives in the voice orchestrator.
type Session struct {
	ID                string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Status            Status    `json:"status"`
	VoiceID           string    `json:"voice_id"`
	ActiveTurnID      string    `json:"active_turn_id"`
	CompletedTurns    int       `json:"completed_turns"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onRelease         func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		endedRetention:    defaultEndedRetention,
	}
}

// SetExpireHook registers a callback run once per session when it ends,
// whether explicitly or through inactivity.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRelease = hook
}

// SetEndedRetention controls how long ended sessions stay readable before the
// janitor forgets them.
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.endedRetention = d
	}
}

// Create starts a session. A user has at most one active session; creating a
// new one ends the previous.
func (m *Manager) Create(userID, voiceID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		VoiceID:        voiceID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	var replaced *Session
	if prevID, ok := m.sessionByUser[userID]; ok && userID != "" {
		if prev := m.sessions[prevID]; prev != nil && prev.Status == StatusActive {
			endLocked(prev, now)
			replaced = clone(prev)
		}
	}
	m.sessions[s.ID] = s
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	hook := m.onRelease
	m.mu.Unlock()

	if replaced != nil {
		logger.Info("replaced active session", "user_id", userID, "previous", replaced.ID)
		if hook != nil {
			hook(replaced)
		}
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ActiveForUser returns the user's live session, if any.
func (m *Manager) ActiveForUser(userID string) (*Session, bool) {
	if userID == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[m.sessionByUser[userID]]
	if !ok || s.Status != StatusActive {
		return nil, false
	}
	return clone(s), true
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) { s.ActiveTurnID = turnID })
}

// CompleteTurn clears the active turn if it is still turnID.
func (m *Manager) CompleteTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
		}
		s.CompletedTurns++
	})
}

// SetVoice records the voice selected for the session.
func (m *Manager) SetVoice(sessionID, voiceID string) error {
	return m.update(sessionID, func(s *Session) { s.VoiceID = voiceID })
}

// Interrupt records a barge-in that cancelled the active turn.
func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

// update applies fn to an active session and bumps its activity time.
func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrEnded
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session ended and runs the expire hook so per-session state
// is released the same way as on inactivity. Ending twice is a no-op.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	wasActive := s.Status == StatusActive
	if wasActive {
		endLocked(s, time.Now().UTC())
		if m.sessionByUser[s.UserID] == s.ID {
			delete(m.sessionByUser, s.UserID)
		}
	}
	out := clone(s)
	hook := m.onRelease
	m.mu.Unlock()

	if wasActive && hook != nil {
		hook(out)
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now().UTC())
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// sweep ends inactive sessions and forgets ended ones past retention.
func (m *Manager) sweep(now time.Time) {
	var expired []*Session
	forgotten := 0

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.Status == StatusActive && now.Sub(s.LastActivityAt) >= m.inactivityTimeout:
			endLocked(s, now)
			if m.sessionByUser[s.UserID] == id {
				delete(m.sessionByUser, s.UserID)
			}
			expired = append(expired, clone(s))
		case s.Status == StatusEnded && now.Sub(s.EndedAt) >= m.endedRetention:
			delete(m.sessions, id)
			forgotten++
		}
	}
	hook := m.onRelease
	m.mu.Unlock()

	if len(expired) > 0 || forgotten > 0 {
		logger.Info("session sweep", "expired", len(expired), "forgotten", forgotten)
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func endLocked(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = now
	s.EndedAt = now
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
