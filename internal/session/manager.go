package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// ToolCallRecord captures one tool invocation made during an assistant turn.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Turn is one message in a session's history. Immutable once appended;
// appended only through AddMessage.
type Turn struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// Session is one conversation bound to a user and a role server.
type Session struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Role           string         `json:"role"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	History        []Turn         `json:"history"`
}

// Stats summarizes the manager's current state.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	TotalTurns     int `json:"total_turns"`
}

// Manager owns the session table and the user index. Sessions are mutated
// only through its API; reads return clones.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	userSessions      map[string]map[string]struct{}
	maxHistory        int
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(maxHistory int, inactivityTimeout time.Duration) *Manager {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		userSessions:      make(map[string]map[string]struct{}),
		maxHistory:        maxHistory,
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers a callback invoked for every session the sweep ends.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create allocates a new session with empty history.
func (m *Manager) Create(userID, role string, metadata map[string]any) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Role:           role,
		Metadata:       metadata,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if userID != "" {
		set, ok := m.userSessions[userID]
		if !ok {
			set = make(map[string]struct{})
			m.userSessions[userID] = set
		}
		set[s.ID] = struct{}{}
	}
	return clone(s)
}

// Get returns the session and refreshes its last-activity timestamp, so reads
// extend the session's lifetime (sliding expiry).
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

// End removes the session from both indices.
func (m *Manager) End(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(sessionID)
}

func (m *Manager) endLocked(sessionID string) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	if s.UserID != "" {
		if set, ok := m.userSessions[s.UserID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.userSessions, s.UserID)
			}
		}
	}
	return nil
}

// AddMessage appends a turn with a generated id and timestamp, then enforces
// the history cap by dropping the oldest excess turns.
func (m *Manager) AddMessage(sessionID string, turn Turn) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	turn.ID = uuid.NewString()
	turn.Timestamp = time.Now().UTC()
	s.History = append(s.History, turn)
	if excess := len(s.History) - m.maxHistory; excess > 0 {
		s.History = append([]Turn(nil), s.History[excess:]...)
	}
	s.LastActivityAt = turn.Timestamp

	saved := turn
	return &saved, nil
}

// History returns the most recent limit turns in chronological order, as a
// copy. limit <= 0 returns the full history.
func (m *Manager) History(sessionID string, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	turns := s.History
	if limit > 0 && limit < len(turns) {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// ClearHistory drops every turn while keeping the session alive.
func (m *Manager) ClearHistory(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.History = nil
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// UserSessions returns clones of every session owned by userID.
func (m *Manager) UserSessions(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.userSessions[userID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for id := range set {
		if s, ok := m.sessions[id]; ok {
			out = append(out, clone(s))
		}
	}
	return out
}

// ActiveIDs returns the ids of every live session.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats summarizes live sessions and their accumulated turns.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{ActiveSessions: len(m.sessions)}
	for _, s := range m.sessions {
		st.TotalTurns += len(s.History)
	}
	return st
}

// StartJanitor launches the periodic inactivity sweep. It stops when ctx is
// cancelled.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		snapshot := clone(s)
		if err := m.endLocked(id); err != nil {
			// One stuck session must not abort the sweep of the others.
			log.Printf("session sweep: end %s failed: %v", id, err)
			continue
		}
		expired = append(expired, snapshot)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, s := range expired {
		log.Printf("session %s expired after inactivity", s.ID)
		if hook != nil {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
