// Package session owns the in-memory session table: creation, lookup,
// LRU-bounded capacity and idle cleanup. Persistence of session contents
// lives elsewhere; this package only decides which sessions stay resident.
package session

import (
	"sync"
	"time"

	"ivory/internal/agent/domain"
	"ivory/internal/environment"
	"ivory/internal/utils/id"
)

// Session is one resident conversation. Turn state and transcript live in
// State; the rest is bookkeeping the service layer reads and writes.
type Session struct {
	ID        string
	CreatedAt time.Time

	State *domain.SessionState

	mu          sync.RWMutex
	name        string
	updatedAt   time.Time
	adapterKind environment.Kind
	sandboxID   string
	fastEdit    bool
}

func newSession(sessionID, name string, now time.Time) *Session {
	if sessionID == "" {
		sessionID = id.NewSessionID()
	}
	return &Session{
		ID:        sessionID,
		CreatedAt: now,
		State:     domain.NewSessionState(),
		name:      name,
		updatedAt: now,
	}
}

// NewRestored rebuilds a session from persisted metadata under its original
// id.
func NewRestored(sessionID, name string, createdAt, updatedAt time.Time) *Session {
	s := newSession(sessionID, name, createdAt)
	s.updatedAt = updatedAt
	return s
}

// Name returns the display name, which may be empty.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName updates the display name.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// UpdatedAt returns the last activity time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Touch records activity at the given time.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = now
}

// SetRestoredAt overwrites both timestamps; used when loading from disk.
func (s *Session) SetRestoredAt(createdAt, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreatedAt = createdAt
	s.updatedAt = updatedAt
}

// AdapterKind returns the execution backend bound to the session, if any.
func (s *Session) AdapterKind() environment.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adapterKind
}

// BindAdapter records which execution backend the session uses.
func (s *Session) BindAdapter(kind environment.Kind, sandboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapterKind = kind
	s.sandboxID = sandboxID
}

// SandboxID returns the remote sandbox identifier, empty for local backends.
func (s *Session) SandboxID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sandboxID
}

// FastEdit reports whether edit tools skip permission prompts.
func (s *Session) FastEdit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fastEdit
}

// SetFastEdit toggles the prompt-skipping mode and reports whether the value
// changed.
func (s *Session) SetFastEdit(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fastEdit == enabled {
		return false
	}
	s.fastEdit = enabled
	return true
}
