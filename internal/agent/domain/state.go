package domain

import (
	"sync"

	"ivory/internal/agent/ports"
)

// SessionState holds a session's turn position and transcript. It is shared
// between the runner and request handlers, so all access goes through the
// lock.
type SessionState struct {
	mu      sync.RWMutex
	state   AgentState
	entries []ports.ConversationEntry
}

func NewSessionState() *SessionState {
	return &SessionState{state: StateIdle}
}

// AgentState returns the current turn state.
func (s *SessionState) AgentState() AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetAgentState overwrites the turn state; used when restoring a session.
func (s *SessionState) SetAgentState(state AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Apply runs the turn state machine and stores the result.
func (s *SessionState) Apply(event AgentEvent) (AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, event)
	if err != nil {
		return s.state, err
	}
	s.state = next
	return next, nil
}

// Append adds entries to the transcript in order.
func (s *SessionState) Append(entries ...ports.ConversationEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
}

// Entries returns a copy of the transcript.
func (s *SessionState) Entries() []ports.ConversationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ports.ConversationEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ReplaceEntries swaps the transcript wholesale; used when restoring.
func (s *SessionState) ReplaceEntries(entries []ports.ConversationEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]ports.ConversationEntry, len(entries))
	copy(s.entries, entries)
}

// Len returns the transcript length.
func (s *SessionState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
