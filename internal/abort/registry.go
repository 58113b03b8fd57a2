package abort

import (
	"sort"
	"sync"
	"time"
)

// Listener is notified on every mark, including idempotent re-marks.
type Listener func(sessionID string, at time.Time)

type entry struct {
	aborted bool
	at      time.Time
	signal  chan struct{}
}

// Registry is the single source of truth for turn cancellation. A marked
// entry for a session means "the current turn for this session must unwind";
// no component may infer abort from any other signal.
//
// Each session carries one signal channel at a time. MarkAborted closes it,
// Clear replaces it, so a channel captured at turn start stays valid for the
// whole turn.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	listeners map[int]Listener
	nextID    int
}

// NewRegistry constructs an empty abort registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		listeners: make(map[int]Listener),
	}
}

func (r *Registry) entryLocked(sessionID string) *entry {
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{signal: make(chan struct{})}
		r.entries[sessionID] = e
	}
	return e
}

// MarkAborted records an abort for the session, closes its signal channel and
// returns the mark time. Re-marking updates the timestamp and re-notifies
// listeners.
func (r *Registry) MarkAborted(sessionID string) time.Time {
	now := time.Now()

	r.mu.Lock()
	e := r.entryLocked(sessionID)
	if !e.aborted {
		e.aborted = true
		close(e.signal)
	}
	e.at = now
	listeners := r.orderedListenersLocked()
	r.mu.Unlock()

	for _, listener := range listeners {
		listener(sessionID, now)
	}
	return now
}

// IsAborted reports whether the session carries an abort mark.
func (r *Registry) IsAborted(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return ok && e.aborted
}

// AbortTimestamp returns the mark time for the session, if any.
func (r *Registry) AbortTimestamp(sessionID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok && e.aborted {
		return e.at, true
	}
	return time.Time{}, false
}

// Clear removes the session's abort mark and installs a fresh signal channel.
// The runner calls this when a new turn begins so stale aborts do not poison
// future turns.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return
	}
	if e.aborted {
		r.entries[sessionID] = &entry{signal: make(chan struct{})}
	}
}

// Remove drops the session's entry entirely; called when the session itself
// goes away.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Signal returns the session's current abort channel. It is closed when (or
// as soon as) the session is marked aborted, and stays valid until the next
// Clear. Callers select on it next to their context to wake permission waits
// and tool races promptly.
func (r *Registry) Signal(sessionID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(sessionID).signal
}

// Subscribe registers a listener for abort marks and returns an unsubscribe
// function.
func (r *Registry) Subscribe(listener Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = listener
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) orderedListenersLocked() []Listener {
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ordered := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, r.listeners[id])
	}
	return ordered
}
