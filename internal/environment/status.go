package environment

import (
	"sort"
	"sync"
	"time"
)

// Status is the readiness phase of an execution environment.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StatusEvent describes an environment readiness transition.
type StatusEvent struct {
	EnvironmentType Kind      `json:"environmentType"`
	Status          Status    `json:"status"`
	IsReady         bool      `json:"isReady"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// statusEmitter tracks the last emitted status and fans transitions out to
// subscribers. Duplicate events are coalesced, and "initializing" is only
// ever emitted from a cold, disconnected, or errored state.
type statusEmitter struct {
	kind Kind

	mu     sync.Mutex
	last   *StatusEvent
	subs   map[int]func(StatusEvent)
	nextID int
}

func newStatusEmitter(kind Kind) *statusEmitter {
	return &statusEmitter{kind: kind, subs: make(map[int]func(StatusEvent))}
}

func (e *statusEmitter) emit(status Status, errMsg string) {
	event := StatusEvent{
		EnvironmentType: e.kind,
		Status:          status,
		IsReady:         status == StatusConnected,
		Error:           errMsg,
		Timestamp:       time.Now(),
	}

	e.mu.Lock()
	if e.last != nil {
		if e.last.Status == status && e.last.Error == errMsg {
			e.mu.Unlock()
			return
		}
		if status == StatusInitializing &&
			e.last.Status != StatusDisconnected && e.last.Status != StatusError {
			e.mu.Unlock()
			return
		}
	}
	e.last = &event
	subs := e.orderedSubsLocked()
	e.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

func (e *statusEmitter) current() StatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return StatusEvent{EnvironmentType: e.kind, Status: StatusInitializing}
	}
	return *e.last
}

func (e *statusEmitter) subscribe(fn func(StatusEvent)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	last := e.last
	e.mu.Unlock()

	// Late subscribers still learn the current state.
	if last != nil {
		fn(*last)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *statusEmitter) orderedSubsLocked() []func(StatusEvent) {
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ordered := make([]func(StatusEvent), 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, e.subs[id])
	}
	return ordered
}
