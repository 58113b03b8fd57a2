package toolexec

import (
	"runtime/debug"
	"sort"
	"sync"
	"time"

	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
	"ivory/internal/utils/id"
)

// EventType labels a tool execution lifecycle event.
type EventType string

const (
	EventCreated            EventType = "created"
	EventUpdated            EventType = "updated"
	EventCompleted          EventType = "completed"
	EventError              EventType = "error"
	EventAborted            EventType = "aborted"
	EventPermissionRequested EventType = "permission_requested"
	EventPermissionResolved  EventType = "permission_resolved"
)

// Event carries an execution snapshot; permission events also carry the
// request.
type Event struct {
	Type       EventType
	Execution  ToolExecution
	Permission *PermissionRequest
	Timestamp  time.Time
}

// Store is the persistence boundary. Implementations merge the given state
// into any existing session record and write atomically.
type Store interface {
	SaveExecutions(sessionID string, executions []*ToolExecution, permissions []*PermissionRequest) error
	LoadExecutions(sessionID string) ([]*ToolExecution, []*PermissionRequest, error)
	DeleteExecutions(sessionID string) error
}

// Manager owns every ToolExecution and PermissionRequest in the process and
// guards their state machines.
type Manager struct {
	mu          sync.RWMutex
	executions  map[string]*ToolExecution
	permissions map[string]*PermissionRequest
	permByExec  map[string]string

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int

	store  Store
	logger logging.Logger
	now    func() time.Time
}

func NewManager(store Store, logger logging.Logger) *Manager {
	return &Manager{
		executions:  make(map[string]*ToolExecution),
		permissions: make(map[string]*PermissionRequest),
		permByExec:  make(map[string]string),
		subs:        make(map[int]func(Event)),
		store:       store,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
}

// Subscribe registers an event listener; returns unsubscribe.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(eventType EventType, exec ToolExecution, perm *PermissionRequest) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	event := Event{Type: eventType, Execution: exec, Permission: perm, Timestamp: m.now()}
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("tool execution listener panic: %v\n%s", r, debug.Stack())
				}
			}()
			fn(event)
		}()
	}
}

// Create registers a new execution in CREATED.
func (m *Manager) Create(sessionID, toolID, toolName string, args map[string]any) *ToolExecution {
	exec := &ToolExecution{
		ID:        id.NewExecutionID(),
		SessionID: sessionID,
		ToolID:    toolID,
		ToolName:  toolName,
		Status:    StatusCreated,
		Arguments: args,
	}

	m.mu.Lock()
	m.executions[exec.ID] = exec
	snapshot := *exec
	m.mu.Unlock()

	m.emit(EventCreated, snapshot, nil)
	return exec
}

// SetParamSummary attaches a human-readable argument summary.
func (m *Manager) SetParamSummary(executionID, summary string) error {
	return m.update(executionID, EventUpdated, func(exec *ToolExecution) error {
		exec.ParamSummary = summary
		return nil
	})
}

// SetPreviewID links a stored preview to the execution.
func (m *Manager) SetPreviewID(executionID, previewID string) error {
	return m.update(executionID, EventUpdated, func(exec *ToolExecution) error {
		exec.PreviewID = previewID
		return nil
	})
}

// Start moves the execution to RUNNING.
func (m *Manager) Start(executionID string) error {
	return m.update(executionID, EventUpdated, func(exec *ToolExecution) error {
		if err := exec.transitionTo(StatusRunning); err != nil {
			return err
		}
		exec.StartTime = m.now()
		return nil
	})
}

// Complete finishes the execution with its serialized result.
func (m *Manager) Complete(executionID, result string, durationMS int64) error {
	return m.update(executionID, EventCompleted, func(exec *ToolExecution) error {
		if err := exec.transitionTo(StatusCompleted); err != nil {
			return err
		}
		exec.Result = result
		exec.EndTime = m.now()
		exec.ExecutionTimeMS = durationMS
		return nil
	})
}

// Fail records an executor failure.
func (m *Manager) Fail(executionID string, execErr error) error {
	return m.update(executionID, EventError, func(exec *ToolExecution) error {
		if err := exec.transitionTo(StatusError); err != nil {
			return err
		}
		exec.Error = &ExecutionError{Message: execErr.Error()}
		exec.EndTime = m.now()
		if !exec.StartTime.IsZero() {
			exec.ExecutionTimeMS = exec.EndTime.Sub(exec.StartTime).Milliseconds()
		}
		return nil
	})
}

// Abort cancels the execution from any non-terminal state.
func (m *Manager) Abort(executionID string) error {
	return m.update(executionID, EventAborted, func(exec *ToolExecution) error {
		if err := exec.transitionTo(StatusAborted); err != nil {
			return err
		}
		exec.EndTime = m.now()
		return nil
	})
}

func (m *Manager) update(executionID string, eventType EventType, mutate func(*ToolExecution) error) error {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return ierrors.New(ierrors.KindToolExecution, "unknown tool execution: %s", executionID)
	}
	if err := mutate(exec); err != nil {
		m.mu.Unlock()
		return err
	}
	snapshot := *exec
	m.mu.Unlock()

	m.emit(eventType, snapshot, nil)
	return nil
}

// Get returns a snapshot of the execution.
func (m *Manager) Get(executionID string) (ToolExecution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ToolExecution{}, false
	}
	return *exec, true
}

// ExecutionsForSession returns snapshots of a session's executions.
func (m *Manager) ExecutionsForSession(sessionID string) []ToolExecution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ToolExecution
	for _, exec := range m.executions {
		if exec.SessionID == sessionID {
			out = append(out, *exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveForSession returns executions that have not reached a terminal
// state.
func (m *Manager) ActiveForSession(sessionID string) []ToolExecution {
	var out []ToolExecution
	for _, exec := range m.ExecutionsForSession(sessionID) {
		if !exec.Status.IsTerminal() {
			out = append(out, exec)
		}
	}
	return out
}

// RequestPermission moves the execution to AWAITING_PERMISSION and issues
// its single permission request.
func (m *Manager) RequestPermission(executionID string, args map[string]any) (*PermissionRequest, error) {
	m.mu.Lock()
	exec, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		return nil, ierrors.New(ierrors.KindToolExecution, "unknown tool execution: %s", executionID)
	}
	if existing, pending := m.permByExec[executionID]; pending {
		if req := m.permissions[existing]; req != nil && !req.Resolved() {
			m.mu.Unlock()
			return nil, ierrors.New(ierrors.KindToolExecution,
				"permission already pending for execution %s", executionID)
		}
	}
	if err := exec.transitionTo(StatusAwaitingPermission); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	req := &PermissionRequest{
		ID:          id.NewPermissionID(),
		SessionID:   exec.SessionID,
		ExecutionID: executionID,
		ToolID:      exec.ToolID,
		ToolName:    exec.ToolName,
		Arguments:   args,
		RequestTime: m.now(),
	}
	m.permissions[req.ID] = req
	m.permByExec[executionID] = req.ID
	execSnapshot := *exec
	reqSnapshot := *req
	m.mu.Unlock()

	m.emit(EventPermissionRequested, execSnapshot, &reqSnapshot)
	return req, nil
}

// ResolvePermission answers a pending request exactly once. Granting moves
// the execution back to RUNNING; denying aborts it.
func (m *Manager) ResolvePermission(permissionID string, granted bool) error {
	m.mu.Lock()
	req, ok := m.permissions[permissionID]
	if !ok {
		m.mu.Unlock()
		return ierrors.New(ierrors.KindToolExecution, "unknown permission request: %s", permissionID)
	}
	if req.Resolved() {
		m.mu.Unlock()
		return ierrors.New(ierrors.KindToolExecution, "permission request already resolved: %s", permissionID)
	}
	exec, ok := m.executions[req.ExecutionID]
	if !ok {
		m.mu.Unlock()
		return ierrors.New(ierrors.KindToolExecution, "unknown tool execution: %s", req.ExecutionID)
	}

	next := StatusRunning
	if !granted {
		next = StatusAborted
	}
	if err := exec.transitionTo(next); err != nil {
		m.mu.Unlock()
		return err
	}
	value := granted
	req.Granted = &value
	req.ResolvedTime = m.now()
	if granted {
		exec.StartTime = m.now()
	} else {
		exec.EndTime = m.now()
	}
	execSnapshot := *exec
	reqSnapshot := *req
	m.mu.Unlock()

	m.emit(EventPermissionResolved, execSnapshot, &reqSnapshot)
	if !granted {
		m.emit(EventAborted, execSnapshot, &reqSnapshot)
	}
	return nil
}

// ResolveByExecutionID answers the pending request attached to an
// execution.
func (m *Manager) ResolveByExecutionID(executionID string, granted bool) error {
	m.mu.RLock()
	permissionID, ok := m.permByExec[executionID]
	m.mu.RUnlock()
	if !ok {
		return ierrors.New(ierrors.KindToolExecution, "no permission request for execution: %s", executionID)
	}
	return m.ResolvePermission(permissionID, granted)
}

// PermissionForExecution returns the request tied to an execution, if any.
func (m *Manager) PermissionForExecution(executionID string) (*PermissionRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	permissionID, ok := m.permByExec[executionID]
	if !ok {
		return nil, false
	}
	req, ok := m.permissions[permissionID]
	if !ok {
		return nil, false
	}
	snapshot := *req
	return &snapshot, true
}

// PermissionsForSession returns snapshots of a session's requests.
func (m *Manager) PermissionsForSession(sessionID string) []*PermissionRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PermissionRequest
	for _, req := range m.permissions {
		if req.SessionID == sessionID {
			snapshot := *req
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SaveSessionData merges this session's executions and permissions into the
// persisted record. I/O failures are logged and swallowed; in-memory state
// remains authoritative.
func (m *Manager) SaveSessionData(sessionID string) {
	if m.store == nil {
		return
	}

	m.mu.RLock()
	var executions []*ToolExecution
	for _, exec := range m.executions {
		if exec.SessionID == sessionID {
			snapshot := *exec
			executions = append(executions, &snapshot)
		}
	}
	var permissions []*PermissionRequest
	for _, req := range m.permissions {
		if req.SessionID == sessionID {
			snapshot := *req
			permissions = append(permissions, &snapshot)
		}
	}
	m.mu.RUnlock()

	sort.Slice(executions, func(i, j int) bool { return executions[i].ID < executions[j].ID })
	sort.Slice(permissions, func(i, j int) bool { return permissions[i].ID < permissions[j].ID })

	if err := m.store.SaveExecutions(sessionID, executions, permissions); err != nil {
		m.logger.Warn("save tool executions for %s failed: %v", sessionID, err)
	}
}

// LoadSessionData restores a session's executions and permissions.
func (m *Manager) LoadSessionData(sessionID string) {
	if m.store == nil {
		return
	}
	executions, permissions, err := m.store.LoadExecutions(sessionID)
	if err != nil {
		m.logger.Warn("load tool executions for %s failed: %v", sessionID, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exec := range executions {
		m.executions[exec.ID] = exec
	}
	for _, req := range permissions {
		m.permissions[req.ID] = req
		m.permByExec[req.ExecutionID] = req.ID
	}
}

// DeleteSessionData removes persisted and in-memory state for a session.
func (m *Manager) DeleteSessionData(sessionID string) {
	m.ClearSessionData(sessionID)
	if m.store == nil {
		return
	}
	if err := m.store.DeleteExecutions(sessionID); err != nil {
		m.logger.Warn("delete tool executions for %s failed: %v", sessionID, err)
	}
}

// ClearSessionData drops in-memory state only.
func (m *Manager) ClearSessionData(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, exec := range m.executions {
		if exec.SessionID == sessionID {
			delete(m.executions, id)
			delete(m.permByExec, id)
		}
	}
	for id, req := range m.permissions {
		if req.SessionID == sessionID {
			delete(m.permissions, id)
		}
	}
}
