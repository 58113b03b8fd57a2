package preview

import (
	"sync"

	"ivory/internal/shared/logging"
	"ivory/internal/utils/id"
)

// ContentType tags how a preview should be rendered.
type ContentType string

const (
	ContentText      ContentType = "text"
	ContentCode      ContentType = "code"
	ContentDiff      ContentType = "diff"
	ContentDirectory ContentType = "directory"
)

// Preview is a display-oriented artefact attached to a tool execution. It is
// never consumed by the agent loop itself.
type Preview struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	ExecutionID  string         `json:"executionId"`
	PermissionID string         `json:"permissionId,omitempty"`
	ContentType  ContentType    `json:"contentType"`
	BriefContent string         `json:"briefContent"`
	FullContent  string         `json:"fullContent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Store persists previews across restarts; implemented by the file store.
type Store interface {
	SavePreviews(sessionID string, previews []*Preview) error
	LoadPreviews(sessionID string) ([]*Preview, error)
}

// Manager stores previews keyed by execution id. Generation happens
// elsewhere; the manager is storage only.
type Manager struct {
	mu          sync.RWMutex
	byExecution map[string]*Preview
	bySession   map[string][]string

	store  Store
	logger logging.Logger
}

func NewManager(store Store, logger logging.Logger) *Manager {
	return &Manager{
		byExecution: make(map[string]*Preview),
		bySession:   make(map[string][]string),
		store:       store,
		logger:      logging.OrNop(logger),
	}
}

// CreatePreview stores a preview for a completed execution.
func (m *Manager) CreatePreview(sessionID, executionID string, contentType ContentType, brief, full string, metadata map[string]any) *Preview {
	return m.create(sessionID, executionID, "", contentType, brief, full, metadata)
}

// CreatePermissionPreview stores a preview shown at permission-request time.
func (m *Manager) CreatePermissionPreview(sessionID, executionID, permissionID string, contentType ContentType, brief, full string, metadata map[string]any) *Preview {
	return m.create(sessionID, executionID, permissionID, contentType, brief, full, metadata)
}

func (m *Manager) create(sessionID, executionID, permissionID string, contentType ContentType, brief, full string, metadata map[string]any) *Preview {
	p := &Preview{
		ID:           id.NewPreviewID(),
		SessionID:    sessionID,
		ExecutionID:  executionID,
		PermissionID: permissionID,
		ContentType:  contentType,
		BriefContent: brief,
		FullContent:  full,
		Metadata:     metadata,
	}

	m.mu.Lock()
	if previous, ok := m.byExecution[executionID]; ok {
		m.dropFromSessionLocked(sessionID, previous.ID)
	}
	m.byExecution[executionID] = p
	m.bySession[sessionID] = append(m.bySession[sessionID], p.ID)
	m.mu.Unlock()
	return p
}

// GetForExecution returns the preview attached to an execution, if any.
func (m *Manager) GetForExecution(executionID string) (*Preview, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byExecution[executionID]
	return p, ok
}

// ForSession returns every preview belonging to a session.
func (m *Manager) ForSession(sessionID string) []*Preview {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Preview
	for _, p := range m.byExecution {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// ClearSession drops the in-memory previews for a session.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for execID, p := range m.byExecution {
		if p.SessionID == sessionID {
			delete(m.byExecution, execID)
		}
	}
	delete(m.bySession, sessionID)
}

// SaveSessionData flushes a session's previews to the store. Persistence
// failures are logged, never fatal.
func (m *Manager) SaveSessionData(sessionID string) {
	if m.store == nil {
		return
	}
	previews := m.ForSession(sessionID)
	if err := m.store.SavePreviews(sessionID, previews); err != nil {
		m.logger.Warn("save previews for %s failed: %v", sessionID, err)
	}
}

// LoadSessionData restores a session's previews from the store.
func (m *Manager) LoadSessionData(sessionID string) {
	if m.store == nil {
		return
	}
	previews, err := m.store.LoadPreviews(sessionID)
	if err != nil {
		m.logger.Warn("load previews for %s failed: %v", sessionID, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range previews {
		m.byExecution[p.ExecutionID] = p
		m.bySession[p.SessionID] = append(m.bySession[p.SessionID], p.ID)
	}
}

func (m *Manager) dropFromSessionLocked(sessionID, previewID string) {
	ids := m.bySession[sessionID]
	for i, existing := range ids {
		if existing == previewID {
			m.bySession[sessionID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
