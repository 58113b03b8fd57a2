// Package filestore persists sessions as one JSON document per session.
// Writes go through a read-merge-replace cycle so saving one section never
// clobbers the others, and land via temp-file rename so readers never see a
// half-written document.
package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"ivory/internal/agent/ports"
	"ivory/internal/environment"
	"ivory/internal/preview"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/shared/logging"
	"ivory/internal/toolexec"
)

// Record is the on-disk shape of a session.
type Record struct {
	ID                 string                        `json:"id"`
	Name               string                        `json:"name,omitempty"`
	CreatedAt          time.Time                     `json:"createdAt,omitzero"`
	UpdatedAt          time.Time                     `json:"updatedAt,omitzero"`
	Messages           []ports.ConversationEntry     `json:"messages"`
	ToolExecutions     []*toolexec.ToolExecution     `json:"toolExecutions,omitempty"`
	PermissionRequests []*toolexec.PermissionRequest `json:"permissionRequests,omitempty"`
	Previews           []*preview.Preview            `json:"previews,omitempty"`
	SessionState       string                        `json:"sessionState,omitempty"`
	RepositoryInfo     *environment.RepositoryInfo   `json:"repositoryInfo,omitempty"`
	Checkpoints        []Checkpoint                  `json:"checkpoints,omitempty"`
}

// Checkpoint marks a transcript position a client can roll back to.
type Checkpoint struct {
	ID           string    `json:"id"`
	Label        string    `json:"label,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Meta is the session header saved alongside the transcript.
type Meta struct {
	Name           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SessionState   string
	RepositoryInfo *environment.RepositoryInfo
}

// Summary is a directory listing entry.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitzero"`
	UpdatedAt    time.Time `json:"updatedAt,omitzero"`
	MessageCount int       `json:"messageCount"`
}

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	_ toolexec.Store = (*Store)(nil)
	_ preview.Store  = (*Store)(nil)
)

// Store reads and writes session documents under a single directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger logging.Logger
}

// New creates the storage directory if needed.
func New(dir string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ierrors.Persistence("init", err)
	}
	return &Store{dir: dir, logger: logging.OrNop(logger)}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(sessionID string) (string, error) {
	if !validSessionID.MatchString(sessionID) {
		return "", ierrors.New(ierrors.KindPersistence, "invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID+".json"), nil
}

// load returns the stored record, or a fresh one when the file is absent.
func (s *Store) load(sessionID string) (*Record, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Record{ID: sessionID}, nil
	}
	if err != nil {
		return nil, ierrors.Persistence("read", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ierrors.Persistence("decode", err)
	}
	if rec.ID == "" {
		rec.ID = sessionID
	}
	return &rec, nil
}

// write lands the record atomically next to its final path.
func (s *Store) write(sessionID string, rec *Record) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return ierrors.Persistence("encode", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return ierrors.Persistence("write", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ierrors.Persistence("write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ierrors.Persistence("write", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return ierrors.Persistence("write", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return ierrors.Persistence("write", err)
	}
	return nil
}

// mutate runs one read-merge-replace cycle under the store lock.
func (s *Store) mutate(sessionID string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(sessionID)
	if err != nil {
		return err
	}
	fn(rec)
	return s.write(sessionID, rec)
}

// SaveTranscript replaces the header and message sections.
func (s *Store) SaveTranscript(sessionID string, meta Meta, entries []ports.ConversationEntry) error {
	return s.mutate(sessionID, func(rec *Record) {
		rec.Name = meta.Name
		rec.CreatedAt = meta.CreatedAt
		rec.UpdatedAt = meta.UpdatedAt
		rec.SessionState = meta.SessionState
		if meta.RepositoryInfo != nil {
			rec.RepositoryInfo = meta.RepositoryInfo
		}
		rec.Messages = entries
	})
}

// LoadRecord returns the full stored document.
func (s *Store) LoadRecord(sessionID string) (*Record, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ierrors.SessionNotFound(sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(sessionID)
}

// SaveExecutions implements toolexec.Store.
func (s *Store) SaveExecutions(sessionID string, executions []*toolexec.ToolExecution, permissions []*toolexec.PermissionRequest) error {
	return s.mutate(sessionID, func(rec *Record) {
		rec.ToolExecutions = executions
		rec.PermissionRequests = permissions
	})
}

// LoadExecutions implements toolexec.Store.
func (s *Store) LoadExecutions(sessionID string) ([]*toolexec.ToolExecution, []*toolexec.PermissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return rec.ToolExecutions, rec.PermissionRequests, nil
}

// DeleteExecutions implements toolexec.Store. Only the execution sections are
// cleared; the rest of the document survives.
func (s *Store) DeleteExecutions(sessionID string) error {
	return s.mutate(sessionID, func(rec *Record) {
		rec.ToolExecutions = nil
		rec.PermissionRequests = nil
	})
}

// SavePreviews implements preview.Store.
func (s *Store) SavePreviews(sessionID string, previews []*preview.Preview) error {
	return s.mutate(sessionID, func(rec *Record) {
		rec.Previews = previews
	})
}

// LoadPreviews implements preview.Store.
func (s *Store) LoadPreviews(sessionID string) ([]*preview.Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	return rec.Previews, nil
}

// AddCheckpoint appends a rollback marker for the current transcript length.
func (s *Store) AddCheckpoint(sessionID string, checkpoint Checkpoint) error {
	return s.mutate(sessionID, func(rec *Record) {
		rec.Checkpoints = append(rec.Checkpoints, checkpoint)
	})
}

// Delete removes the session document entirely.
func (s *Store) Delete(sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ierrors.Persistence("delete", err)
	}
	return nil
}

// ListSessions returns stored session summaries, most recently updated first.
// Unreadable documents are logged and skipped.
func (s *Store) ListSessions() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ierrors.Persistence("list", err)
	}

	var out []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".json")
		if !validSessionID.MatchString(sessionID) {
			continue
		}
		s.mu.Lock()
		rec, err := s.load(sessionID)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("skip unreadable session file %s: %v", name, err)
			continue
		}
		out = append(out, Summary{
			ID:           rec.ID,
			Name:         rec.Name,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
			MessageCount: len(rec.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
