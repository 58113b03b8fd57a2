package filestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ivory/internal/agent/ports"
	"ivory/internal/preview"
	ierrors "ivory/internal/shared/errors"
	"ivory/internal/toolexec"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "sessions"), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestTranscriptRoundTrip(t *testing.T) {
	s := newTestStore(t)

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	entries := []ports.ConversationEntry{
		{Role: ports.RoleUser, Parts: []ports.ContentPart{ports.TextPart("hi")}, Timestamp: created},
		{Role: ports.RoleAssistant, Parts: []ports.ContentPart{ports.TextPart("hello")}, Timestamp: created.Add(time.Second)},
	}
	meta := Meta{Name: "demo", CreatedAt: created, UpdatedAt: created.Add(time.Minute), SessionState: "complete"}
	if err := s.SaveTranscript("session-1", meta, entries); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}

	rec, err := s.LoadRecord("session-1")
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if rec.Name != "demo" || rec.SessionState != "complete" || len(rec.Messages) != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Messages[1].Parts[0].Text != "hello" {
		t.Fatalf("transcript lost content: %+v", rec.Messages[1])
	}
}

func TestSectionsMergeWithoutClobbering(t *testing.T) {
	s := newTestStore(t)

	meta := Meta{Name: "demo", UpdatedAt: time.Now()}
	entries := []ports.ConversationEntry{{Role: ports.RoleUser, Parts: []ports.ContentPart{ports.TextPart("hi")}}}
	if err := s.SaveTranscript("session-1", meta, entries); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}

	execs := []*toolexec.ToolExecution{{ID: "exec-1", SessionID: "session-1", ToolID: "bash", Status: toolexec.StatusCompleted}}
	if err := s.SaveExecutions("session-1", execs, nil); err != nil {
		t.Fatalf("SaveExecutions failed: %v", err)
	}
	previews := []*preview.Preview{{ID: "preview-1", SessionID: "session-1", ExecutionID: "exec-1", ContentType: preview.ContentText, BriefContent: "x"}}
	if err := s.SavePreviews("session-1", previews); err != nil {
		t.Fatalf("SavePreviews failed: %v", err)
	}

	rec, err := s.LoadRecord("session-1")
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if len(rec.Messages) != 1 || len(rec.ToolExecutions) != 1 || len(rec.Previews) != 1 {
		t.Fatalf("a section was clobbered: %+v", rec)
	}
	if rec.Name != "demo" {
		t.Fatalf("header lost: %+v", rec)
	}
}

func TestLoadExecutionsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	granted := true
	execs := []*toolexec.ToolExecution{{ID: "exec-1", SessionID: "s1", ToolID: "file_write", Status: toolexec.StatusCompleted, Result: "ok"}}
	perms := []*toolexec.PermissionRequest{{ID: "perm-1", SessionID: "s1", ExecutionID: "exec-1", Granted: &granted, RequestTime: time.Now()}}
	if err := s.SaveExecutions("s1", execs, perms); err != nil {
		t.Fatalf("SaveExecutions failed: %v", err)
	}

	gotExecs, gotPerms, err := s.LoadExecutions("s1")
	if err != nil {
		t.Fatalf("LoadExecutions failed: %v", err)
	}
	if len(gotExecs) != 1 || gotExecs[0].Result != "ok" {
		t.Fatalf("executions lost: %+v", gotExecs)
	}
	if len(gotPerms) != 1 || gotPerms[0].Granted == nil || !*gotPerms[0].Granted {
		t.Fatalf("permissions lost: %+v", gotPerms)
	}

	if err := s.DeleteExecutions("s1"); err != nil {
		t.Fatalf("DeleteExecutions failed: %v", err)
	}
	gotExecs, _, _ = s.LoadExecutions("s1")
	if len(gotExecs) != 0 {
		t.Fatalf("executions survived delete: %+v", gotExecs)
	}
}

func TestLoadRecordMissingSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadRecord("session-missing"); ierrors.KindOf(err) != ierrors.KindSessionNotFound {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestInvalidSessionIDRejected(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveExecutions("../escape", nil, nil); ierrors.KindOf(err) != ierrors.KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if _, err := s.LoadPreviews("a/b"); ierrors.KindOf(err) != ierrors.KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveTranscript("s1", Meta{}, nil); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}
	if err := s.Delete("s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.LoadRecord("s1"); ierrors.KindOf(err) != ierrors.KindSessionNotFound {
		t.Fatalf("document survived delete: %v", err)
	}
	// Deleting twice is not an error.
	if err := s.Delete("s1"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
}

func TestListSessionsSortedByRecency(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	if err := s.SaveTranscript("old", Meta{Name: "old", UpdatedAt: base}, nil); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.SaveTranscript("new", Meta{Name: "new", UpdatedAt: base.Add(time.Hour)}, make([]ports.ConversationEntry, 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	list, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("unexpected order %+v", list)
	}
	if list[0].MessageCount != 3 {
		t.Fatalf("message count lost: %+v", list[0])
	}
}

func TestListSkipsCorruptDocuments(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveTranscript("good", Meta{Name: "good"}, nil); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	list, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "good" {
		t.Fatalf("corrupt file should be skipped: %+v", list)
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.SaveTranscript("s1", Meta{UpdatedAt: time.Now()}, nil); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestCheckpointsAccumulate(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddCheckpoint("s1", Checkpoint{ID: "cp-1", MessageCount: 2, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AddCheckpoint failed: %v", err)
	}
	if err := s.AddCheckpoint("s1", Checkpoint{ID: "cp-2", MessageCount: 4, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AddCheckpoint failed: %v", err)
	}
	rec, err := s.LoadRecord("s1")
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if len(rec.Checkpoints) != 2 || rec.Checkpoints[1].MessageCount != 4 {
		t.Fatalf("checkpoints lost: %+v", rec.Checkpoints)
	}
}
