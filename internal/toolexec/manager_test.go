package toolexec

import (
	"errors"
	"testing"

	ierrors "ivory/internal/shared/errors"
)

func TestExecutionHappyPath(t *testing.T) {
	m := NewManager(nil, nil)

	exec := m.Create("s1", "bash", "bash", map[string]any{"command": "ls"})
	if exec.Status != StatusCreated {
		t.Fatalf("expected created, got %v", exec.Status)
	}

	if err := m.Start(exec.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Complete(exec.ID, `{"ok":true}`, 12); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	got, ok := m.Get(exec.ID)
	if !ok || got.Status != StatusCompleted || got.Result != `{"ok":true}` || got.ExecutionTimeMS != 12 {
		t.Fatalf("unexpected final state %+v", got)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "bash", "bash", nil)

	if err := m.Start(exec.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Complete(exec.ID, "done", 1); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	for _, attempt := range []func() error{
		func() error { return m.Start(exec.ID) },
		func() error { return m.Fail(exec.ID, errors.New("late")) },
		func() error { return m.Abort(exec.ID) },
		func() error { return m.Complete(exec.ID, "again", 2) },
	} {
		if err := attempt(); ierrors.KindOf(err) != ierrors.KindInvalidTransition {
			t.Fatalf("expected InvalidTransition, got %v", err)
		}
	}

	got, _ := m.Get(exec.ID)
	if got.Status != StatusCompleted || got.Result != "done" {
		t.Fatalf("terminal state mutated: %+v", got)
	}
}

func TestIllegalTransitionFromCreated(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "bash", "bash", nil)

	if err := m.Complete(exec.ID, "x", 1); ierrors.KindOf(err) != ierrors.KindInvalidTransition {
		t.Fatalf("created→completed should be illegal, got %v", err)
	}
	if err := m.Fail(exec.ID, errors.New("x")); ierrors.KindOf(err) != ierrors.KindInvalidTransition {
		t.Fatalf("created→error should be illegal, got %v", err)
	}
}

func TestPermissionGrantResumesExecution(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "file_write", "Write File", map[string]any{"path": "a"})

	req, err := m.RequestPermission(exec.ID, exec.Arguments)
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if req.ToolID != "file_write" || req.ToolName != "Write File" {
		t.Fatalf("request missing tool identity: %+v", req)
	}
	if got, _ := m.Get(exec.ID); got.Status != StatusAwaitingPermission {
		t.Fatalf("expected awaiting_permission, got %v", got.Status)
	}

	if err := m.ResolvePermission(req.ID, true); err != nil {
		t.Fatalf("ResolvePermission failed: %v", err)
	}
	got, _ := m.Get(exec.ID)
	if got.Status != StatusRunning {
		t.Fatalf("grant should resume to running, got %v", got.Status)
	}

	stored, ok := m.PermissionForExecution(exec.ID)
	if !ok || !stored.Resolved() || !*stored.Granted || stored.ResolvedTime.IsZero() {
		t.Fatalf("unexpected stored request %+v", stored)
	}
}

func TestPermissionDenyAbortsExecution(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "bash", "bash", nil)

	req, err := m.RequestPermission(exec.ID, nil)
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if err := m.ResolvePermission(req.ID, false); err != nil {
		t.Fatalf("ResolvePermission failed: %v", err)
	}
	if got, _ := m.Get(exec.ID); got.Status != StatusAborted {
		t.Fatalf("deny should abort, got %v", got.Status)
	}
}

func TestPermissionSingleUse(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "bash", "bash", nil)

	req, err := m.RequestPermission(exec.ID, nil)
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if err := m.ResolvePermission(req.ID, true); err != nil {
		t.Fatalf("first resolution failed: %v", err)
	}
	if err := m.ResolvePermission(req.ID, false); err == nil {
		t.Fatal("second resolution should fail")
	}
}

func TestPermissionPendingRejectsSecondRequest(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "bash", "bash", nil)

	if _, err := m.RequestPermission(exec.ID, nil); err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if _, err := m.RequestPermission(exec.ID, nil); err == nil {
		t.Fatal("second pending request should fail")
	}
}

func TestResolveByExecutionID(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "bash", "bash", nil)
	if _, err := m.RequestPermission(exec.ID, nil); err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if err := m.ResolveByExecutionID(exec.ID, true); err != nil {
		t.Fatalf("ResolveByExecutionID failed: %v", err)
	}
	if got, _ := m.Get(exec.ID); got.Status != StatusRunning {
		t.Fatalf("expected running, got %v", got.Status)
	}
}

func TestEventsInLifecycleOrder(t *testing.T) {
	m := NewManager(nil, nil)

	var types []EventType
	unsub := m.Subscribe(func(e Event) { types = append(types, e.Type) })
	defer unsub()

	exec := m.Create("s1", "bash", "bash", nil)
	req, _ := m.RequestPermission(exec.ID, nil)
	_ = m.ResolvePermission(req.ID, true)
	_ = m.Complete(exec.ID, "done", 1)

	want := []EventType{EventCreated, EventPermissionRequested, EventPermissionResolved, EventCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}

func TestDenyEmitsAborted(t *testing.T) {
	m := NewManager(nil, nil)
	exec := m.Create("s1", "bash", "bash", nil)
	req, _ := m.RequestPermission(exec.ID, nil)

	var types []EventType
	unsub := m.Subscribe(func(e Event) { types = append(types, e.Type) })
	defer unsub()

	_ = m.ResolvePermission(req.ID, false)
	if len(types) != 2 || types[0] != EventPermissionResolved || types[1] != EventAborted {
		t.Fatalf("expected [permission_resolved aborted], got %v", types)
	}
}

func TestActiveForSession(t *testing.T) {
	m := NewManager(nil, nil)
	running := m.Create("s1", "bash", "bash", nil)
	_ = m.Start(running.ID)
	done := m.Create("s1", "glob", "glob", nil)
	_ = m.Start(done.ID)
	_ = m.Complete(done.ID, "x", 1)
	m.Create("s2", "bash", "bash", nil)

	active := m.ActiveForSession("s1")
	if len(active) != 1 || active[0].ID != running.ID {
		t.Fatalf("unexpected active set %v", active)
	}
}

type memStore struct {
	executions  map[string][]*ToolExecution
	permissions map[string][]*PermissionRequest
	saveErr     error
}

func newMemStore() *memStore {
	return &memStore{
		executions:  make(map[string][]*ToolExecution),
		permissions: make(map[string][]*PermissionRequest),
	}
}

func (s *memStore) SaveExecutions(sessionID string, executions []*ToolExecution, permissions []*PermissionRequest) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.executions[sessionID] = executions
	s.permissions[sessionID] = permissions
	return nil
}

func (s *memStore) LoadExecutions(sessionID string) ([]*ToolExecution, []*PermissionRequest, error) {
	return s.executions[sessionID], s.permissions[sessionID], nil
}

func (s *memStore) DeleteExecutions(sessionID string) error {
	delete(s.executions, sessionID)
	delete(s.permissions, sessionID)
	return nil
}

func TestSaveAndLoadSessionData(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, nil)

	exec := m.Create("s1", "bash", "bash", nil)
	_ = m.Start(exec.ID)
	_ = m.Complete(exec.ID, "done", 5)
	m.SaveSessionData("s1")

	restored := NewManager(store, nil)
	restored.LoadSessionData("s1")
	got, ok := restored.Get(exec.ID)
	if !ok || got.Status != StatusCompleted || got.Result != "done" {
		t.Fatalf("round trip lost state: %+v", got)
	}
}

func TestSaveSwallowsStoreErrors(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	m := NewManager(store, nil)

	exec := m.Create("s1", "bash", "bash", nil)
	m.SaveSessionData("s1")

	// In-memory state still serves reads.
	if _, ok := m.Get(exec.ID); !ok {
		t.Fatal("in-memory execution lost after failed save")
	}
}
