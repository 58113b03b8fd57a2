package session

import (
	"sync"
	"testing"
	"time"

	"ivory/internal/eventbus"
	ierrors "ivory/internal/shared/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg Config, bus *eventbus.Bus) (*Manager, *fakeClock) {
	t.Helper()
	m, err := NewManager(cfg, bus, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Stop)
	clock := newFakeClock()
	m.SetClock(clock)
	return m, clock
}

func TestCreateAndLookup(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)

	s := m.Create("scratch")
	if s.ID == "" || s.Name() != "scratch" {
		t.Fatalf("unexpected session %+v", s)
	}

	got, err := m.Get(s.ID)
	if err != nil || got.ID != s.ID {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := m.Get("session-missing"); ierrors.KindOf(err) != ierrors.KindSessionNotFound {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	bus := eventbus.New(nil)
	m, _ := newTestManager(t, Config{MaxSessions: 2}, bus)

	var removed []RemovedPayload
	bus.On(TopicRemoved, func(e eventbus.Event) {
		removed = append(removed, e.Payload.(RemovedPayload))
	})
	var hooks []string
	m.OnRemove = func(s *Session, reason string) {
		hooks = append(hooks, s.ID+":"+reason)
	}

	a := m.Create("a")
	b := m.Create("b")
	if _, err := m.Get(a.ID); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	c := m.Create("c")

	// a was refreshed, so b is the LRU victim.
	if m.Contains(b.ID) || !m.Contains(a.ID) || !m.Contains(c.ID) {
		t.Fatalf("wrong victim: have %v", m.IDs())
	}
	if len(removed) != 1 || removed[0].SessionID != b.ID || removed[0].Reason != "evicted" {
		t.Fatalf("unexpected removal events %+v", removed)
	}
	if len(hooks) != 1 || hooks[0] != b.ID+":evicted" {
		t.Fatalf("unexpected hooks %v", hooks)
	}
}

func TestDeleteEmitsDeletedOnly(t *testing.T) {
	bus := eventbus.New(nil)
	m, _ := newTestManager(t, Config{}, bus)

	var deleted, removed int
	bus.On(TopicDeleted, func(eventbus.Event) { deleted++ })
	bus.On(TopicRemoved, func(eventbus.Event) { removed++ })

	s := m.Create("a")
	if err := m.Delete(s.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if deleted != 1 || removed != 0 {
		t.Fatalf("expected one deleted and no removed, got %d/%d", deleted, removed)
	}
	if err := m.Delete(s.ID); ierrors.KindOf(err) != ierrors.KindSessionNotFound {
		t.Fatalf("second delete should fail, got %v", err)
	}
}

func TestCleanupIdleRemovesStaleSessions(t *testing.T) {
	m, clock := newTestManager(t, Config{SessionTimeout: 30 * time.Minute}, nil)

	stale := m.Create("stale")
	clock.Advance(31 * time.Minute)
	fresh := m.Create("fresh")

	if n := m.CleanupIdle(); n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	if m.Contains(stale.ID) || !m.Contains(fresh.ID) {
		t.Fatalf("wrong session removed: have %v", m.IDs())
	}
}

func TestCleanupSkipsProcessingSessions(t *testing.T) {
	m, clock := newTestManager(t, Config{SessionTimeout: 30 * time.Minute}, nil)
	busy := m.Create("busy")
	m.IsProcessing = func(sessionID string) bool { return sessionID == busy.ID }

	clock.Advance(time.Hour)
	if n := m.CleanupIdle(); n != 0 {
		t.Fatalf("busy session must survive cleanup, removed %d", n)
	}
	if !m.Contains(busy.ID) {
		t.Fatal("busy session dropped")
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	m, clock := newTestManager(t, Config{SessionTimeout: 30 * time.Minute}, nil)
	s := m.Create("active")

	clock.Advance(20 * time.Minute)
	m.Touch(s.ID)
	clock.Advance(20 * time.Minute)

	if n := m.CleanupIdle(); n != 0 {
		t.Fatalf("touched session must survive, removed %d", n)
	}
}

func TestAdoptRestoresUnderOriginalID(t *testing.T) {
	m, clock := newTestManager(t, Config{}, nil)

	restored := newSession("session-restored", "old", clock.Now())
	restored.SetRestoredAt(clock.Now().Add(-time.Hour), clock.Now().Add(-time.Minute))
	m.Adopt(restored)

	got, err := m.Get("session-restored")
	if err != nil || got.Name() != "old" {
		t.Fatalf("adopt failed: %v", err)
	}
}

func TestFastEditToggleReportsChange(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)
	s := m.Create("a")

	if !s.SetFastEdit(true) {
		t.Fatal("first enable should report a change")
	}
	if s.SetFastEdit(true) {
		t.Fatal("repeat enable should not report a change")
	}
	if !s.FastEdit() {
		t.Fatal("flag lost")
	}
	if !s.SetFastEdit(false) {
		t.Fatal("disable should report a change")
	}
}

func TestCapacityEvictionSkipsBusySession(t *testing.T) {
	bus := eventbus.New(nil)
	m, _ := newTestManager(t, Config{MaxSessions: 2}, bus)

	a := m.Create("a")
	b := m.Create("b")
	// The least recently used session has a turn in flight.
	m.IsProcessing = func(id string) bool { return id == a.ID }

	var removed []RemovedPayload
	bus.On(TopicRemoved, func(e eventbus.Event) {
		removed = append(removed, e.Payload.(RemovedPayload))
	})

	c := m.Create("c")

	if !m.Contains(a.ID) {
		t.Fatal("busy session was evicted")
	}
	if m.Contains(b.ID) {
		t.Fatal("idle session should have been the victim")
	}
	if !m.Contains(c.ID) {
		t.Fatal("new session missing")
	}
	if len(removed) != 1 || removed[0].SessionID != b.ID || removed[0].Reason != "evicted" {
		t.Fatalf("unexpected removals %v", removed)
	}
}

func TestCapacityCapWinsWhenAllSessionsBusy(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxSessions: 2}, nil)

	a := m.Create("a")
	b := m.Create("b")
	m.IsProcessing = func(string) bool { return true }

	c := m.Create("c")

	if m.Len() != 2 {
		t.Fatalf("table over capacity: %d", m.Len())
	}
	if m.Contains(a.ID) {
		t.Fatal("oldest session should fall to the hard cap")
	}
	if !m.Contains(b.ID) || !m.Contains(c.ID) {
		t.Fatal("newer sessions missing")
	}
}
