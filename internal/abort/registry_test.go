package abort

import (
	"testing"
	"time"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestMarkAndClear(t *testing.T) {
	r := NewRegistry()

	if r.IsAborted("s1") {
		t.Fatal("fresh session should not be aborted")
	}

	at := r.MarkAborted("s1")
	if !r.IsAborted("s1") {
		t.Fatal("mark did not stick")
	}
	got, ok := r.AbortTimestamp("s1")
	if !ok || !got.Equal(at) {
		t.Fatalf("timestamp mismatch: %v vs %v", got, at)
	}

	r.Clear("s1")
	if r.IsAborted("s1") {
		t.Fatal("clear did not remove the mark")
	}
	if _, ok := r.AbortTimestamp("s1"); ok {
		t.Fatal("cleared session should have no timestamp")
	}
}

func TestSignalCapturedBeforeMarkStillFires(t *testing.T) {
	r := NewRegistry()

	ch := r.Signal("s1")
	if closed(ch) {
		t.Fatal("signal closed before any mark")
	}

	r.MarkAborted("s1")
	if !closed(ch) {
		t.Fatal("signal captured before the mark must fire")
	}
}

func TestClearInstallsFreshSignal(t *testing.T) {
	r := NewRegistry()

	r.MarkAborted("s1")
	old := r.Signal("s1")
	if !closed(old) {
		t.Fatal("aborted session should have a closed signal")
	}

	r.Clear("s1")
	fresh := r.Signal("s1")
	if closed(fresh) {
		t.Fatal("cleared session should have an open signal")
	}
	// The old turn's channel stays closed; only new captures see the reset.
	if !closed(old) {
		t.Fatal("old signal must remain closed")
	}
}

func TestRemarkIsIdempotent(t *testing.T) {
	r := NewRegistry()

	first := r.MarkAborted("s1")
	time.Sleep(time.Millisecond)
	second := r.MarkAborted("s1")
	if !second.After(first) {
		t.Fatalf("re-mark should advance the timestamp: %v vs %v", first, second)
	}
	if !r.IsAborted("s1") {
		t.Fatal("re-mark lost the abort state")
	}
}

func TestListenersNotifiedPerMark(t *testing.T) {
	r := NewRegistry()

	var seen []string
	unsub := r.Subscribe(func(sessionID string, _ time.Time) {
		seen = append(seen, sessionID)
	})

	r.MarkAborted("s1")
	r.MarkAborted("s1")
	r.MarkAborted("s2")
	if len(seen) != 3 || seen[0] != "s1" || seen[2] != "s2" {
		t.Fatalf("unexpected notifications %v", seen)
	}

	unsub()
	r.MarkAborted("s3")
	if len(seen) != 3 {
		t.Fatal("unsubscribed listener still notified")
	}
}

func TestSessionsIsolated(t *testing.T) {
	r := NewRegistry()

	r.MarkAborted("s1")
	if r.IsAborted("s2") {
		t.Fatal("abort leaked across sessions")
	}
	if closed(r.Signal("s2")) {
		t.Fatal("signal leaked across sessions")
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	r := NewRegistry()

	r.MarkAborted("s1")
	r.Remove("s1")
	if r.IsAborted("s1") {
		t.Fatal("removed session still aborted")
	}
}
