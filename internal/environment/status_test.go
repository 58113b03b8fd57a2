package environment

import "testing"

func collectStatuses(e *statusEmitter) (*[]Status, func()) {
	events := &[]Status{}
	unsub := e.subscribe(func(ev StatusEvent) {
		*events = append(*events, ev.Status)
	})
	return events, unsub
}

func TestStatusEmitterCoalescesDuplicates(t *testing.T) {
	e := newStatusEmitter(KindContainer)
	events, unsub := collectStatuses(e)
	defer unsub()

	e.emit(StatusInitializing, "")
	e.emit(StatusConnected, "")
	e.emit(StatusConnected, "")
	e.emit(StatusConnected, "")

	if got := *events; len(got) != 2 || got[0] != StatusInitializing || got[1] != StatusConnected {
		t.Fatalf("expected [initializing connected], got %v", got)
	}
}

func TestStatusEmitterInitializingOnlyFromColdOrFailure(t *testing.T) {
	e := newStatusEmitter(KindContainer)
	events, unsub := collectStatuses(e)
	defer unsub()

	e.emit(StatusConnected, "")
	e.emit(StatusInitializing, "") // suppressed, already connected
	e.emit(StatusDisconnected, "gone")
	e.emit(StatusInitializing, "") // allowed, recovering

	want := []Status{StatusConnected, StatusDisconnected, StatusInitializing}
	got := *events
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestStatusEmitterReplaysToLateSubscriber(t *testing.T) {
	e := newStatusEmitter(KindRemote)
	e.emit(StatusConnected, "")

	var seen []StatusEvent
	unsub := e.subscribe(func(ev StatusEvent) { seen = append(seen, ev) })
	defer unsub()

	if len(seen) != 1 || seen[0].Status != StatusConnected || !seen[0].IsReady {
		t.Fatalf("late subscriber should see current state, got %v", seen)
	}
}

func TestStatusEmitterDistinctErrorsNotCoalesced(t *testing.T) {
	e := newStatusEmitter(KindContainer)
	events, unsub := collectStatuses(e)
	defer unsub()

	e.emit(StatusError, "first failure")
	e.emit(StatusError, "second failure")

	if got := *events; len(got) != 2 {
		t.Fatalf("distinct error payloads should both emit, got %v", got)
	}
}

func TestStatusEmitterUnsubscribeStopsDelivery(t *testing.T) {
	e := newStatusEmitter(KindLocal)
	events, unsub := collectStatuses(e)

	e.emit(StatusConnected, "")
	unsub()
	e.emit(StatusDisconnected, "")

	if got := *events; len(got) != 1 {
		t.Fatalf("expected one event before unsubscribe, got %v", got)
	}
}
