package eventbus

import (
	"sync"
	"testing"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	bus := New(nil)

	var order []string
	bus.On("topic", func(Event) { order = append(order, "first") })
	bus.On("topic", func(Event) { order = append(order, "second") })
	bus.On("other", func(Event) { order = append(order, "wrong topic") })

	bus.Emit("topic", "payload")

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v", order)
	}
}

func TestEventCarriesTopicAndPayload(t *testing.T) {
	bus := New(nil)

	var got Event
	bus.On("topic", func(e Event) { got = e })
	bus.Emit("topic", 42)

	if got.Topic != "topic" || got.Payload != 42 || got.Timestamp.IsZero() {
		t.Fatalf("event = %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)

	calls := 0
	unsub := bus.On("topic", func(Event) { calls++ })

	bus.Emit("topic", nil)
	unsub()
	bus.Emit("topic", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := New(nil)

	reached := false
	bus.On("topic", func(Event) { panic("boom") })
	bus.On("topic", func(Event) { reached = true })

	bus.Emit("topic", nil)

	if !reached {
		t.Fatal("handler after panicking one was skipped")
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.On("topic", func(Event) {
				mu.Lock()
				seen++
				mu.Unlock()
			})
			defer unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Emit("topic", nil)
		}()
	}
	wg.Wait()
	// No assertion on count; the race detector guards correctness here.
}
