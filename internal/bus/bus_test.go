package bus

import (
	"sync"
	"testing"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(nil)

	var got []Event
	sub := b.Subscribe("test", func(e Event) {
		got = append(got, e)
	})
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Topic != "test.event" {
		t.Fatalf("topic = %q, want %q", got[0].Topic, "test.event")
	}
	if got[0].Payload != "hello" {
		t.Fatalf("payload = %v, want %q", got[0].Payload, "hello")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New(nil)

	var taskEvents, allEvents int
	b.Subscribe("task.", func(Event) { taskEvents++ })
	b.Subscribe("", func(Event) { allEvents++ })

	b.Publish("task.created", "new task")
	b.Publish("system.status", "ok")

	if taskEvents != 1 {
		t.Fatalf("task subscriber received %d events, want 1", taskEvents)
	}
	if allEvents != 2 {
		t.Fatalf("catch-all subscriber received %d events, want 2", allEvents)
	}
}

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := New(nil)

	var before, after bool
	b.Subscribe("task.", func(Event) { before = true })
	b.Subscribe("task.", func(Event) { panic("boom") })
	b.Subscribe("task.", func(Event) { after = true })

	b.Publish("task.failed", nil)

	if !before || !after {
		t.Fatalf("handlers around panicking listener did not run: before=%v after=%v", before, after)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(nil)

	var count int
	sub := b.Subscribe("test", func(Event) { count++ })

	b.Publish("test.one", nil)
	b.Unsubscribe(sub)
	b.Publish("test.two", nil)

	if count != 1 {
		t.Fatalf("received %d events after unsubscribe, want 1", count)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}

	// Unsubscribing twice or passing nil must be safe.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestBus_UnsubscribePrunesDispatchOrder(t *testing.T) {
	b := New(nil)

	first := b.Subscribe("a", func(Event) {})
	second := b.Subscribe("b", func(Event) {})
	third := b.Subscribe("c", func(Event) {})

	b.Unsubscribe(second)

	if got := len(b.order); got != 2 {
		t.Fatalf("dispatch order has %d entries after unsubscribe, want 2", got)
	}
	if b.order[0] != first.id || b.order[1] != third.id {
		t.Fatalf("dispatch order = %v, want [%d %d]", b.order, first.id, third.id)
	}

	b.Unsubscribe(first)
	b.Unsubscribe(third)
	if got := len(b.order); got != 0 {
		t.Fatalf("dispatch order has %d entries after removing all, want 0", got)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	count := 0
	b.Subscribe("", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish("load.test", j)
			}
		}()
	}
	wg.Wait()

	if count != 500 {
		t.Fatalf("received %d events, want 500", count)
	}
}
