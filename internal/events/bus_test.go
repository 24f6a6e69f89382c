package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	bus.Subscribe("order", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Source)
		mu.Unlock()
	})

	for _, src := range []string{"a", "b", "c"} {
		bus.Publish(New(TypeSent, src, nil, nil))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c"} {
		if got[i] != want {
			t.Errorf("event %d from %q, want %q", i, got[i], want)
		}
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []Type
	bus.Subscribe("sent-only", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	}, TypeSent)

	bus.Publish(New(TypeFailed, "test", nil, nil))
	bus.Publish(New(TypeSent, "test", nil, nil))
	bus.Publish(New(TypeMaintenance, "test", nil, nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != TypeSent {
		t.Errorf("got %v, want exactly [sms.sent]", got)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.mailboxSize = 4
	defer bus.Close()

	started := make(chan struct{})
	block := make(chan struct{})
	var mu sync.Mutex
	var got []string
	var once sync.Once
	sub := bus.Subscribe("slow", func(ev Event) {
		once.Do(func() { close(started) })
		<-block
		mu.Lock()
		got = append(got, ev.Source)
		mu.Unlock()
	})

	// First event enters the handler and blocks; the next four fill the
	// mailbox; everything after that evicts the oldest pending.
	bus.Publish(New(TypeSent, "a", nil, nil))
	<-started
	for i := 1; i < 10; i++ {
		bus.Publish(New(TypeSent, string(rune('a'+i)), nil, nil))
	}

	waitFor(t, func() bool { return sub.Dropped() > 0 })
	close(block)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 5
	})

	mu.Lock()
	defer mu.Unlock()
	// Newest events survive, oldest pending were shed.
	last := got[len(got)-1]
	if last != "j" {
		t.Errorf("last delivered = %q, want the newest event %q", last, "j")
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	panicker := bus.Subscribe("panicker", func(ev Event) {
		panic("handler bug")
	})

	var mu sync.Mutex
	var healthy int
	bus.Subscribe("healthy", func(ev Event) {
		mu.Lock()
		healthy++
		mu.Unlock()
	})

	bus.Publish(New(TypeSent, "test", nil, nil))
	bus.Publish(New(TypeSent, "test", nil, nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy == 2
	})
	waitFor(t, func() bool { return panicker.Panics() == 2 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var count int
	sub := bus.Subscribe("temp", func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(New(TypeSent, "test", nil, nil))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	bus.Unsubscribe(sub)
	bus.Publish(New(TypeSent, "test", nil, nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("delivered %d events after unsubscribe, want 1 total", count)
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Subscribe("s", func(Event) {})
	bus.Close()
	bus.Publish(New(TypeSent, "test", nil, nil)) // must not panic
}
