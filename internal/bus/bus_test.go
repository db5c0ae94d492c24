package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(zerolog.Nop())
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSubscribeAndPublish(t *testing.T) {
	b := newTestBus(t)

	done := make(chan Event, 1)
	id, err := b.Subscribe(EventChunk, func(e Event) { done <- e })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if id == "" {
		t.Fatal("Subscribe returned empty ID")
	}

	event := NewEvent(EventChunk)
	event.RequestID = "7"
	event.Content = "Hello"
	if err := b.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-done:
		if got.RequestID != "7" || got.Content != "Hello" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	b := newTestBus(t)

	var chunks atomic.Int32
	b.Subscribe(EventChunk, func(Event) { chunks.Add(1) })

	done := make(chan struct{}, 1)
	b.Subscribe(EventComplete, func(Event) { done <- struct{}{} })

	b.Publish(NewEvent(EventComplete))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for complete")
	}
	if chunks.Load() != 0 {
		t.Errorf("chunk subscriber saw %d events", chunks.Load())
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)

	var count atomic.Int32
	done := make(chan struct{}, 1)
	b.Subscribe(EventType(""), func(Event) {
		if count.Add(1) == 3 {
			done <- struct{}{}
		}
	})

	b.Publish(NewEvent(EventChunk))
	b.Publish(NewEvent(EventRoutingDecision))
	b.Publish(NewEvent(EventConnectivity))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Timeout: got %d events", count.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	var count atomic.Int32
	seen := make(chan struct{}, 1)
	id, _ := b.Subscribe(EventError, func(Event) {
		count.Add(1)
		seen <- struct{}{}
	})

	b.Publish(NewEvent(EventError))
	<-seen

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := b.Unsubscribe(id); err == nil {
		t.Error("second Unsubscribe should fail")
	}

	b.Publish(NewEvent(EventError))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", count.Load())
	}
	if b.SubscriptionsCount() != 0 {
		t.Errorf("Expected no subscriptions, got %d", b.SubscriptionsCount())
	}
}

func TestHandlerOrderPreserved(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	b.Subscribe(EventChunk, func(e Event) {
		mu.Lock()
		got = append(got, e.Seq)
		n := len(got)
		mu.Unlock()
		if n == 20 {
			close(done)
		}
	})

	for i := uint64(0); i < 20; i++ {
		e := NewEvent(EventChunk)
		e.Seq = i
		b.Publish(e)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for chunks")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != uint64(i) {
			t.Fatalf("position %d has seq %d", i, seq)
		}
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	b := newTestBus(t)

	done := make(chan struct{}, 2)
	b.Subscribe(EventComplete, func(Event) {
		done <- struct{}{}
		panic("observer bug")
	})

	b.Publish(NewEvent(EventComplete))
	b.Publish(NewEvent(EventComplete))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler stopped after panic")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := newTestBus(t)

	release := make(chan struct{})
	b.Subscribe(EventChunk, func(Event) { <-release })
	defer close(release)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < DefaultChannelBuffer*3; i++ {
			b.Publish(NewEvent(EventChunk))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if b.Dropped() == 0 {
		t.Error("expected dropped deliveries")
	}
}

func TestHistoryBounded(t *testing.T) {
	b := NewWithHistory(5, zerolog.Nop())
	defer b.Close()

	for i := 0; i < 10; i++ {
		e := NewEvent(EventChunk)
		e.Seq = uint64(i)
		b.Publish(e)
	}

	history := b.History()
	if len(history) != 5 {
		t.Fatalf("Expected 5 events in history, got %d", len(history))
	}
	if history[0].Seq != 5 {
		t.Errorf("oldest retained seq = %d, want 5", history[0].Seq)
	}

	recent := b.Recent(2)
	if len(recent) != 2 || recent[1].Seq != 9 {
		t.Errorf("unexpected recent events %+v", recent)
	}
}

func TestClosedBus(t *testing.T) {
	b := New(zerolog.Nop())
	b.Subscribe(EventChunk, func(Event) {})
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if err := b.Publish(NewEvent(EventChunk)); err != ErrClosed {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(EventChunk, func(Event) {}); err != ErrClosed {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
}
