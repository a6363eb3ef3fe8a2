package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var received int32
	eb.On(EventMessageReceived, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventMessageReceived, Payload: map[string]any{"message_id": "1"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventReactionAdded})
	eb.Emit(Event{Type: EventReactionRemoved})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var count int32
	id := eb.On(EventMessageReceived, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventMessageReceived})
	eb.Off(EventMessageReceived, id)
	eb.Emit(Event{Type: EventMessageReceived})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	events := eb.Replay("a", time.Time{})
	if len(events) != 2 {
		t.Errorf("expected 2 'a' events, got %d", len(events))
	}

	allEvents := eb.Replay("*", time.Time{})
	if len(allEvents) != 3 {
		t.Errorf("expected 3 total events, got %d", len(allEvents))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	events := eb.Replay("*", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 5)

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	eb.On("panic", func(e Event) {
		panic("test panic")
	})

	// Should not panic the caller
	eb.Emit(Event{Type: "panic"})
}

func TestEventBus_MultipleHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var count int32
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On("test", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: "test"})

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers called, got %d", count)
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	before := time.Now()
	eb.Emit(Event{Type: "test"})

	events := eb.Replay("test", before.Add(-time.Second))
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}

func TestEventBus_OffKeepsOtherHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger(), 0)

	var a, b int32
	idA := eb.On(EventMessageDeleted, func(e Event) { atomic.AddInt32(&a, 1) })
	eb.On(EventMessageDeleted, func(e Event) { atomic.AddInt32(&b, 1) })

	eb.Off(EventMessageDeleted, idA)
	eb.Emit(Event{Type: EventMessageDeleted})

	if atomic.LoadInt32(&a) != 0 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("expected only second handler to run, got a=%d b=%d", a, b)
	}
}
