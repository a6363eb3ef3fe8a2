package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a normalized platform event on its way to socket clients.
type Event struct {
	Type      string         `json:"event_type"`   // e.g. "message_received", "reaction_added"
	Source    string         `json:"adapter_type"` // platform the event came from
	AdapterID string         `json:"adapter_id,omitempty"`
	Payload   map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus for normalized events.
// It supports wildcard subscriptions and a bounded history for replay to
// clients that reconnect.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus keeping up to maxHistory events (1000 when <= 0).
func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers, synchronously and in
// registration order. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events matching the given type since the given time.
// Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Normalized event types.
const (
	EventConversationStarted  = "conversation_started"
	EventMessageReceived      = "message_received"
	EventMessageUpdated       = "message_updated"
	EventMessageDeleted       = "message_deleted"
	EventReactionAdded        = "reaction_added"
	EventReactionRemoved      = "reaction_removed"
	EventMessagePinned        = "message_pinned"
	EventMessageUnpinned      = "message_unpinned"
	EventConversationMigrated = "conversation_migrated"
	EventConnect              = "connect"
	EventDisconnect           = "disconnect"
)
