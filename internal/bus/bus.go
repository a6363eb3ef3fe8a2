package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

const publishTimeout = 10 * time.Second

// Envelope pairs a client request with the id of the client awaiting the result.
type Envelope struct {
	ClientID string
	Request  domain.Request
}

// RequestBus is a Go-channel based queue carrying client requests to the
// platform worker and results back to the issuing client.
type RequestBus struct {
	requests chan Envelope
	handlers map[string]func(domain.RequestResult)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{} // queued request ids not yet claimed
}

// NewRequestBus creates a RequestBus with the given buffer size.
func NewRequestBus(bufferSize int, logger *slog.Logger) *RequestBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &RequestBus{
		requests: make(chan Envelope, bufferSize),
		handlers: make(map[string]func(domain.RequestResult)),
		pending:  make(map[string]struct{}),
		logger:   logger,
	}
}

// Publish queues a request. Blocks up to 10 seconds if the bus is full
// instead of dropping, and reports whether the request was queued.
func (b *RequestBus) Publish(env Envelope) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return false
	}
	b.track(env.Request.RequestID)

	select {
	case b.requests <- env:
		return true
	default:
		b.logger.Warn("request bus full, waiting...", "client", env.ClientID, "event_type", env.Request.EventType)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.requests <- env:
			b.logger.Info("request delivered after wait", "request_id", env.Request.RequestID)
			return true
		case <-timer.C:
			b.Cancel(env.Request.RequestID)
			b.logger.Error("request dropped: bus full for 10s",
				"client", env.ClientID,
				"request_id", env.Request.RequestID,
			)
			return false
		}
	}
}

func (b *RequestBus) track(requestID string) {
	if requestID == "" {
		return
	}
	b.pendingMu.Lock()
	b.pending[requestID] = struct{}{}
	b.pendingMu.Unlock()
}

// Cancel withdraws a queued request. It reports false when the request is
// unknown or a worker already claimed it.
func (b *RequestBus) Cancel(requestID string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if _, ok := b.pending[requestID]; !ok {
		return false
	}
	delete(b.pending, requestID)
	return true
}

// Claim marks a dequeued request as taken by a worker. It reports false for
// cancelled requests, which must be skipped. Requests without an id are
// always claimable.
func (b *RequestBus) Claim(requestID string) bool {
	if requestID == "" {
		return true
	}
	return b.Cancel(requestID)
}

func (b *RequestBus) Subscribe() <-chan Envelope {
	return b.requests
}

// SendResult delivers a result to the client that issued the request.
func (b *RequestBus) SendResult(clientID string, res domain.RequestResult) {
	b.mu.RLock()
	handler, ok := b.handlers[clientID]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for client",
			"client", clientID,
			"request_id", res.RequestID,
		)
		return
	}

	handler(res)
}

func (b *RequestBus) OnResult(clientID string, handler func(domain.RequestResult)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[clientID] = handler
}

func (b *RequestBus) OffResult(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, clientID)
}

func (b *RequestBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.requests)
	}
}
