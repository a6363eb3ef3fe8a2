package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Request types that get their own per-conversation budget.
const (
	RequestMessage = "message"
)

// Config sets requests-per-minute budgets. Zero disables a budget.
type Config struct {
	GlobalRPM          int
	PerConversationRPM int
	MessageRPM         int
	Burst              int
}

// Limiter throttles outbound platform calls with token buckets: one global,
// one per conversation, and a stricter one per conversation for sent messages.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu       sync.Mutex
	perConv  map[string]*rate.Limiter
	messages map[string]*rate.Limiter
}

func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Limiter{
		cfg:      cfg,
		global:   newBucket(cfg.GlobalRPM, cfg.Burst),
		perConv:  make(map[string]*rate.Limiter),
		messages: make(map[string]*rate.Limiter),
	}
}

func newBucket(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst)
}

// Wait blocks until a request of the given type may be sent to the
// conversation, or ctx is done. conversationID may be empty for calls not
// tied to a conversation.
func (l *Limiter) Wait(ctx context.Context, requestType, conversationID string) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	if conversationID == "" {
		return nil
	}
	if err := l.bucket(l.perConv, conversationID, l.cfg.PerConversationRPM).Wait(ctx); err != nil {
		return err
	}
	if requestType == RequestMessage {
		return l.bucket(l.messages, conversationID, l.cfg.MessageRPM).Wait(ctx)
	}
	return nil
}

func (l *Limiter) bucket(m map[string]*rate.Limiter, key string, rpm int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := m[key]
	if !ok {
		b = newBucket(rpm, l.cfg.Burst)
		m[key] = b
	}
	return b
}
