package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// MessageCacheConfig bounds the message cache.
// Zero values disable the corresponding bound.
type MessageCacheConfig struct {
	MaxAge              time.Duration
	MaxPerConversation  int
	MaxTotal            int
	MaintenanceInterval time.Duration
	Logger              *slog.Logger
	Now                 func() time.Time
}

// messageEntry records when a message entered the cache. Eviction reads only
// addedAt and the keys, never the message itself, so callers may keep
// mutating cached messages under their own lock while a sweep runs.
type messageEntry struct {
	conversationID string
	messageID      string
	addedAt        time.Time
	msg            *domain.CachedMessage
	elem           *list.Element
}

// MessageCache stores messages keyed by (conversation_id, message_id).
// Insertion order is kept in a linked list so the oldest entry is evicted in O(1).
type MessageCache struct {
	mu       sync.RWMutex
	messages map[string]map[string]*messageEntry
	order    *list.List
	cfg      MessageCacheConfig
	logger   *slog.Logger
	evicted  atomic.Int64
	onEvict  func(*domain.CachedMessage)

	done   chan struct{}
	closed bool
}

func NewMessageCache(cfg MessageCacheConfig) *MessageCache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}
	return &MessageCache{
		messages: make(map[string]map[string]*messageEntry),
		order:    list.New(),
		cfg:      cfg,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

// AddMessage stores msg, replacing any message with the same key, and returns it.
func (c *MessageCache) AddMessage(msg *domain.CachedMessage) *domain.CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.messages[msg.ConversationID]
	if bucket == nil {
		bucket = make(map[string]*messageEntry)
		c.messages[msg.ConversationID] = bucket
	}

	if e, ok := bucket[msg.MessageID]; ok {
		e.msg = msg
		e.addedAt = c.cfg.Now()
		c.order.MoveToBack(e.elem)
		return msg
	}

	if c.cfg.MaxPerConversation > 0 && len(bucket) >= c.cfg.MaxPerConversation {
		c.evictOldestIn(msg.ConversationID)
	}
	if c.cfg.MaxTotal > 0 && c.order.Len() >= c.cfg.MaxTotal {
		c.evictFront()
	}

	e := &messageEntry{
		conversationID: msg.ConversationID,
		messageID:      msg.MessageID,
		addedAt:        c.cfg.Now(),
		msg:            msg,
	}
	e.elem = c.order.PushBack(e)
	bucket[msg.MessageID] = e
	return msg
}

// OnEvict registers fn to receive every message dropped by a size bound or
// by age. fn runs with the cache lock held and must not call back into it.
func (c *MessageCache) OnEvict(fn func(*domain.CachedMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// GetMessageByID returns the cached message or nil.
func (c *MessageCache) GetMessageByID(conversationID, messageID string) *domain.CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.messages[conversationID][messageID]; ok {
		return e.msg
	}
	return nil
}

// DeleteMessage removes a message and reports whether it was present.
func (c *MessageCache) DeleteMessage(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.messages[conversationID][messageID]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// MigrateMessage moves one message to another conversation bucket. The old
// conversation no longer owns the message afterwards.
func (c *MessageCache) MigrateMessage(fromConversationID, toConversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.migrateLocked(fromConversationID, toConversationID, messageID)
}

// MigrateMessages moves the given messages, or every message of the source
// conversation when ids is empty, and returns the ids actually moved.
func (c *MessageCache) MigrateMessages(fromConversationID, toConversationID string, ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ids) == 0 {
		for _, e := range c.sortedLocked(fromConversationID) {
			ids = append(ids, e.messageID)
		}
	}

	moved := make([]string, 0, len(ids))
	for _, id := range ids {
		if c.migrateLocked(fromConversationID, toConversationID, id) {
			moved = append(moved, id)
		}
	}
	return moved
}

func (c *MessageCache) migrateLocked(from, to, messageID string) bool {
	if from == to {
		return false
	}
	e, ok := c.messages[from][messageID]
	if !ok {
		return false
	}
	delete(c.messages[from], messageID)
	if len(c.messages[from]) == 0 {
		delete(c.messages, from)
	}

	bucket := c.messages[to]
	if bucket == nil {
		bucket = make(map[string]*messageEntry)
		c.messages[to] = bucket
	}
	if old, exists := bucket[messageID]; exists {
		c.order.Remove(old.elem)
	}
	e.conversationID = to
	e.msg.ConversationID = to
	bucket[messageID] = e
	return true
}

// Has reports whether the message is cached.
func (c *MessageCache) Has(conversationID, messageID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.messages[conversationID][messageID]
	return ok
}

// MessageIDs returns the ids cached for a conversation, oldest first.
func (c *MessageCache) MessageIDs(conversationID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := c.sortedLocked(conversationID)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.messageID
	}
	return ids
}

// Messages returns the cached messages of a conversation ordered by timestamp.
func (c *MessageCache) Messages(conversationID string) []*domain.CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket := c.messages[conversationID]
	out := make([]*domain.CachedMessage, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, e.msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// ConversationLen returns the number of messages cached for a conversation.
func (c *MessageCache) ConversationLen(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[conversationID])
}

// Len returns the total number of cached messages.
func (c *MessageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Evicted returns how many messages maintenance and size bounds have dropped.
func (c *MessageCache) Evicted() int64 {
	return c.evicted.Load()
}

// Sweep drops messages older than MaxAge and trims the cache to MaxTotal.
// It is idempotent and safe to interrupt between calls.
func (c *MessageCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if c.cfg.MaxAge > 0 {
		for front := c.order.Front(); front != nil; front = c.order.Front() {
			e := front.Value.(*messageEntry)
			if now.Sub(e.addedAt) <= c.cfg.MaxAge {
				break
			}
			c.evictLocked(e)
			removed++
		}
	}
	for c.cfg.MaxTotal > 0 && c.order.Len() > c.cfg.MaxTotal {
		c.evictFront()
		removed++
	}
	return removed
}

// Start runs periodic maintenance until ctx is cancelled or Close is called.
func (c *MessageCache) Start(ctx context.Context) {
	go runMaintenance(ctx, c.done, c.cfg.MaintenanceInterval, c.cfg.Now, c.Sweep, c.logger, "message")
}

// Close stops background maintenance. It is safe to call multiple times.
func (c *MessageCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *MessageCache) sortedLocked(conversationID string) []*messageEntry {
	bucket := c.messages[conversationID]
	entries := make([]*messageEntry, 0, len(bucket))
	for _, e := range bucket {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].addedAt.Equal(entries[j].addedAt) {
			return entries[i].addedAt.Before(entries[j].addedAt)
		}
		return entries[i].messageID < entries[j].messageID
	})
	return entries
}

func (c *MessageCache) evictFront() {
	if front := c.order.Front(); front != nil {
		c.evictLocked(front.Value.(*messageEntry))
	}
}

func (c *MessageCache) evictOldestIn(conversationID string) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*messageEntry)
		if e.conversationID == conversationID {
			c.evictLocked(e)
			return
		}
	}
}

func (c *MessageCache) evictLocked(e *messageEntry) {
	c.removeLocked(e)
	c.evicted.Add(1)
	if c.onEvict != nil {
		c.onEvict(e.msg)
	}
}

func (c *MessageCache) removeLocked(e *messageEntry) {
	c.order.Remove(e.elem)
	bucket := c.messages[e.conversationID]
	delete(bucket, e.messageID)
	if len(bucket) == 0 {
		delete(c.messages, e.conversationID)
	}
}
