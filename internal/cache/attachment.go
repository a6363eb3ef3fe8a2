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

// AttachmentIndex persists attachment metadata across restarts.
// Get returns nil, nil when the attachment is unknown.
type AttachmentIndex interface {
	Put(ctx context.Context, conversationID string, att domain.Attachment) error
	Get(ctx context.Context, attachmentID string) (*domain.Attachment, error)
}

type AttachmentCacheConfig struct {
	MaxAge              time.Duration
	MaxTotal            int
	MaintenanceInterval time.Duration
	Index               AttachmentIndex // optional
	Logger              *slog.Logger
	Now                 func() time.Time
}

type attachmentEntry struct {
	att           domain.Attachment
	conversations domain.StringSet
	addedAt       time.Time
	elem          *list.Element
}

// AttachmentCache keeps attachment metadata keyed by attachment_id.
// One attachment may be shared by several conversations.
type AttachmentCache struct {
	mu      sync.RWMutex
	entries map[string]*attachmentEntry
	order   *list.List
	cfg     AttachmentCacheConfig
	logger  *slog.Logger
	evicted atomic.Int64

	done   chan struct{}
	closed bool
}

func NewAttachmentCache(cfg AttachmentCacheConfig) *AttachmentCache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}
	return &AttachmentCache{
		entries: make(map[string]*attachmentEntry),
		order:   list.New(),
		cfg:     cfg,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
	}
}

// AddAttachment records att for a conversation and writes it to the index.
// Index failures are logged; the in-memory entry is kept regardless.
func (c *AttachmentCache) AddAttachment(ctx context.Context, conversationID string, att domain.Attachment) domain.Attachment {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = c.cfg.Now()
	}
	c.put(conversationID, att)

	if c.cfg.Index != nil {
		if err := c.cfg.Index.Put(ctx, conversationID, att); err != nil {
			c.logger.Warn("attachment index write failed", "attachment_id", att.AttachmentID, "err", err)
		}
	}
	return att
}

func (c *AttachmentCache) put(conversationID string, att domain.Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[att.AttachmentID]; ok {
		e.att = att
		e.conversations.Add(conversationID)
		e.addedAt = c.cfg.Now()
		c.order.MoveToBack(e.elem)
		return
	}
	if c.cfg.MaxTotal > 0 && c.order.Len() >= c.cfg.MaxTotal {
		c.evictFront()
	}
	e := &attachmentEntry{
		att:           att,
		conversations: domain.NewStringSet(conversationID),
		addedAt:       c.cfg.Now(),
	}
	e.elem = c.order.PushBack(e)
	c.entries[att.AttachmentID] = e
}

// GetAttachment returns the in-memory attachment.
func (c *AttachmentCache) GetAttachment(attachmentID string) (domain.Attachment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[attachmentID]
	if !ok {
		return domain.Attachment{}, false
	}
	return e.att, true
}

// Lookup checks memory first, then the index. A hit in the index is loaded
// back into memory under the conversation it was stored for.
func (c *AttachmentCache) Lookup(ctx context.Context, conversationID, attachmentID string) (*domain.Attachment, error) {
	if att, ok := c.GetAttachment(attachmentID); ok {
		return &att, nil
	}
	if c.cfg.Index == nil {
		return nil, nil
	}
	att, err := c.cfg.Index.Get(ctx, attachmentID)
	if err != nil || att == nil {
		return nil, err
	}
	c.put(conversationID, *att)
	return att, nil
}

// ConversationAttachments returns the attachments linked to a conversation, oldest first.
func (c *AttachmentCache) ConversationAttachments(conversationID string) []domain.Attachment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.Attachment
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*attachmentEntry)
		if e.conversations.Has(conversationID) {
			out = append(out, e.att)
		}
	}
	return out
}

// MigrateConversation relinks every attachment of one conversation to another.
func (c *AttachmentCache) MigrateConversation(fromConversationID, toConversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var moved []string
	for id, e := range c.entries {
		if e.conversations.Has(fromConversationID) {
			e.conversations.Remove(fromConversationID)
			e.conversations.Add(toConversationID)
			moved = append(moved, id)
		}
	}
	sort.Strings(moved)
	return moved
}

func (c *AttachmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

func (c *AttachmentCache) Evicted() int64 {
	return c.evicted.Load()
}

// Sweep drops attachments older than MaxAge from memory. Index rows and
// files on disk are left alone.
func (c *AttachmentCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if c.cfg.MaxAge > 0 {
		for front := c.order.Front(); front != nil; front = c.order.Front() {
			e := front.Value.(*attachmentEntry)
			if now.Sub(e.addedAt) <= c.cfg.MaxAge {
				break
			}
			c.evictFront()
			removed++
		}
	}
	return removed
}

func (c *AttachmentCache) Start(ctx context.Context) {
	go runMaintenance(ctx, c.done, c.cfg.MaintenanceInterval, c.cfg.Now, c.Sweep, c.logger, "attachment")
}

func (c *AttachmentCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *AttachmentCache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*attachmentEntry)
	c.order.Remove(front)
	delete(c.entries, e.att.AttachmentID)
	c.evicted.Add(1)
}
