package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/cache"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// ErrLockTimeout is returned when the manager lock cannot be acquired before
// the caller's context ends.
var ErrLockTimeout = errors.New("conversation lock not acquired")

// ManagerConfig wires the manager to its caches.
type ManagerConfig struct {
	Messages    *cache.MessageCache
	Attachments *cache.AttachmentCache
	Logger      *slog.Logger
	Now         func() time.Time
}

// Manager owns all conversation state of one adapter. Every public operation
// runs under a single manager-wide lock, so events are applied in a total
// order across all conversations.
type Manager struct {
	sem chan struct{}

	conversations map[string]*domain.ConversationInfo
	order         []string // first-seen order

	messages    *cache.MessageCache
	attachments *cache.AttachmentCache
	threads     *ThreadHandler
	builder     *MessageBuilder

	// evicted queues messages dropped by the cache until the next operation
	// reconciles them under the manager lock.
	evictMu sync.Mutex
	evicted []*domain.CachedMessage

	logger *slog.Logger
	now    func() time.Time
}

// NewManager returns a manager backed by the given caches, creating
// unbounded ones for any left nil.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Messages == nil {
		cfg.Messages = cache.NewMessageCache(cache.MessageCacheConfig{Logger: cfg.Logger, Now: cfg.Now})
	}
	if cfg.Attachments == nil {
		cfg.Attachments = cache.NewAttachmentCache(cache.AttachmentCacheConfig{Logger: cfg.Logger, Now: cfg.Now})
	}
	m := &Manager{
		sem:           make(chan struct{}, 1),
		conversations: make(map[string]*domain.ConversationInfo),
		messages:      cfg.Messages,
		attachments:   cfg.Attachments,
		threads:       NewThreadHandler(cfg.Messages),
		builder:       NewMessageBuilder(cfg.Now),
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	cfg.Messages.OnEvict(m.queueEvicted)
	return m
}

// AddEvent carries a new message into AddToConversation.
type AddEvent struct {
	Message     domain.IncomingMessage
	Attachments []domain.Attachment
	// HistoryFetch marks replayed history; bot messages are surfaced during replay.
	HistoryFetch bool
}

// AddToConversation records a new message, creating its conversation on first
// sight. A nil delta means the event could not be attributed to a conversation.
func (m *Manager) AddToConversation(ctx context.Context, ev AddEvent) (*domain.ConversationDelta, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	in := ev.Message
	if in.MessageID == "" || in.Conversation.ID == "" {
		return nil, nil
	}

	conv := m.getOrCreate(in.Conversation)
	sender, known := ResolveSender(conv, in.Sender)
	at := time.UnixMilli(timestampMillis(in.Timestamp, m.now))

	cached := m.messages.GetMessageByID(conv.ConversationID, in.MessageID)
	if cached == nil {
		thread := m.threads.AddThreadInfo(in, conv, at)
		b := m.builder.Reset().WithBasicInfo(in, conv.ConversationID)
		if known {
			b = b.WithSenderInfo(&sender)
		}
		cached = b.WithThreadInfo(thread).WithContent(in).Build()
	} else {
		mergeRedelivered(cached, in, sender, known)
	}
	m.messages.AddMessage(cached)

	attachments := m.storeAttachments(ctx, conv, ev.Attachments)
	for _, att := range attachments {
		cached.Attachments.Add(att.AttachmentID)
	}

	if !conv.Messages.Has(cached.MessageID) {
		conv.Messages.Add(cached.MessageID)
		conv.MessageCount++
	}
	if cached.IsPinned {
		conv.PinnedMessages.Add(cached.MessageID)
	} else {
		conv.PinnedMessages.Remove(cached.MessageID)
	}
	if at.After(conv.LastActivity) {
		conv.LastActivity = at
	}

	delta := m.newDelta(conv, ev.HistoryFetch)
	delta.MessageID = cached.MessageID
	delta.Timestamp = cached.Timestamp
	delta.Text = cached.Text
	delta.ThreadID = cached.ThreadID
	delta.Attachments = attachments
	delta.Sender = &sender

	if entry, ok := m.surface(cached, attachments, ev.HistoryFetch); ok {
		delta.AddedMessages = append(delta.AddedMessages, entry)
		delta.AddUpdate(domain.UpdateMessageReceived)
	}
	return delta, nil
}

// mergeRedelivered folds a repeated delivery of a cached message into the
// cached record. Pin state, reactions and attachments carried by the record
// survive; reactions are replaced only by an explicit snapshot.
func mergeRedelivered(msg *domain.CachedMessage, in domain.IncomingMessage, sender domain.Sender, known bool) {
	if in.Text != "" {
		msg.Text = in.Text
	}
	if in.Mentions != nil {
		msg.Mentions = append([]string(nil), in.Mentions...)
	}
	if known {
		msg.SenderID = sender.UserID
		msg.SenderName = sender.DisplayName
		msg.IsFromBot = sender.IsBot
	}
	msg.IsPinned = msg.IsPinned || in.IsPinned
	if in.ReactionsKnown {
		msg.Reactions = make(map[string]int, len(in.Reactions))
		for emoji, n := range in.Reactions {
			if n > 0 {
				msg.Reactions[emoji] = n
			}
		}
	}
}

// AttachmentDownloadRequired reports whether an attachment still needs to be
// fetched: it is unknown, or its stored file is gone.
func (m *Manager) AttachmentDownloadRequired(ctx context.Context, conversationID, attachmentID string) bool {
	att, err := m.attachments.Lookup(ctx, conversationID, attachmentID)
	if err != nil {
		m.logger.Warn("attachment lookup failed", "attachment_id", attachmentID, "err", err)
		return true
	}
	if att == nil || att.FilePath == "" {
		return true
	}
	if _, err := os.Stat(att.FilePath); err != nil {
		return true
	}
	return false
}

// Attachment returns stored metadata for an attachment known to the manager.
func (m *Manager) Attachment(ctx context.Context, conversationID, attachmentID string) (*domain.Attachment, error) {
	return m.attachments.Lookup(ctx, conversationID, attachmentID)
}

// Conversation returns a snapshot of a conversation, or nil.
func (m *Manager) Conversation(conversationID string) *domain.ConversationInfo {
	m.mustLock()
	defer m.unlock()

	if conv, ok := m.conversations[conversationID]; ok {
		return conv.Clone()
	}
	return nil
}

// Conversations returns snapshots of every conversation in first-seen order.
func (m *Manager) Conversations() []*domain.ConversationInfo {
	m.mustLock()
	defer m.unlock()

	out := make([]*domain.ConversationInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.conversations[id].Clone())
	}
	return out
}

// ConversationMember returns a copy of a known member, or nil.
func (m *Manager) ConversationMember(conversationID, userID string) *domain.UserInfo {
	m.mustLock()
	defer m.unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil
	}
	u, ok := conv.KnownMembers[userID]
	if !ok {
		return nil
	}
	uc := *u
	return &uc
}

// ConversationCache lists the cached messages of a conversation that carry
// text or attachments, oldest first. Bot messages are included.
func (m *Manager) ConversationCache(conversationID string) []domain.MessageEntry {
	m.mustLock()
	defer m.unlock()

	var out []domain.MessageEntry
	for _, msg := range m.messages.Messages(conversationID) {
		attachments := m.messageAttachments(msg)
		if msg.Text == "" && len(attachments) == 0 {
			continue
		}
		out = append(out, toEntry(msg, attachments, true))
	}
	return out
}

// Stats reports sizes for metrics.
type Stats struct {
	Conversations  int
	Messages       int
	Attachments    int
	EvictedMsgs    int64
	EvictedAttachs int64
}

func (m *Manager) Stats() Stats {
	m.mustLock()
	n := len(m.conversations)
	m.unlock()

	return Stats{
		Conversations:  n,
		Messages:       m.messages.Len(),
		Attachments:    m.attachments.Len(),
		EvictedMsgs:    m.messages.Evicted(),
		EvictedAttachs: m.attachments.Evicted(),
	}
}

func (m *Manager) lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		m.reconcileEvicted()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
}

func (m *Manager) mustLock() {
	m.sem <- struct{}{}
	m.reconcileEvicted()
}

func (m *Manager) unlock() { <-m.sem }

// queueEvicted runs under the cache lock, so it only records the message.
func (m *Manager) queueEvicted(msg *domain.CachedMessage) {
	m.evictMu.Lock()
	m.evicted = append(m.evicted, msg)
	m.evictMu.Unlock()
}

// reconcileEvicted releases conversation state still held by messages the
// cache dropped since the last operation. Callers hold the manager lock.
func (m *Manager) reconcileEvicted() {
	m.evictMu.Lock()
	evicted := m.evicted
	m.evicted = nil
	m.evictMu.Unlock()

	for _, msg := range evicted {
		conv, ok := m.conversations[msg.ConversationID]
		if !ok || !conv.Messages.Has(msg.MessageID) || m.messages.Has(msg.ConversationID, msg.MessageID) {
			continue
		}
		m.logger.Debug("message evicted", "conversation_id", msg.ConversationID, "message_id", msg.MessageID)
		m.forget(conv, msg)
	}
}

// forget drops msg from conv's membership, thread and pin bookkeeping.
func (m *Manager) forget(conv *domain.ConversationInfo, msg *domain.CachedMessage) {
	m.threads.RemoveThreadInfo(conv, msg)
	if conv.Messages.Has(msg.MessageID) {
		conv.Messages.Remove(msg.MessageID)
		if conv.MessageCount > 0 {
			conv.MessageCount--
		}
	}
	conv.PinnedMessages.Remove(msg.MessageID)
}

func (m *Manager) getOrCreate(ref domain.ConversationRef) *domain.ConversationInfo {
	if conv, ok := m.conversations[ref.ID]; ok {
		if conv.ConversationName == "" && ref.Name != "" {
			conv.ConversationName = ref.Name
		}
		return conv
	}
	typ := ref.Type
	if typ == "" {
		typ = domain.ConversationPrivate
	}
	conv := domain.NewConversationInfo(ref.ID, typ, ref.Name, m.now())
	m.conversations[ref.ID] = conv
	m.order = append(m.order, ref.ID)
	m.logger.Debug("conversation created", "conversation_id", ref.ID, "type", typ)
	return conv
}

// newDelta starts a delta for conv. The first delta of a conversation
// requests history exactly once; replayed history drains the flag silently.
func (m *Manager) newDelta(conv *domain.ConversationInfo, replay bool) *domain.ConversationDelta {
	delta := &domain.ConversationDelta{
		ConversationID:   conv.ConversationID,
		ConversationName: conv.ConversationName,
	}
	if conv.JustStarted {
		conv.JustStarted = false
		if !replay {
			delta.FetchHistory = true
			delta.AddUpdate(domain.UpdateConversationStarted)
		}
	}
	return delta
}

func (m *Manager) storeAttachments(ctx context.Context, conv *domain.ConversationInfo, atts []domain.Attachment) []domain.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]domain.Attachment, 0, len(atts))
	for _, att := range atts {
		if att.AttachmentID == "" {
			continue
		}
		stored := m.attachments.AddAttachment(ctx, conv.ConversationID, att)
		conv.Attachments.Add(stored.AttachmentID)
		out = append(out, stored)
	}
	return out
}

func (m *Manager) messageAttachments(msg *domain.CachedMessage) []domain.Attachment {
	if len(msg.Attachments) == 0 {
		return nil
	}
	var out []domain.Attachment
	for _, id := range msg.Attachments.Sorted() {
		if att, ok := m.attachments.GetAttachment(id); ok {
			out = append(out, att)
		}
	}
	return out
}

// surface converts msg into a delta entry unless it must stay hidden: bot
// messages outside history replay, and messages with neither text nor files.
func (m *Manager) surface(msg *domain.CachedMessage, attachments []domain.Attachment, replay bool) (domain.MessageEntry, bool) {
	if msg.IsFromBot && !replay {
		return domain.MessageEntry{}, false
	}
	if msg.Text == "" && len(attachments) == 0 {
		return domain.MessageEntry{}, false
	}
	return toEntry(msg, attachments, !replay), true
}

func toEntry(msg *domain.CachedMessage, attachments []domain.Attachment, withMentions bool) domain.MessageEntry {
	e := domain.MessageEntry{
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Sender: domain.Sender{
			UserID:      msg.SenderID,
			DisplayName: msg.SenderName,
			IsBot:       msg.IsFromBot,
		},
		Text:            msg.Text,
		ThreadID:        msg.ThreadID,
		Timestamp:       msg.Timestamp,
		IsDirectMessage: msg.IsDirectMessage,
		Attachments:     attachments,
	}
	if e.Sender.DisplayName == "" {
		e.Sender.DisplayName = domain.UnknownSender().DisplayName
	}
	if withMentions && len(msg.Mentions) > 0 {
		e.Mentions = append([]string(nil), msg.Mentions...)
	}
	return e
}
