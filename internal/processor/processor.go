// Package processor connects platform adapters to the conversation manager.
// Adapters report normalized platform events; the processor applies them to
// conversation state and emits the resulting deltas as ordered events.
package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/attachment"
	"github.com/antra-tess/connectome-adapters/internal/bus"
	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
	"github.com/antra-tess/connectome-adapters/internal/metrics"
	"github.com/antra-tess/connectome-adapters/internal/ratelimit"
)

const (
	defaultHistoryLimit = 50
	defaultConcurrency  = 3
)

// Emitter receives normalized events. *bus.EventBus implements it.
type Emitter interface {
	Emit(event bus.Event)
}

// Config holds the processor's collaborators.
type Config struct {
	Platform     string // adapter type, e.g. "telegram"
	AdapterID    string
	Manager      *conversation.Manager
	Emitter      Emitter
	Downloader   domain.Downloader  // optional
	Limiter      *ratelimit.Limiter // optional
	HistoryLimit int
	Concurrency  int   // parallel client requests (default 3)
	LargeFile    int64 // bytes; larger attachments are marked not processable
	Logger       *slog.Logger
	Now          func() time.Time
}

// Processor applies platform events to the conversation manager and emits
// the resulting deltas.
type Processor struct {
	platformName string
	adapterID    string
	manager      *conversation.Manager
	emitter      Emitter
	downloader   domain.Downloader
	limiter      *ratelimit.Limiter
	historyLimit int
	concurrency  int
	largeFile    int64
	logger       *slog.Logger
	now          func() time.Time

	platform domain.Platform
	history  domain.HistoryFetcher
}

func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Manager == nil {
		cfg.Manager = conversation.NewManager(conversation.ManagerConfig{Logger: cfg.Logger, Now: cfg.Now})
	}
	return &Processor{
		platformName: cfg.Platform,
		adapterID:    cfg.AdapterID,
		manager:      cfg.Manager,
		emitter:      cfg.Emitter,
		downloader:   cfg.Downloader,
		limiter:      cfg.Limiter,
		historyLimit: cfg.HistoryLimit,
		concurrency:  cfg.Concurrency,
		largeFile:    cfg.LargeFile,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Attach binds the platform that executes client requests. A platform that
// also implements domain.HistoryFetcher is used to replay history for newly
// seen conversations.
func (p *Processor) Attach(platform domain.Platform) {
	p.platform = platform
	if hf, ok := platform.(domain.HistoryFetcher); ok {
		p.history = hf
	}
}

// Manager exposes the conversation manager for status reporting.
func (p *Processor) Manager() *conversation.Manager {
	return p.manager
}

// MessageReceived records a new platform message, downloading its files
// when they are not stored yet.
func (p *Processor) MessageReceived(ctx context.Context, in domain.IncomingMessage) error {
	start := p.now()
	delta, err := p.manager.AddToConversation(ctx, conversation.AddEvent{
		Message:     in,
		Attachments: p.resolveAttachments(ctx, in),
	})
	if err != nil {
		return err
	}
	p.emitDelta(ctx, delta)
	metrics.DeltaLatency.ObserveSince(start)
	return nil
}

// MessageUpdated applies an edit, reaction or pin change.
func (p *Processor) MessageUpdated(ctx context.Context, ev conversation.UpdateEvent) error {
	start := p.now()
	delta, err := p.manager.UpdateConversation(ctx, ev)
	if err != nil {
		return err
	}
	p.emitDelta(ctx, delta)
	metrics.DeltaLatency.ObserveSince(start)
	return nil
}

// MessagesDeleted removes messages deleted on the platform.
func (p *Processor) MessagesDeleted(ctx context.Context, ev conversation.DeleteEvent) error {
	start := p.now()
	delta, err := p.manager.DeleteFromConversation(ctx, ev)
	if err != nil {
		return err
	}
	p.emitDelta(ctx, delta)
	metrics.DeltaLatency.ObserveSince(start)
	return nil
}

// ConversationMigrated moves messages to a conversation's new identity.
func (p *Processor) ConversationMigrated(ctx context.Context, ev conversation.MigrateEvent) error {
	start := p.now()
	delta, err := p.manager.MigrateBetweenConversations(ctx, ev)
	if err != nil {
		return err
	}
	p.emitDelta(ctx, delta)
	metrics.DeltaLatency.ObserveSince(start)
	return nil
}

func (p *Processor) resolveAttachments(ctx context.Context, in domain.IncomingMessage) []domain.Attachment {
	if len(in.Files) == 0 {
		return nil
	}
	convID := in.Conversation.ID
	out := make([]domain.Attachment, 0, len(in.Files))
	for _, file := range in.Files {
		if file.ID == "" {
			continue
		}
		if p.downloader != nil && p.manager.AttachmentDownloadRequired(ctx, convID, file.ID) {
			start := p.now()
			att, err := p.downloader.Download(ctx, convID, file)
			metrics.DownloadLatency.ObserveSince(start)
			if err != nil {
				metrics.DownloadFailures.Inc()
				p.logger.Warn("attachment download failed",
					"conversation_id", convID,
					"attachment_id", file.ID,
					"err", err,
				)
				continue
			}
			out = append(out, *att)
			continue
		}
		if att, err := p.manager.Attachment(ctx, convID, file.ID); err == nil && att != nil {
			out = append(out, *att)
			continue
		}
		out = append(out, domain.Attachment{
			AttachmentID:   file.ID,
			AttachmentType: attachment.TypeForFilename(file.Filename),
			Filename:       file.Filename,
			Size:           file.Size,
			ContentType:    file.ContentType,
			URL:            file.URL,
		})
	}
	return out
}

// replayHistory feeds fetched history back through the manager and returns
// the surfaced entries, skipping the message that triggered the fetch.
func (p *Processor) replayHistory(ctx context.Context, conversationID, skipID string) []domain.MessageEntry {
	if p.history == nil {
		return nil
	}
	msgs, err := p.history.FetchHistory(ctx, conversationID, p.historyLimit)
	if err != nil {
		p.logger.Warn("history fetch failed", "conversation_id", conversationID, "err", err)
		return nil
	}

	var entries []domain.MessageEntry
	for _, in := range msgs {
		if in.MessageID == "" || in.MessageID == skipID {
			continue
		}
		if in.Conversation.ID == "" {
			in.Conversation.ID = conversationID
		}
		delta, err := p.manager.AddToConversation(ctx, conversation.AddEvent{
			Message:      in,
			Attachments:  p.resolveAttachments(ctx, in),
			HistoryFetch: true,
		})
		if err != nil {
			p.logger.Warn("history replay interrupted", "conversation_id", conversationID, "err", err)
			break
		}
		if delta != nil {
			entries = append(entries, delta.AddedMessages...)
		}
	}
	p.logger.Debug("history replayed", "conversation_id", conversationID, "fetched", len(msgs), "surfaced", len(entries))
	return entries
}

// emitDelta converts a delta into events: conversation start with history,
// new and edited messages, reactions, pins, deletions, then migration.
func (p *Processor) emitDelta(ctx context.Context, delta *domain.ConversationDelta) {
	defer p.refreshGauges()
	if delta.Empty() {
		metrics.EmptyDeltasTotal.Inc()
		return
	}
	metrics.DeltasTotal.Inc()

	convID := delta.ConversationID
	if delta.HasUpdate(domain.UpdateConversationStarted) {
		var history []domain.MessageEntry
		if delta.FetchHistory {
			history = p.replayHistory(ctx, convID, delta.MessageID)
		}
		p.emit(bus.EventConversationStarted, conversationStartedPayload(delta, history, p.largeFile))
	}

	for _, e := range delta.AddedMessages {
		p.emit(bus.EventMessageReceived, entryPayload(e, p.largeFile))
	}
	for _, e := range delta.UpdatedMessages {
		p.emit(bus.EventMessageUpdated, updatedPayload(e, p.largeFile))
	}
	for _, emoji := range delta.AddedReactions {
		p.emit(bus.EventReactionAdded, reactionPayload(convID, delta.MessageID, emoji))
	}
	for _, emoji := range delta.RemovedReactions {
		p.emit(bus.EventReactionRemoved, reactionPayload(convID, delta.MessageID, emoji))
	}
	for _, id := range delta.PinnedMessageIDs {
		p.emit(bus.EventMessagePinned, messageRefPayload(convID, id))
	}
	for _, id := range delta.UnpinnedMessageIDs {
		p.emit(bus.EventMessageUnpinned, messageRefPayload(convID, id))
	}

	deletedFrom := convID
	if delta.MigratedFrom != "" {
		deletedFrom = delta.MigratedFrom
	}
	for _, id := range delta.DeletedMessageIDs {
		p.emit(bus.EventMessageDeleted, messageRefPayload(deletedFrom, id))
	}

	if delta.HasUpdate(domain.UpdateConversationMigrated) {
		p.emit(bus.EventConversationMigrated, map[string]any{
			"old_conversation_id": delta.MigratedFrom,
			"new_conversation_id": convID,
		})
	}
}

func (p *Processor) emit(eventType string, payload map[string]any) {
	metrics.EventCounter(eventType).Inc()
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(bus.Event{
		Type:      eventType,
		Source:    p.platformName,
		AdapterID: p.adapterID,
		Payload:   payload,
		Timestamp: p.now(),
	})
}

func (p *Processor) refreshGauges() {
	s := p.manager.Stats()
	metrics.Conversations.Set(int64(s.Conversations))
	metrics.CachedMessages.Set(int64(s.Messages))
	metrics.CachedAttachs.Set(int64(s.Attachments))
	metrics.Evictions("message").AdvanceTo(s.EvictedMsgs)
	metrics.Evictions("attachment").AdvanceTo(s.EvictedAttachs)
}
