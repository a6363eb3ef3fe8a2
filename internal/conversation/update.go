package conversation

import (
	"context"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// UpdateKind selects how UpdateConversation interprets an event.
type UpdateKind string

const (
	// UpdateEdited carries new text. Unchanged text is treated as a reaction
	// snapshot for platforms that report reactions as message edits.
	UpdateEdited          UpdateKind = "edited"
	UpdateReactions       UpdateKind = "reactions"
	UpdateReactionAdded   UpdateKind = "reaction_added"
	UpdateReactionRemoved UpdateKind = "reaction_removed"
	UpdatePinned          UpdateKind = "pinned"
	UpdateUnpinned        UpdateKind = "unpinned"
)

// UpdateEvent describes a change to an existing message. ConversationID may be
// empty, in which case the conversation holding MessageID is used.
type UpdateEvent struct {
	Kind           UpdateKind
	ConversationID string
	MessageID      string
	Text           string
	Mentions       []string
	Reactions      map[string]int
	ReactionsKnown bool
	Emoji          string
	Timestamp      time.Time
}

// UpdateConversation applies an edit, reaction or pin change. It returns nil
// when no known conversation holds the message; an unknown message in a known
// conversation yields a delta without update tags.
func (m *Manager) UpdateConversation(ctx context.Context, ev UpdateEvent) (*domain.ConversationDelta, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	if ev.MessageID == "" {
		return nil, nil
	}
	conv := m.conversationForUpdate(ev)
	if conv == nil {
		return nil, nil
	}

	delta := m.newDelta(conv, false)
	msg := m.messages.GetMessageByID(conv.ConversationID, ev.MessageID)
	if msg == nil {
		return delta, nil
	}
	if !ev.Timestamp.IsZero() && ev.Timestamp.After(conv.LastActivity) {
		conv.LastActivity = ev.Timestamp
	}

	switch ev.Kind {
	case UpdateEdited:
		m.applyEdit(msg, ev, delta)
	case UpdateReactions:
		UpdateMessageReactions(msg, ev.Reactions, delta)
	case UpdateReactionAdded:
		if ev.Emoji == "" {
			break
		}
		AddReaction(msg, ev.Emoji)
		if !msg.IsFromBot {
			delta.MessageID = msg.MessageID
			delta.AddedReactions = append(delta.AddedReactions, ev.Emoji)
			delta.AddUpdate(domain.UpdateReactionAdded)
		}
	case UpdateReactionRemoved:
		if ev.Emoji == "" || !RemoveReaction(msg, ev.Emoji) {
			break
		}
		if !msg.IsFromBot {
			delta.MessageID = msg.MessageID
			delta.RemovedReactions = append(delta.RemovedReactions, ev.Emoji)
			delta.AddUpdate(domain.UpdateReactionRemoved)
		}
	case UpdatePinned:
		if msg.IsPinned {
			break
		}
		msg.IsPinned = true
		conv.PinnedMessages.Add(msg.MessageID)
		delta.PinnedMessageIDs = append(delta.PinnedMessageIDs, msg.MessageID)
		delta.AddUpdate(domain.UpdateMessagePinned)
	case UpdateUnpinned:
		if !msg.IsPinned {
			break
		}
		msg.IsPinned = false
		conv.PinnedMessages.Remove(msg.MessageID)
		delta.UnpinnedMessageIDs = append(delta.UnpinnedMessageIDs, msg.MessageID)
		delta.AddUpdate(domain.UpdateMessageUnpinned)
	default:
		m.logger.Warn("unknown update kind", "kind", ev.Kind, "message_id", ev.MessageID)
	}
	return delta, nil
}

func (m *Manager) applyEdit(msg *domain.CachedMessage, ev UpdateEvent, delta *domain.ConversationDelta) {
	if ev.Text == msg.Text {
		if ev.ReactionsKnown {
			UpdateMessageReactions(msg, ev.Reactions, delta)
		}
		return
	}

	msg.Text = ev.Text
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp.UnixMilli()
	}
	if ev.Mentions != nil {
		msg.Mentions = append([]string(nil), ev.Mentions...)
	}

	delta.MessageID = msg.MessageID
	delta.Text = msg.Text
	delta.Timestamp = msg.Timestamp
	if entry, ok := m.surface(msg, m.messageAttachments(msg), false); ok {
		delta.UpdatedMessages = append(delta.UpdatedMessages, entry)
		delta.AddUpdate(domain.UpdateMessageEdited)
	}
}

func (m *Manager) conversationForUpdate(ev UpdateEvent) *domain.ConversationInfo {
	if ev.ConversationID != "" {
		return m.conversations[ev.ConversationID]
	}
	for _, id := range m.order {
		if conv := m.conversations[id]; conv.Messages.Has(ev.MessageID) {
			return conv
		}
	}
	return nil
}
