package conversation

import (
	"context"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// DeleteEvent names messages removed on the platform. Without a
// ConversationID the conversation is picked by best match.
type DeleteEvent struct {
	ConversationID string
	MessageIDs     []string
}

// DeleteFromConversation removes cached messages. Repeating a delete is safe:
// ids no longer cached are skipped. Bot messages are removed but not listed.
func (m *Manager) DeleteFromConversation(ctx context.Context, ev DeleteEvent) (*domain.ConversationDelta, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	if len(ev.MessageIDs) == 0 {
		return nil, nil
	}
	conv := m.conversationToDeleteFrom(ev)
	if conv == nil {
		return nil, nil
	}

	delta := m.newDelta(conv, false)
	for _, id := range ev.MessageIDs {
		msg := m.messages.GetMessageByID(conv.ConversationID, id)
		if msg == nil {
			continue
		}
		if !msg.IsFromBot {
			delta.DeletedMessageIDs = append(delta.DeletedMessageIDs, id)
		}
		m.messages.DeleteMessage(conv.ConversationID, id)
		m.forget(conv, msg)
	}
	if len(delta.DeletedMessageIDs) > 0 {
		delta.AddUpdate(domain.UpdateMessageDeleted)
	}
	return delta, nil
}

// conversationToDeleteFrom resolves the explicit conversation, or the one
// whose cached ids overlap most with the deleted set. Ties keep the
// conversation seen first.
func (m *Manager) conversationToDeleteFrom(ev DeleteEvent) *domain.ConversationInfo {
	if ev.ConversationID != "" {
		return m.conversations[ev.ConversationID]
	}

	var best *domain.ConversationInfo
	bestOverlap := 0
	for _, id := range m.order {
		overlap := 0
		for _, msgID := range ev.MessageIDs {
			if m.messages.Has(id, msgID) {
				overlap++
			}
		}
		if overlap > bestOverlap {
			best, bestOverlap = m.conversations[id], overlap
		}
	}
	return best
}
