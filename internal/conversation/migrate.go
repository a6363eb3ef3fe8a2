package conversation

import (
	"context"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// MigrateEvent reports a conversation identity change, such as a group
// upgraded to a supergroup or a topic renamed. With no MessageIDs every
// cached message moves.
type MigrateEvent struct {
	FromConversationID string
	To                 domain.ConversationRef
	MessageIDs         []string
}

// MigrateBetweenConversations moves messages, pins and thread membership from
// the old conversation to the new one and links the two. The returned delta
// belongs to the destination; moved ids are listed as deleted from the source.
func (m *Manager) MigrateBetweenConversations(ctx context.Context, ev MigrateEvent) (*domain.ConversationDelta, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	if ev.FromConversationID == "" || ev.To.ID == "" || ev.FromConversationID == ev.To.ID {
		return nil, nil
	}
	to := ev.To
	if to.Type == "" {
		to.Type = domain.ConversationSupergroup
	}

	from := m.conversations[ev.FromConversationID]
	dst := m.getOrCreate(to)
	dst.MigratedFromConversationID = ev.FromConversationID

	delta := m.newDelta(dst, false)
	delta.MigratedFrom = ev.FromConversationID
	delta.AddUpdate(domain.UpdateConversationMigrated)

	if from == nil {
		return delta, nil
	}
	from.MigratedToConversationID = dst.ConversationID
	for id, u := range from.KnownMembers {
		if _, ok := dst.KnownMembers[id]; !ok {
			uc := *u
			dst.KnownMembers[id] = &uc
		}
	}

	moved := m.messages.MigrateMessages(from.ConversationID, dst.ConversationID, ev.MessageIDs)
	for _, id := range moved {
		msg := m.messages.GetMessageByID(dst.ConversationID, id)
		if msg == nil {
			continue
		}
		if from.Messages.Has(id) {
			from.Messages.Remove(id)
			if from.MessageCount > 0 {
				from.MessageCount--
			}
		}
		if !dst.Messages.Has(id) {
			dst.Messages.Add(id)
			dst.MessageCount++
		}
		if from.PinnedMessages.Has(id) {
			from.PinnedMessages.Remove(id)
			dst.PinnedMessages.Add(id)
		}
		for attID := range msg.Attachments {
			dst.Attachments.Add(attID)
		}
		m.threads.MoveThreadInfo(from, dst, msg)

		if !msg.IsFromBot {
			delta.DeletedMessageIDs = append(delta.DeletedMessageIDs, id)
		}
		if !delta.FetchHistory {
			if entry, ok := m.surface(msg, m.messageAttachments(msg), false); ok {
				delta.AddedMessages = append(delta.AddedMessages, entry)
			}
		}
	}

	if len(ev.MessageIDs) == 0 {
		m.attachments.MigrateConversation(from.ConversationID, dst.ConversationID)
		for attID := range from.Attachments {
			dst.Attachments.Add(attID)
		}
		from.Attachments = make(domain.StringSet)
	}

	m.logger.Info("conversation migrated",
		"from", from.ConversationID,
		"to", dst.ConversationID,
		"moved", len(moved),
	)
	return delta, nil
}
