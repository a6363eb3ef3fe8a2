package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func del(t *testing.T, m *Manager, ev DeleteEvent) *domain.ConversationDelta {
	t.Helper()
	delta, err := m.DeleteFromConversation(context.Background(), ev)
	require.NoError(t, err)
	return delta
}

func TestDelete_ExplicitConversation(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "bye"))

	delta := del(t, m, DeleteEvent{ConversationID: "456", MessageIDs: []string{"1"}})
	assert.Equal(t, []string{"1"}, delta.DeletedMessageIDs)
	assert.Equal(t, []domain.UpdateType{domain.UpdateMessageDeleted}, delta.Updates)
	assert.Nil(t, m.messages.GetMessageByID("456", "1"))

	conv := m.Conversation("456")
	assert.Equal(t, 0, conv.MessageCount)
	assert.False(t, conv.Messages.Has("1"))
}

func TestDelete_IsIdempotent(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "bye"))

	del(t, m, DeleteEvent{ConversationID: "456", MessageIDs: []string{"1"}})
	delta := del(t, m, DeleteEvent{ConversationID: "456", MessageIDs: []string{"1"}})
	require.NotNil(t, delta)
	assert.Empty(t, delta.DeletedMessageIDs)
	assert.Equal(t, 0, m.Conversation("456").MessageCount)
}

func TestDelete_BestMatch(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "123", "u", "in 456"))
	add(t, m, incoming("789", "123", "u", "in 789"))
	add(t, m, incoming("789", "456", "u", "also in 789"))

	delta := del(t, m, DeleteEvent{MessageIDs: []string{"123", "456"}})
	require.NotNil(t, delta)
	assert.Equal(t, "789", delta.ConversationID)
	assert.Contains(t, delta.DeletedMessageIDs, "123")
	assert.Nil(t, m.messages.GetMessageByID("789", "123"))
	assert.NotNil(t, m.messages.GetMessageByID("456", "123"), "other conversation untouched")
}

func TestDelete_BestMatchTieKeepsFirstSeen(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("first", "1", "u", "a"))
	add(t, m, incoming("second", "1", "u", "b"))

	delta := del(t, m, DeleteEvent{MessageIDs: []string{"1"}})
	assert.Equal(t, "first", delta.ConversationID)
}

func TestDelete_NoMatchIsNoop(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "u", "a"))

	assert.Nil(t, del(t, m, DeleteEvent{MessageIDs: []string{"999"}}))
	assert.Nil(t, del(t, m, DeleteEvent{ConversationID: "missing", MessageIDs: []string{"1"}}))
	assert.Nil(t, del(t, m, DeleteEvent{ConversationID: "456"}))
}

func TestDelete_BotMessageAppliedButNotListed(t *testing.T) {
	m := newTestManager()
	in := incoming("456", "1", "bot", "bot text")
	in.Sender.IsBot = true
	add(t, m, in)

	delta := del(t, m, DeleteEvent{ConversationID: "456", MessageIDs: []string{"1"}})
	assert.Empty(t, delta.DeletedMessageIDs)
	assert.Empty(t, delta.Updates)
	assert.Nil(t, m.messages.GetMessageByID("456", "1"))
}

func TestDelete_RemovesPinAndThread(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "u", "root"))
	reply := incoming("456", "2", "u", "reply")
	reply.ReplyToID = "1"
	add(t, m, reply)
	update(t, m, UpdateEvent{Kind: UpdatePinned, MessageID: "2"})

	del(t, m, DeleteEvent{ConversationID: "456", MessageIDs: []string{"2"}})

	conv := m.Conversation("456")
	assert.False(t, conv.PinnedMessages.Has("2"))
	assert.NotContains(t, conv.Threads, "1")
}
