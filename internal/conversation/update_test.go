package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func update(t *testing.T, m *Manager, ev UpdateEvent) *domain.ConversationDelta {
	t.Helper()
	delta, err := m.UpdateConversation(context.Background(), ev)
	require.NoError(t, err)
	return delta
}

func TestUpdate_UnknownConversationIsNoop(t *testing.T) {
	m := newTestManager()

	assert.Nil(t, update(t, m, UpdateEvent{Kind: UpdateEdited, ConversationID: "nope", MessageID: "1", Text: "x"}))
	assert.Nil(t, update(t, m, UpdateEvent{Kind: UpdateEdited, MessageID: "1", Text: "x"}))
}

func TestUpdate_UnknownMessageOmitsTags(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "hello"))

	delta := update(t, m, UpdateEvent{Kind: UpdateEdited, ConversationID: "456", MessageID: "404", Text: "x"})
	require.NotNil(t, delta)
	assert.Empty(t, delta.Updates)
	assert.True(t, delta.Empty())
}

func TestUpdate_EditedText(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "hello"))

	delta := update(t, m, UpdateEvent{Kind: UpdateEdited, MessageID: "1", Text: "hello, world", Timestamp: baseTime.Add(time.Minute)})
	assert.Equal(t, []domain.UpdateType{domain.UpdateMessageEdited}, delta.Updates)
	require.Len(t, delta.UpdatedMessages, 1)
	assert.Equal(t, "hello, world", delta.UpdatedMessages[0].Text)
	assert.Equal(t, baseTime.Add(time.Minute).UnixMilli(), delta.UpdatedMessages[0].Timestamp)
	assert.Equal(t, "hello, world", m.messages.GetMessageByID("456", "1").Text)
}

func TestUpdate_EditedBotMessageNotSurfaced(t *testing.T) {
	m := newTestManager()
	in := incoming("456", "1", "bot", "v1")
	in.Sender.IsBot = true
	add(t, m, in)

	delta := update(t, m, UpdateEvent{Kind: UpdateEdited, ConversationID: "456", MessageID: "1", Text: "v2"})
	assert.Empty(t, delta.UpdatedMessages)
	assert.Empty(t, delta.Updates)
	assert.Equal(t, "v2", m.messages.GetMessageByID("456", "1").Text)
}

func TestUpdate_SameTextIsReactionDiff(t *testing.T) {
	m := newTestManager()
	in := incoming("456", "1", "789", "vote")
	in.Reactions = map[string]int{"👍": 2, "❤️": 1}
	in.ReactionsKnown = true
	add(t, m, in)

	delta := update(t, m, UpdateEvent{
		Kind:           UpdateEdited,
		ConversationID: "456",
		MessageID:      "1",
		Text:           "vote",
		Reactions:      map[string]int{"👍": 1},
		ReactionsKnown: true,
	})

	assert.ElementsMatch(t, []string{"👍", "❤️"}, delta.RemovedReactions)
	assert.Empty(t, delta.AddedReactions)
	assert.Equal(t, []domain.UpdateType{domain.UpdateReactionRemoved}, delta.Updates)
	assert.Equal(t, map[string]int{"👍": 1}, m.messages.GetMessageByID("456", "1").Reactions)
}

func TestUpdate_SameTextWithoutReactionsIsNoop(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "same"))

	delta := update(t, m, UpdateEvent{Kind: UpdateEdited, MessageID: "1", Text: "same"})
	assert.Empty(t, delta.Updates)
}

func TestUpdate_ReactionSnapshot(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "vote"))

	delta := update(t, m, UpdateEvent{Kind: UpdateReactions, MessageID: "1", Reactions: map[string]int{"🎉": 2}})
	assert.Equal(t, []string{"🎉", "🎉"}, delta.AddedReactions)
	assert.Equal(t, "1", delta.MessageID)
}

func TestUpdate_SingleReactionAddRemove(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "hello"))

	delta := update(t, m, UpdateEvent{Kind: UpdateReactionAdded, MessageID: "1", Emoji: "🔥"})
	assert.Equal(t, []string{"🔥"}, delta.AddedReactions)
	assert.Equal(t, []domain.UpdateType{domain.UpdateReactionAdded}, delta.Updates)

	delta = update(t, m, UpdateEvent{Kind: UpdateReactionRemoved, MessageID: "1", Emoji: "🔥"})
	assert.Equal(t, []string{"🔥"}, delta.RemovedReactions)
	assert.Empty(t, m.messages.GetMessageByID("456", "1").Reactions)

	// Removing an absent reaction reports nothing.
	delta = update(t, m, UpdateEvent{Kind: UpdateReactionRemoved, MessageID: "1", Emoji: "🔥"})
	assert.Empty(t, delta.Updates)
}

func TestUpdate_ReactionOnBotMessage(t *testing.T) {
	m := newTestManager()
	in := incoming("456", "1", "bot", "bot says")
	in.Sender.IsBot = true
	add(t, m, in)

	delta := update(t, m, UpdateEvent{Kind: UpdateReactionAdded, MessageID: "1", Emoji: "👍"})
	assert.Empty(t, delta.AddedReactions)
	assert.Equal(t, 1, m.messages.GetMessageByID("456", "1").Reactions["👍"])
}

func TestUpdate_PinAndUnpin(t *testing.T) {
	m := newTestManager()
	add(t, m, incoming("456", "1", "789", "important"))

	delta := update(t, m, UpdateEvent{Kind: UpdatePinned, MessageID: "1"})
	assert.Equal(t, []string{"1"}, delta.PinnedMessageIDs)
	assert.Equal(t, []domain.UpdateType{domain.UpdateMessagePinned}, delta.Updates)
	assert.True(t, m.messages.GetMessageByID("456", "1").IsPinned)
	assert.True(t, m.Conversation("456").PinnedMessages.Has("1"))

	delta = update(t, m, UpdateEvent{Kind: UpdatePinned, MessageID: "1"})
	assert.Empty(t, delta.PinnedMessageIDs, "pinning twice is a no-op")

	delta = update(t, m, UpdateEvent{Kind: UpdateUnpinned, MessageID: "1"})
	assert.Equal(t, []string{"1"}, delta.UnpinnedMessageIDs)
	assert.False(t, m.Conversation("456").PinnedMessages.Has("1"))
}
