package conversation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func TestReaction_AddRemove(t *testing.T) {
	msg := &domain.CachedMessage{}

	AddReaction(msg, "👍")
	AddReaction(msg, "👍")
	assert.Equal(t, 2, msg.Reactions["👍"])

	assert.True(t, RemoveReaction(msg, "👍"))
	assert.Equal(t, 1, msg.Reactions["👍"])
	assert.True(t, RemoveReaction(msg, "👍"))
	assert.NotContains(t, msg.Reactions, "👍")
	assert.False(t, RemoveReaction(msg, "👍"))
}

func TestReaction_CountsNeverNonPositive(t *testing.T) {
	emojis := []string{"👍", "❤️", "🎉", "🔥"}
	rng := rand.New(rand.NewSource(42))
	msg := &domain.CachedMessage{Reactions: map[string]int{}}

	for i := 0; i < 2000; i++ {
		e := emojis[rng.Intn(len(emojis))]
		if rng.Intn(2) == 0 {
			AddReaction(msg, e)
		} else {
			RemoveReaction(msg, e)
		}
		for k, v := range msg.Reactions {
			if v <= 0 {
				t.Fatalf("step %d: reaction %q has count %d", i, k, v)
			}
		}
	}
}

func TestReaction_Extract(t *testing.T) {
	got := ExtractReactions([]PlatformReaction{
		{Emoji: "👍", Count: 2},
		{Emoji: "👍", Count: 1},
		{Emoji: "❤️", Count: 0},
		{Emoji: "", Count: 3},
		{Emoji: "🎉", Count: -1},
	})
	assert.Equal(t, map[string]int{"👍": 3}, got)
}

func TestReaction_UpdateAddsPerUnit(t *testing.T) {
	msg := &domain.CachedMessage{MessageID: "1", Reactions: map[string]int{"👍": 1}}
	delta := &domain.ConversationDelta{}

	UpdateMessageReactions(msg, map[string]int{"👍": 3, "🎉": 1}, delta)

	assert.ElementsMatch(t, []string{"👍", "👍", "🎉"}, delta.AddedReactions)
	assert.Empty(t, delta.RemovedReactions)
	assert.Equal(t, map[string]int{"👍": 3, "🎉": 1}, msg.Reactions)
	assert.Equal(t, []domain.UpdateType{domain.UpdateReactionAdded}, delta.Updates)
}

func TestReaction_UpdateRemovesDecreasedAndMissing(t *testing.T) {
	msg := &domain.CachedMessage{MessageID: "1", Reactions: map[string]int{"👍": 2, "❤️": 1}}
	delta := &domain.ConversationDelta{}

	UpdateMessageReactions(msg, map[string]int{"👍": 1}, delta)

	assert.ElementsMatch(t, []string{"👍", "❤️"}, delta.RemovedReactions)
	assert.Equal(t, map[string]int{"👍": 1}, msg.Reactions)
}

func TestReaction_UpdateBotMessageHasEmptyLists(t *testing.T) {
	msg := &domain.CachedMessage{MessageID: "1", IsFromBot: true, Reactions: map[string]int{"👍": 1}}
	delta := &domain.ConversationDelta{}

	UpdateMessageReactions(msg, map[string]int{"🎉": 1}, delta)

	assert.Empty(t, delta.AddedReactions)
	assert.Empty(t, delta.RemovedReactions)
	assert.Empty(t, delta.Updates)
	assert.Equal(t, map[string]int{"🎉": 1}, msg.Reactions)
}
