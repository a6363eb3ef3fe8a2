package channel

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func TestDiscordConversation_Types(t *testing.T) {
	tests := []struct {
		name  string
		ch    *discordgo.Channel
		guild string
		want  domain.ConversationRef
	}{
		{
			name: "dm",
			ch:   &discordgo.Channel{ID: "1", Type: discordgo.ChannelTypeDM, Recipients: []*discordgo.User{{Username: "ada", GlobalName: "Ada"}}},
			want: domain.ConversationRef{ID: "1", Type: domain.ConversationPrivate, Name: "Ada"},
		},
		{
			name: "group dm",
			ch:   &discordgo.Channel{ID: "2", Type: discordgo.ChannelTypeGroupDM, Name: "friends"},
			want: domain.ConversationRef{ID: "2", Type: domain.ConversationGroup, Name: "friends"},
		},
		{
			name:  "guild text",
			ch:    &discordgo.Channel{ID: "3", Type: discordgo.ChannelTypeGuildText, Name: "general", GuildID: "g"},
			guild: "Server",
			want:  domain.ConversationRef{ID: "3", Type: domain.ConversationChannel, Name: "Server/general"},
		},
		{
			name: "thread",
			ch:   &discordgo.Channel{ID: "4", Type: discordgo.ChannelTypeGuildPublicThread, Name: "topic"},
			want: domain.ConversationRef{ID: "4", Type: domain.ConversationThread, Name: "topic"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, discordConversation(tt.ch, tt.guild))
		})
	}
}

func TestDiscordIncoming(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &discordgo.Message{
		ID:               "100",
		ChannelID:        "3",
		Content:          "hello <@55>",
		Timestamp:        at,
		Author:           &discordgo.User{ID: "9", Username: "ada", GlobalName: "Ada"},
		Mentions:         []*discordgo.User{{ID: "55"}},
		MessageReference: &discordgo.MessageReference{MessageID: "99"},
		Pinned:           true,
		Reactions: []*discordgo.MessageReactions{
			{Count: 2, Emoji: &discordgo.Emoji{Name: "👍"}},
			{Count: 1, Emoji: &discordgo.Emoji{Name: "🎉"}},
		},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", Filename: "cat.png", URL: "https://cdn/cat.png", ContentType: "image/png", Size: 1234},
		},
	}

	in := discordIncoming(m, domain.ConversationRef{Type: domain.ConversationChannel})
	assert.Equal(t, "100", in.MessageID)
	assert.Equal(t, "3", in.Conversation.ID)
	assert.Equal(t, "99", in.ReplyToID)
	assert.Equal(t, at, in.Timestamp)
	assert.True(t, in.IsPinned)
	assert.False(t, in.IsDirectMessage)
	assert.Equal(t, []string{"55"}, in.Mentions)
	assert.True(t, in.ReactionsKnown)
	assert.Equal(t, map[string]int{"👍": 2, "🎉": 1}, in.Reactions)

	require.NotNil(t, in.Sender)
	assert.Equal(t, "9", in.Sender.UserID)
	assert.Equal(t, "Ada", in.Sender.FirstName)

	require.Len(t, in.Files, 1)
	assert.Equal(t, domain.RemoteFile{ID: "a1", Filename: "cat.png", URL: "https://cdn/cat.png", ContentType: "image/png", Size: 1234}, in.Files[0])
}

func TestDiscordIncoming_DirectMessageWithoutReactions(t *testing.T) {
	in := discordIncoming(&discordgo.Message{ID: "1", ChannelID: "dm"}, domain.ConversationRef{ID: "dm", Type: domain.ConversationPrivate})
	assert.True(t, in.IsDirectMessage)
	assert.False(t, in.ReactionsKnown)
	assert.Nil(t, in.Sender)
}

func TestDiscordReaction(t *testing.T) {
	ev := discordReaction(&discordgo.MessageReaction{
		ChannelID: "3",
		MessageID: "100",
		Emoji:     discordgo.Emoji{Name: "🔥"},
	}, conversation.UpdateReactionAdded)

	assert.Equal(t, conversation.UpdateEvent{
		Kind:           conversation.UpdateReactionAdded,
		ConversationID: "3",
		MessageID:      "100",
		Emoji:          "🔥",
	}, ev)
}

func TestDiscord_AcceptGuild(t *testing.T) {
	d := NewDiscord(DiscordConfig{GuildID: "g1"})
	assert.True(t, d.accept("g1"))
	assert.True(t, d.accept(""), "direct messages carry no guild")
	assert.False(t, d.accept("g2"))
}
