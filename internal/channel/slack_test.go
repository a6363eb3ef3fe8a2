package channel

import (
	"context"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func newTestSlack(sink Sink) *Slack {
	s := NewSlack(SlackConfig{Sink: sink, Logger: testChannelLogger()})
	s.teamID = "T1"
	return s
}

func TestSlackTime(t *testing.T) {
	assert.Equal(t, time.Unix(1700000000, 200*int64(time.Microsecond)), slackTime("1700000000.000200"))
	assert.Equal(t, time.Unix(1700000000, 0), slackTime("1700000000"))
	assert.True(t, slackTime("garbage").IsZero())
}

func TestSlackConversationIDs(t *testing.T) {
	assert.Equal(t, "T1/C1", slackConversationID("T1", "C1"))
	assert.Equal(t, "C1", slackConversationID("", "C1"))
	assert.Equal(t, "C1", slackChannelID("T1/C1"))
	assert.Equal(t, "C1", slackChannelID("C1"))
}

func TestSlackMentions(t *testing.T) {
	assert.Equal(t, []string{"U1", "U2"}, slackMentions("hi <@U1> and <@U2|bob>"))
	assert.Nil(t, slackMentions("nobody here"))
}

func TestSlackConversation(t *testing.T) {
	im := &slack.Channel{}
	im.ID = "D1"
	im.IsIM = true
	im.User = "U9"
	assert.Equal(t, domain.ConversationRef{ID: "T1/D1", Type: domain.ConversationPrivate, Name: "U9"}, slackConversation(im, "T1"))

	ch := &slack.Channel{}
	ch.ID = "C1"
	ch.Name = "general"
	assert.Equal(t, domain.ConversationRef{ID: "T1/C1", Type: domain.ConversationChannel, Name: "general"}, slackConversation(ch, "T1"))
}

func TestSlackIncoming(t *testing.T) {
	msg := &slack.Msg{
		Timestamp:       "1700000001.000100",
		ThreadTimestamp: "1700000000.000100",
		Text:            "see <@U2>",
		PinnedTo:        []string{"C1"},
		Reactions:       []slack.ItemReaction{{Name: "thumbsup", Count: 3}},
		Files: []slack.File{
			{ID: "F1", Name: "notes.txt", Mimetype: "text/plain", Size: 12, URLPrivateDownload: "https://files/notes.txt"},
		},
	}
	ref := domain.ConversationRef{ID: "T1/C1", Type: domain.ConversationChannel}

	in := slackIncoming(msg, ref)
	assert.Equal(t, "1700000001.000100", in.MessageID)
	assert.Equal(t, "1700000000.000100", in.ReplyToID)
	assert.True(t, in.IsPinned)
	assert.True(t, in.ReactionsKnown)
	assert.Equal(t, map[string]int{"thumbsup": 3}, in.Reactions)
	assert.Equal(t, []string{"U2"}, in.Mentions)
	require.Len(t, in.Files, 1)
	assert.Equal(t, "https://files/notes.txt", in.Files[0].URL)
}

func TestSlack_ThreadRootIsNotAReply(t *testing.T) {
	in := slackIncoming(&slack.Msg{Timestamp: "1.0", ThreadTimestamp: "1.0"}, domain.ConversationRef{ID: "C1"})
	assert.Empty(t, in.ReplyToID)
}

func TestSlack_HandleMessageSubtypes(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSlack(sink)
	ctx := context.Background()

	require.NoError(t, s.handleEvent(ctx, &slackevents.MessageEvent{
		Channel:     "C1",
		ChannelType: "channel",
		Message:     &slack.Msg{User: "U1", Text: "hello", Timestamp: "10.0"},
	}))
	require.NoError(t, s.handleEvent(ctx, &slackevents.MessageEvent{
		Channel:        "C1",
		SubType:        "message_changed",
		EventTimeStamp: "12.0",
		Message:        &slack.Msg{Text: "hello again", Timestamp: "10.0", Edited: &slack.Edited{Timestamp: "11.0"}},
	}))
	require.NoError(t, s.handleEvent(ctx, &slackevents.MessageEvent{
		Channel:          "C1",
		SubType:          "message_deleted",
		DeletedTimeStamp: "10.0",
	}))
	require.NoError(t, s.handleEvent(ctx, &slackevents.MessageEvent{
		Channel: "C1",
		SubType: "channel_join",
		Message: &slack.Msg{User: "U1", Timestamp: "13.0"},
	}))

	require.Len(t, sink.received, 1)
	assert.Equal(t, "T1/C1", sink.received[0].Conversation.ID)
	require.NotNil(t, sink.received[0].Sender)
	assert.Equal(t, "U1", sink.received[0].Sender.UserID)

	require.Len(t, sink.updated, 1)
	assert.Equal(t, conversation.UpdateEdited, sink.updated[0].Kind)
	assert.Equal(t, "hello again", sink.updated[0].Text)
	assert.Equal(t, time.Unix(11, 0), sink.updated[0].Timestamp)

	require.Len(t, sink.deleted, 1)
	assert.Equal(t, conversation.DeleteEvent{ConversationID: "T1/C1", MessageIDs: []string{"10.0"}}, sink.deleted[0])
}

func TestSlack_HandleReactionsAndPins(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSlack(sink)
	ctx := context.Background()

	item := slackevents.Item{Type: "message", Channel: "C1", Timestamp: "10.0"}
	require.NoError(t, s.handleEvent(ctx, &slackevents.ReactionAddedEvent{Reaction: "tada", Item: item}))
	require.NoError(t, s.handleEvent(ctx, &slackevents.ReactionRemovedEvent{Reaction: "tada", Item: item}))
	require.NoError(t, s.handleEvent(ctx, &slackevents.ReactionAddedEvent{Reaction: "tada", Item: slackevents.Item{Type: "file"}}))
	require.NoError(t, s.handleEvent(ctx, &slackevents.PinAddedEvent{
		Channel: "C1",
		Item:    slackevents.Item{Type: "message", Message: &slackevents.ItemMessage{Timestamp: "10.0"}},
	}))

	require.Len(t, sink.updated, 3)
	assert.Equal(t, conversation.UpdateReactionAdded, sink.updated[0].Kind)
	assert.Equal(t, "tada", sink.updated[0].Emoji)
	assert.Equal(t, conversation.UpdateReactionRemoved, sink.updated[1].Kind)
	assert.Equal(t, conversation.UpdateEvent{Kind: conversation.UpdatePinned, ConversationID: "T1/C1", MessageID: "10.0"}, sink.updated[2])
}

func TestSlackEmojiName(t *testing.T) {
	assert.Equal(t, "thumbsup", slackEmojiName(":thumbsup:"))
	assert.Equal(t, "tada", slackEmojiName("tada"))
}
