package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func TestMessageBuilder_Defaults(t *testing.T) {
	b := NewMessageBuilder(func() time.Time { return baseTime })

	msg := b.Reset().
		WithBasicInfo(domain.IncomingMessage{MessageID: "1"}, "456").
		WithSenderInfo(nil).
		WithThreadInfo(nil).
		WithContent(domain.IncomingMessage{}).
		Build()

	assert.Equal(t, "", msg.Text)
	assert.True(t, msg.IsFromBot)
	assert.Equal(t, baseTime.UnixMilli(), msg.Timestamp)
	assert.Empty(t, msg.ThreadID)
	assert.NotNil(t, msg.Reactions)
}

func TestMessageBuilder_FullChain(t *testing.T) {
	b := NewMessageBuilder(nil)
	in := domain.IncomingMessage{
		MessageID:       "1",
		Text:            "hello",
		Timestamp:       baseTime,
		IsDirectMessage: true,
		Reactions:       map[string]int{"👍": 2, "zero": 0},
		ReactionsKnown:  true,
	}

	msg := b.Reset().
		WithBasicInfo(in, "456").
		WithSenderInfo(&domain.Sender{UserID: "789", DisplayName: "Alice"}).
		WithThreadInfo(&domain.ThreadInfo{ThreadID: "root"}).
		WithContent(in).
		Build()

	assert.Equal(t, "1", msg.MessageID)
	assert.Equal(t, "456", msg.ConversationID)
	assert.Equal(t, "789", msg.SenderID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.False(t, msg.IsFromBot)
	assert.Equal(t, "root", msg.ThreadID)
	assert.True(t, msg.IsDirectMessage)
	assert.Equal(t, map[string]int{"👍": 2}, msg.Reactions)
}

func TestMessageBuilder_BuildReturnsIndependentCopies(t *testing.T) {
	b := NewMessageBuilder(nil)

	first := b.Reset().
		WithBasicInfo(domain.IncomingMessage{MessageID: "1", Timestamp: baseTime}, "456").
		WithContent(domain.IncomingMessage{Text: "first"}).
		Build()
	first.Reactions["👍"] = 1
	first.Attachments.Add("a1")

	second := b.WithContent(domain.IncomingMessage{Text: "second"}).Build()

	assert.Equal(t, "first", first.Text)
	assert.Equal(t, "second", second.Text)
	assert.Empty(t, second.Reactions)
	assert.Empty(t, second.Attachments)
}

func TestResolveSender(t *testing.T) {
	conv := domain.NewConversationInfo("456", domain.ConversationPrivate, "", baseTime)

	s, ok := ResolveSender(conv, nil)
	assert.False(t, ok)
	assert.Equal(t, "Unknown", s.DisplayName)
	assert.Empty(t, conv.KnownMembers)

	s, ok = ResolveSender(conv, &domain.UserRef{UserID: "42"})
	assert.True(t, ok)
	assert.Equal(t, "User 42", s.DisplayName)

	s, _ = ResolveSender(conv, &domain.UserRef{UserID: "42", FirstName: "Ada", LastName: "Lovelace"})
	assert.Equal(t, "Ada Lovelace", s.DisplayName)

	s, _ = ResolveSender(conv, &domain.UserRef{UserID: "42", Username: "ada", IsBot: true})
	assert.Equal(t, "@ada", s.DisplayName)
	assert.True(t, s.IsBot)

	assert.Len(t, conv.KnownMembers, 1)
	assert.Equal(t, "Ada", conv.KnownMembers["42"].FirstName)
}
