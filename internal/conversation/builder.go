package conversation

import (
	"time"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// MessageBuilder assembles a CachedMessage from a normalized platform message.
// It mutates a private scratch record; Build hands out an independent copy,
// so reusing the builder never alters messages built earlier.
type MessageBuilder struct {
	scratch domain.CachedMessage
	now     func() time.Time
}

// NewMessageBuilder returns a builder stamping undated messages with now.
func NewMessageBuilder(now func() time.Time) *MessageBuilder {
	if now == nil {
		now = time.Now
	}
	b := &MessageBuilder{now: now}
	return b.Reset()
}

// Reset clears the scratch record. An unknown sender defaults to a bot.
func (b *MessageBuilder) Reset() *MessageBuilder {
	b.scratch = domain.CachedMessage{
		IsFromBot:   true,
		Reactions:   make(map[string]int),
		Attachments: make(domain.StringSet),
	}
	return b
}

func (b *MessageBuilder) WithBasicInfo(msg domain.IncomingMessage, conversationID string) *MessageBuilder {
	b.scratch.MessageID = msg.MessageID
	b.scratch.ConversationID = conversationID
	b.scratch.Timestamp = timestampMillis(msg.Timestamp, b.now)
	b.scratch.IsDirectMessage = msg.IsDirectMessage
	b.scratch.IsPinned = msg.IsPinned
	return b
}

// WithSenderInfo copies the sender summary. A nil sender keeps the defaults.
func (b *MessageBuilder) WithSenderInfo(sender *domain.Sender) *MessageBuilder {
	if sender == nil {
		return b
	}
	b.scratch.SenderID = sender.UserID
	b.scratch.SenderName = sender.DisplayName
	b.scratch.IsFromBot = sender.IsBot
	return b
}

func (b *MessageBuilder) WithThreadInfo(thread *domain.ThreadInfo) *MessageBuilder {
	if thread != nil {
		b.scratch.ThreadID = thread.ThreadID
	}
	return b
}

func (b *MessageBuilder) WithContent(msg domain.IncomingMessage) *MessageBuilder {
	b.scratch.Text = msg.Text
	if msg.ReactionsKnown {
		for emoji, n := range msg.Reactions {
			if n > 0 {
				b.scratch.Reactions[emoji] = n
			}
		}
	}
	b.scratch.Mentions = msg.Mentions
	return b
}

func (b *MessageBuilder) Build() *domain.CachedMessage {
	return b.scratch.Clone()
}

// ResolveSender finds or registers the author in conv.KnownMembers and
// returns the summary attached to deltas. The bool is false for a nil user,
// in which case the summary is the "Unknown" sentinel.
func ResolveSender(conv *domain.ConversationInfo, user *domain.UserRef) (domain.Sender, bool) {
	if user == nil || user.UserID == "" {
		return domain.UnknownSender(), false
	}

	info, ok := conv.KnownMembers[user.UserID]
	if !ok {
		info = &domain.UserInfo{UserID: user.UserID}
		conv.KnownMembers[user.UserID] = info
	}
	if user.Username != "" {
		info.Username = user.Username
	}
	if user.FirstName != "" {
		info.FirstName = user.FirstName
	}
	if user.LastName != "" {
		info.LastName = user.LastName
	}
	info.IsBot = user.IsBot

	return domain.Sender{
		UserID:      info.UserID,
		DisplayName: info.DisplayName(),
		IsBot:       info.IsBot,
	}, true
}

func timestampMillis(t time.Time, now func() time.Time) int64 {
	if t.IsZero() {
		t = now()
	}
	return t.UnixMilli()
}
