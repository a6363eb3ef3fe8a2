package channel

import (
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func TestTelegramConversation_Types(t *testing.T) {
	tests := []struct {
		chat tgbotapi.Chat
		want domain.ConversationRef
	}{
		{
			chat: tgbotapi.Chat{ID: 42, Type: "private", FirstName: "Ada", LastName: "Lovelace"},
			want: domain.ConversationRef{ID: "42", Type: domain.ConversationPrivate, Name: "Ada Lovelace"},
		},
		{
			chat: tgbotapi.Chat{ID: -100, Type: "group", Title: "Team"},
			want: domain.ConversationRef{ID: "-100", Type: domain.ConversationGroup, Name: "Team"},
		},
		{
			chat: tgbotapi.Chat{ID: -1001, Type: "supergroup", Title: "Big Team"},
			want: domain.ConversationRef{ID: "-1001", Type: domain.ConversationSupergroup, Name: "Big Team"},
		},
		{
			chat: tgbotapi.Chat{ID: -1002, Type: "channel", Title: "News"},
			want: domain.ConversationRef{ID: "-1002", Type: domain.ConversationChannel, Name: "News"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.chat.Type, func(t *testing.T) {
			assert.Equal(t, tt.want, telegramConversation(&tt.chat))
		})
	}
}

func TestTelegramIncoming(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID:      7,
		From:           &tgbotapi.User{ID: 9, UserName: "ada", FirstName: "Ada"},
		Chat:           &tgbotapi.Chat{ID: 42, Type: "private"},
		Date:           1700000000,
		Text:           "hello @bob",
		Entities:       []tgbotapi.MessageEntity{{Type: "mention", Offset: 6, Length: 4}},
		ReplyToMessage: &tgbotapi.Message{MessageID: 5},
	}

	in := telegramIncoming(m)
	assert.Equal(t, "7", in.MessageID)
	assert.Equal(t, "42", in.Conversation.ID)
	assert.True(t, in.IsDirectMessage)
	assert.Equal(t, "5", in.ReplyToID)
	assert.Equal(t, time.Unix(1700000000, 0), in.Timestamp)
	require.NotNil(t, in.Sender)
	assert.Equal(t, "9", in.Sender.UserID)
	assert.Equal(t, "ada", in.Sender.Username)
	assert.Equal(t, []string{"bob"}, in.Mentions)
}

func TestTelegramIncoming_CaptionAndChannelSender(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID:  3,
		SenderChat: &tgbotapi.Chat{ID: -1002, Title: "News", UserName: "news"},
		Chat:       &tgbotapi.Chat{ID: -1002, Type: "channel", Title: "News"},
		Caption:    "photo caption",
	}

	in := telegramIncoming(m)
	assert.Equal(t, "photo caption", in.Text)
	assert.False(t, in.IsDirectMessage)
	require.NotNil(t, in.Sender)
	assert.Equal(t, "-1002", in.Sender.UserID)
	assert.Equal(t, "news", in.Sender.Username)
}

func TestTelegramMentions_UTF16Offsets(t *testing.T) {
	// The emoji occupies two UTF-16 code units.
	text := "😀 @carol and friend"
	entities := []tgbotapi.MessageEntity{
		{Type: "mention", Offset: 3, Length: 6},
		{Type: "text_mention", Offset: 14, Length: 6, User: &tgbotapi.User{ID: 77}},
		{Type: "bold", Offset: 0, Length: 2},
		{Type: "mention", Offset: 90, Length: 3},
	}
	assert.Equal(t, []string{"carol", "77"}, telegramMentions(text, entities))
}

func TestTelegramFileRefs(t *testing.T) {
	m := &tgbotapi.Message{
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileUniqueID: "u-small", FileSize: 10},
			{FileID: "large", FileUniqueID: "u-large", FileSize: 100},
		},
		Document: &tgbotapi.Document{FileID: "doc", FileUniqueID: "u-doc", FileName: "report.pdf", MimeType: "application/pdf", FileSize: 2048},
		Sticker:  &tgbotapi.Sticker{FileID: "st", FileUniqueID: "u-st", IsAnimated: true},
	}

	refs := telegramFileRefs(m)
	require.Len(t, refs, 3)

	assert.Equal(t, "large", refs[0].fileID)
	assert.Equal(t, "u-large", refs[0].file.ID)
	assert.Equal(t, "u-large.jpg", refs[0].file.Filename)
	assert.Equal(t, int64(100), refs[0].file.Size)

	assert.Equal(t, "u-doc", refs[1].file.ID)
	assert.Equal(t, "report.pdf", refs[1].file.Filename)
	assert.Equal(t, "application/pdf", refs[1].file.ContentType)

	assert.Equal(t, "u-st.tgs", refs[2].file.Filename)
}

func TestTelegram_AllowedChats(t *testing.T) {
	tg := NewTelegram(TelegramConfig{AllowedChats: []string{"42", " -100 ", "junk"}})
	assert.True(t, tg.isAllowed(42))
	assert.True(t, tg.isAllowed(-100))
	assert.False(t, tg.isAllowed(7))

	open := NewTelegram(TelegramConfig{})
	assert.True(t, open.isAllowed(7))
}
