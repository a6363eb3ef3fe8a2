package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram connects a bot account through long polling.
// The Bot API reports no reaction snapshots and no unpins, so those are
// only produced by requests this adapter performs itself.
type Telegram struct {
	token     string
	allowed   map[int64]bool // empty = allow all
	parseMode string
	maxLen    int

	bot    *tgbotapi.BotAPI
	sink   Sink
	logger *slog.Logger
}

type TelegramConfig struct {
	Token            string
	AllowedChats     []string // chat ids as strings
	ParseMode        string
	MaxMessageLength int
	Sink             Sink
	Logger           *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowedChats {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	if cfg.MaxMessageLength <= 0 || cfg.MaxMessageLength > telegramMaxMsgLen {
		cfg.MaxMessageLength = telegramMaxMsgLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowed:   allowed,
		parseMode: cfg.ParseMode,
		maxLen:    cfg.MaxMessageLength,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and routes updates to the sink until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram adapter stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	var err error
	switch {
	case update.Message != nil:
		err = t.handleMessage(ctx, update.Message)
	case update.ChannelPost != nil:
		err = t.handleMessage(ctx, update.ChannelPost)
	case update.EditedMessage != nil:
		err = t.handleEdit(ctx, update.EditedMessage)
	case update.EditedChannelPost != nil:
		err = t.handleEdit(ctx, update.EditedChannelPost)
	}
	if err != nil {
		t.logger.Error("telegram update failed", "update_id", update.UpdateID, "err", err)
	}
}

func (t *Telegram) handleMessage(ctx context.Context, m *tgbotapi.Message) error {
	if m.Chat == nil || !t.isAllowed(m.Chat.ID) {
		return nil
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)

	switch {
	case m.MigrateToChatID != 0:
		t.logger.Info("telegram chat migrated", "from", m.Chat.ID, "to", m.MigrateToChatID)
		return t.sink.ConversationMigrated(ctx, conversation.MigrateEvent{
			FromConversationID: chatID,
			To: domain.ConversationRef{
				ID:   strconv.FormatInt(m.MigrateToChatID, 10),
				Type: domain.ConversationSupergroup,
				Name: m.Chat.Title,
			},
		})
	case m.MigrateFromChatID != 0:
		// The source chat reports the migration too.
		return nil
	case m.PinnedMessage != nil:
		return t.sink.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:           conversation.UpdatePinned,
			ConversationID: chatID,
			MessageID:      strconv.Itoa(m.PinnedMessage.MessageID),
			Timestamp:      m.Time(),
		})
	}

	in := telegramIncoming(m)
	in.Files = t.remoteFiles(m)
	return t.sink.MessageReceived(ctx, in)
}

func (t *Telegram) handleEdit(ctx context.Context, m *tgbotapi.Message) error {
	if m.Chat == nil || !t.isAllowed(m.Chat.ID) {
		return nil
	}
	at := m.Time()
	if m.EditDate != 0 {
		at = time.Unix(int64(m.EditDate), 0)
	}
	text, entities := telegramText(m)
	return t.sink.MessageUpdated(ctx, conversation.UpdateEvent{
		Kind:           conversation.UpdateEdited,
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		MessageID:      strconv.Itoa(m.MessageID),
		Text:           text,
		Mentions:       telegramMentions(text, entities),
		Timestamp:      at,
	})
}

func (t *Telegram) isAllowed(chatID int64) bool {
	return len(t.allowed) == 0 || t.allowed[chatID]
}

// remoteFiles resolves download URLs for the message's media. Files whose
// URL cannot be resolved are logged and skipped.
func (t *Telegram) remoteFiles(m *tgbotapi.Message) []domain.RemoteFile {
	refs := telegramFileRefs(m)
	if len(refs) == 0 {
		return nil
	}
	files := make([]domain.RemoteFile, 0, len(refs))
	for _, ref := range refs {
		url, err := t.bot.GetFileDirectURL(ref.fileID)
		if err != nil {
			t.logger.Warn("telegram file url failed", "file_id", ref.fileID, "err", err)
			continue
		}
		ref.file.URL = url
		files = append(files, ref.file)
	}
	return files
}

// Handle performs an outgoing request against the Bot API.
func (t *Telegram) Handle(ctx context.Context, req domain.Request) (*domain.RequestResult, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram: not connected")
	}
	chatID, err := strconv.ParseInt(req.Data.ConversationID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", req.Data.ConversationID, err)
	}
	var msgID int
	if req.Data.MessageID != "" {
		if msgID, err = strconv.Atoi(req.Data.MessageID); err != nil {
			return nil, fmt.Errorf("invalid message id %q: %w", req.Data.MessageID, err)
		}
	}

	switch req.EventType {
	case domain.RequestSendMessage:
		return t.send(ctx, chatID, req.Data)
	case domain.RequestEditMessage:
		edit := tgbotapi.NewEditMessageText(chatID, msgID, req.Data.Text)
		if _, err := t.bot.Send(edit); err != nil {
			return nil, err
		}
	case domain.RequestDeleteMessage:
		if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
			return nil, err
		}
	case domain.RequestPinMessage:
		pin := tgbotapi.PinChatMessageConfig{ChatID: chatID, MessageID: msgID, DisableNotification: true}
		if _, err := t.bot.Request(pin); err != nil {
			return nil, err
		}
	case domain.RequestUnpinMessage:
		if _, err := t.bot.Request(tgbotapi.UnpinChatMessageConfig{ChatID: chatID, MessageID: msgID}); err != nil {
			return nil, err
		}
	case domain.RequestAddReaction:
		if err := t.setReaction(chatID, msgID, req.Data.Emoji); err != nil {
			return nil, err
		}
	case domain.RequestRemoveReaction:
		// A bot holds at most one reaction per message; clearing it removes it.
		if err := t.setReaction(chatID, msgID, ""); err != nil {
			return nil, err
		}
	default:
		return nil, unsupported(t.Name(), req.EventType)
	}
	return &domain.RequestResult{}, nil
}

func (t *Telegram) send(ctx context.Context, chatID int64, data domain.RequestData) (*domain.RequestResult, error) {
	replyTo := 0
	if data.ThreadID != "" {
		replyTo, _ = strconv.Atoi(data.ThreadID)
	}

	res := &domain.RequestResult{}
	for _, chunk := range splitMessage(data.Text, t.maxLen, utf16Len) {
		sent, err := t.sendChunk(ctx, chatID, chunk, replyTo)
		if err != nil {
			return nil, err
		}
		in := telegramIncoming(&sent)
		res.MessageIDs = append(res.MessageIDs, in.MessageID)
		res.Sent = append(res.Sent, in)
	}
	return res, nil
}

// sendChunk sends one chunk with retry: on a parse error it falls back to
// plain text, on rate limiting or transient errors it backs off.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string, replyTo int) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyToMessageID = replyTo
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		}

		sent, err := t.bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		errStr := err.Error()

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parse_mode", t.parseMode,
			)
			continue
		}

		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

// setReaction replaces the bot's reaction on a message; an empty emoji clears it.
func (t *Telegram) setReaction(chatID int64, msgID int, emoji string) error {
	reactions := []map[string]string{}
	if emoji != "" {
		reactions = append(reactions, map[string]string{"type": "emoji", "emoji": emoji})
	}
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", msgID)
	params["reaction"] = string(encoded)
	if _, err := t.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// telegramConversation maps a chat to a conversation reference.
func telegramConversation(c *tgbotapi.Chat) domain.ConversationRef {
	ref := domain.ConversationRef{ID: strconv.FormatInt(c.ID, 10)}
	switch {
	case c.IsPrivate():
		ref.Type = domain.ConversationPrivate
		ref.Name = strings.TrimSpace(c.FirstName + " " + c.LastName)
	case c.IsSuperGroup():
		ref.Type = domain.ConversationSupergroup
		ref.Name = c.Title
	case c.IsChannel():
		ref.Type = domain.ConversationChannel
		ref.Name = c.Title
	default:
		ref.Type = domain.ConversationGroup
		ref.Name = c.Title
	}
	return ref
}

func telegramUser(u *tgbotapi.User) *domain.UserRef {
	if u == nil {
		return nil
	}
	return &domain.UserRef{
		UserID:    strconv.FormatInt(u.ID, 10),
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
	}
}

// telegramIncoming normalizes a message. Files are resolved separately
// because their URLs need an API call.
func telegramIncoming(m *tgbotapi.Message) domain.IncomingMessage {
	text, entities := telegramText(m)
	in := domain.IncomingMessage{
		MessageID: strconv.Itoa(m.MessageID),
		Sender:    telegramUser(m.From),
		Text:      text,
		Timestamp: m.Time(),
		Mentions:  telegramMentions(text, entities),
	}
	if m.Chat != nil {
		in.Conversation = telegramConversation(m.Chat)
		in.IsDirectMessage = m.Chat.IsPrivate()
	}
	if in.Sender == nil && m.SenderChat != nil {
		in.Sender = &domain.UserRef{
			UserID:    strconv.FormatInt(m.SenderChat.ID, 10),
			Username:  m.SenderChat.UserName,
			FirstName: m.SenderChat.Title,
		}
	}
	if m.ReplyToMessage != nil {
		in.ReplyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	return in
}

func telegramText(m *tgbotapi.Message) (string, []tgbotapi.MessageEntity) {
	if m.Text != "" {
		return m.Text, m.Entities
	}
	return m.Caption, m.CaptionEntities
}

// telegramMentions lists mentioned usernames and, for users without one,
// their ids. Entity offsets count UTF-16 code units.
func telegramMentions(text string, entities []tgbotapi.MessageEntity) []string {
	if len(entities) == 0 {
		return nil
	}
	units := utf16.Encode([]rune(text))
	var out []string
	for _, e := range entities {
		switch e.Type {
		case "mention":
			if e.Offset < 0 || e.Offset+e.Length > len(units) {
				continue
			}
			name := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
			if name = strings.TrimPrefix(name, "@"); name != "" {
				out = append(out, name)
			}
		case "text_mention":
			if e.User != nil {
				out = append(out, strconv.FormatInt(e.User.ID, 10))
			}
		}
	}
	return out
}

type telegramFileRef struct {
	fileID string
	file   domain.RemoteFile
}

// telegramFileRefs lists the media of a message. Attachment ids use the
// file's unique id, which is stable across bots and re-sends.
func telegramFileRefs(m *tgbotapi.Message) []telegramFileRef {
	var refs []telegramFileRef
	add := func(fileID, uniqueID, name, mimeType string, size int) {
		if fileID == "" {
			return
		}
		if uniqueID == "" {
			uniqueID = fileID
		}
		refs = append(refs, telegramFileRef{
			fileID: fileID,
			file: domain.RemoteFile{
				ID:          uniqueID,
				Filename:    name,
				ContentType: mimeType,
				Size:        int64(size),
			},
		})
	}

	if n := len(m.Photo); n > 0 {
		p := m.Photo[n-1]
		add(p.FileID, p.FileUniqueID, p.FileUniqueID+".jpg", "image/jpeg", p.FileSize)
	}
	if d := m.Document; d != nil {
		add(d.FileID, d.FileUniqueID, d.FileName, d.MimeType, d.FileSize)
	}
	if a := m.Audio; a != nil {
		add(a.FileID, a.FileUniqueID, a.FileName, a.MimeType, a.FileSize)
	}
	if v := m.Video; v != nil {
		add(v.FileID, v.FileUniqueID, v.FileName, v.MimeType, v.FileSize)
	}
	if v := m.Voice; v != nil {
		add(v.FileID, v.FileUniqueID, v.FileUniqueID+".ogg", v.MimeType, v.FileSize)
	}
	if s := m.Sticker; s != nil {
		name := s.FileUniqueID + ".webp"
		if s.IsAnimated {
			name = s.FileUniqueID + ".tgs"
		}
		add(s.FileID, s.FileUniqueID, name, "", s.FileSize)
	}
	return refs
}
