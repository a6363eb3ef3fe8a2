package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

const (
	discordMaxMsgLen   = 2000
	discordHistoryPage = 100
)

// Discord connects a bot account over the gateway.
type Discord struct {
	token         string
	guildID       string
	maxLen        int
	maxPagination int
	session       *discordgo.Session
	sink          Sink
	logger        *slog.Logger
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token                   string
	GuildID                 string // optional; limits events to one guild
	MaxMessageLength        int
	MaxPaginationIterations int
	Sink                    Sink
	Logger                  *slog.Logger
}

// NewDiscord creates a new Discord adapter.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.MaxMessageLength <= 0 || cfg.MaxMessageLength > discordMaxMsgLen {
		cfg.MaxMessageLength = discordMaxMsgLen
	}
	if cfg.MaxPaginationIterations <= 0 {
		cfg.MaxPaginationIterations = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:         cfg.Token,
		guildID:       cfg.GuildID,
		maxLen:        cfg.MaxMessageLength,
		maxPagination: cfg.MaxPaginationIterations,
		sink:          cfg.Sink,
		logger:        cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord and routes gateway events to the sink until ctx is done.
func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions
	session.StateEnabled = true

	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || !d.accept(m.GuildID) {
			return
		}
		d.report(m.ChannelID, d.messageCreated(ctx, m.Message))
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		if m.Message == nil || !d.accept(m.GuildID) {
			return
		}
		d.report(m.ChannelID, d.messageUpdated(ctx, m))
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
		if m.Message == nil || !d.accept(m.GuildID) {
			return
		}
		d.report(m.ChannelID, d.sink.MessagesDeleted(ctx, conversation.DeleteEvent{
			ConversationID: m.ChannelID,
			MessageIDs:     []string{m.ID},
		}))
	})
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDeleteBulk) {
		if !d.accept(m.GuildID) {
			return
		}
		d.report(m.ChannelID, d.sink.MessagesDeleted(ctx, conversation.DeleteEvent{
			ConversationID: m.ChannelID,
			MessageIDs:     m.Messages,
		}))
	})
	session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.MessageReaction == nil || !d.accept(r.GuildID) {
			return
		}
		d.report(r.ChannelID, d.sink.MessageUpdated(ctx, discordReaction(r.MessageReaction, conversation.UpdateReactionAdded)))
	})
	session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		if r.MessageReaction == nil || !d.accept(r.GuildID) {
			return
		}
		d.report(r.ChannelID, d.sink.MessageUpdated(ctx, discordReaction(r.MessageReaction, conversation.UpdateReactionRemoved)))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op: the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

func (d *Discord) accept(guildID string) bool {
	return d.guildID == "" || guildID == "" || guildID == d.guildID
}

func (d *Discord) report(channelID string, err error) {
	if err != nil {
		d.logger.Error("discord event failed", "conversation_id", channelID, "err", err)
	}
}

func (d *Discord) messageCreated(ctx context.Context, m *discordgo.Message) error {
	if m.Type == discordgo.MessageTypeChannelPinnedMessage {
		if m.MessageReference == nil || m.MessageReference.MessageID == "" {
			return nil
		}
		return d.sink.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:           conversation.UpdatePinned,
			ConversationID: m.ChannelID,
			MessageID:      m.MessageReference.MessageID,
			Timestamp:      m.Timestamp,
		})
	}
	return d.sink.MessageReceived(ctx, discordIncoming(m, d.conversationRef(m.ChannelID)))
}

// messageUpdated reports a pin change when the cached copy shows one, and
// an edit otherwise.
func (d *Discord) messageUpdated(ctx context.Context, m *discordgo.MessageUpdate) error {
	if before := m.BeforeUpdate; before != nil && before.Pinned != m.Pinned {
		kind := conversation.UpdateUnpinned
		if m.Pinned {
			kind = conversation.UpdatePinned
		}
		return d.sink.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:           kind,
			ConversationID: m.ChannelID,
			MessageID:      m.ID,
		})
	}
	if m.EditedTimestamp == nil {
		return nil
	}
	return d.sink.MessageUpdated(ctx, conversation.UpdateEvent{
		Kind:           conversation.UpdateEdited,
		ConversationID: m.ChannelID,
		MessageID:      m.ID,
		Text:           m.Content,
		Mentions:       discordMentions(m.Message),
		Timestamp:      *m.EditedTimestamp,
	})
}

// conversationRef resolves the channel from the state cache, falling back
// to the REST API.
func (d *Discord) conversationRef(channelID string) domain.ConversationRef {
	if d.session == nil {
		return domain.ConversationRef{ID: channelID, Type: domain.ConversationChannel}
	}
	ch, err := d.session.State.Channel(channelID)
	if err != nil {
		if ch, err = d.session.Channel(channelID); err != nil {
			d.logger.Debug("discord channel lookup failed", "channel_id", channelID, "err", err)
			return domain.ConversationRef{ID: channelID, Type: domain.ConversationChannel}
		}
	}
	guildName := ""
	if ch.GuildID != "" {
		if g, err := d.session.State.Guild(ch.GuildID); err == nil {
			guildName = g.Name
		}
	}
	return discordConversation(ch, guildName)
}

// FetchHistory pages backwards through the channel and returns up to limit
// messages, oldest first.
func (d *Discord) FetchHistory(ctx context.Context, conversationID string, limit int) ([]domain.IncomingMessage, error) {
	if d.session == nil {
		return nil, fmt.Errorf("discord: not connected")
	}
	ref := d.conversationRef(conversationID)

	var (
		collected []*discordgo.Message
		before    string
	)
	for i := 0; i < d.maxPagination && len(collected) < limit; i++ {
		page := min(discordHistoryPage, limit-len(collected))
		msgs, err := d.session.ChannelMessages(conversationID, page, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord history: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		collected = append(collected, msgs...)
		before = msgs[len(msgs)-1].ID
		if len(msgs) < page {
			break
		}
	}

	slices.Reverse(collected)
	out := make([]domain.IncomingMessage, 0, len(collected))
	for _, m := range collected {
		if m.Type == discordgo.MessageTypeChannelPinnedMessage {
			continue
		}
		out = append(out, discordIncoming(m, ref))
	}
	return out, nil
}

// Handle performs an outgoing request through the REST API.
func (d *Discord) Handle(ctx context.Context, req domain.Request) (*domain.RequestResult, error) {
	if d.session == nil {
		return nil, fmt.Errorf("discord: not connected")
	}
	ch, msgID := req.Data.ConversationID, req.Data.MessageID
	opt := discordgo.WithContext(ctx)

	var err error
	switch req.EventType {
	case domain.RequestSendMessage:
		return d.send(ctx, req.Data)
	case domain.RequestEditMessage:
		_, err = d.session.ChannelMessageEdit(ch, msgID, req.Data.Text, opt)
	case domain.RequestDeleteMessage:
		err = d.session.ChannelMessageDelete(ch, msgID, opt)
	case domain.RequestAddReaction:
		err = d.session.MessageReactionAdd(ch, msgID, req.Data.Emoji, opt)
	case domain.RequestRemoveReaction:
		err = d.session.MessageReactionRemove(ch, msgID, req.Data.Emoji, "@me", opt)
	case domain.RequestPinMessage:
		err = d.session.ChannelMessagePin(ch, msgID, opt)
	case domain.RequestUnpinMessage:
		err = d.session.ChannelMessageUnpin(ch, msgID, opt)
	default:
		return nil, unsupported(d.Name(), req.EventType)
	}
	if err != nil {
		return nil, err
	}
	return &domain.RequestResult{}, nil
}

// send splits long text; only the first chunk carries the reply reference.
func (d *Discord) send(ctx context.Context, data domain.RequestData) (*domain.RequestResult, error) {
	ref := d.conversationRef(data.ConversationID)
	res := &domain.RequestResult{}
	for i, chunk := range splitMessage(data.Text, d.maxLen, nil) {
		out := &discordgo.MessageSend{Content: chunk}
		if i == 0 && data.ThreadID != "" {
			out.Reference = &discordgo.MessageReference{MessageID: data.ThreadID, ChannelID: data.ConversationID}
		}
		sent, err := d.session.ChannelMessageSendComplex(data.ConversationID, out, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		in := discordIncoming(sent, ref)
		res.MessageIDs = append(res.MessageIDs, sent.ID)
		res.Sent = append(res.Sent, in)
	}
	return res, nil
}

func discordConversation(ch *discordgo.Channel, guildName string) domain.ConversationRef {
	ref := domain.ConversationRef{ID: ch.ID, Name: ch.Name}
	switch {
	case ch.Type == discordgo.ChannelTypeDM:
		ref.Type = domain.ConversationPrivate
		if len(ch.Recipients) > 0 {
			ref.Name = ch.Recipients[0].DisplayName()
		}
	case ch.Type == discordgo.ChannelTypeGroupDM:
		ref.Type = domain.ConversationGroup
	case ch.IsThread():
		ref.Type = domain.ConversationThread
	default:
		ref.Type = domain.ConversationChannel
	}
	if guildName != "" && ref.Name != "" {
		ref.Name = guildName + "/" + ref.Name
	}
	return ref
}

func discordIncoming(m *discordgo.Message, ref domain.ConversationRef) domain.IncomingMessage {
	in := domain.IncomingMessage{
		MessageID:       m.ID,
		Conversation:    ref,
		Text:            m.Content,
		Timestamp:       m.Timestamp,
		IsPinned:        m.Pinned,
		IsDirectMessage: ref.Type == domain.ConversationPrivate,
		Mentions:        discordMentions(m),
	}
	if in.Conversation.ID == "" {
		in.Conversation.ID = m.ChannelID
	}
	if m.Author != nil {
		in.Sender = &domain.UserRef{
			UserID:    m.Author.ID,
			Username:  m.Author.Username,
			FirstName: m.Author.GlobalName,
			IsBot:     m.Author.Bot,
		}
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		in.ReplyToID = m.MessageReference.MessageID
	}
	if len(m.Reactions) > 0 {
		in.Reactions = make(map[string]int, len(m.Reactions))
		for _, r := range m.Reactions {
			if r.Emoji != nil {
				in.Reactions[r.Emoji.Name] += r.Count
			}
		}
		in.ReactionsKnown = true
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		in.Files = append(in.Files, domain.RemoteFile{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}
	return in
}

func discordMentions(m *discordgo.Message) []string {
	if len(m.Mentions) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		if u != nil {
			out = append(out, u.ID)
		}
	}
	return out
}

func discordReaction(r *discordgo.MessageReaction, kind conversation.UpdateKind) conversation.UpdateEvent {
	return conversation.UpdateEvent{
		Kind:           kind,
		ConversationID: r.ChannelID,
		MessageID:      r.MessageID,
		Emoji:          r.Emoji.Name,
	}
}
