package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

const (
	slackMaxMsgLen     = 4000
	slackHistoryPage   = 200
	slackSubtypeEdit   = "message_changed"
	slackSubtypeDelete = "message_deleted"
)

var slackMentionRe = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)

// Slack connects an app over Socket Mode. Conversation ids are
// "team/channel" once the team is known.
type Slack struct {
	botToken      string
	appToken      string
	maxLen        int
	maxPagination int
	client        *slack.Client
	socket        *socketmode.Client
	sink          Sink
	logger        *slog.Logger
	botUID        string
	teamID        string

	mu       sync.Mutex
	users    map[string]*domain.UserRef
	channels map[string]domain.ConversationRef
}

type SlackConfig struct {
	BotToken                string
	AppToken                string
	MaxMessageLength        int
	MaxPaginationIterations int
	Sink                    Sink
	Logger                  *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.MaxMessageLength <= 0 || cfg.MaxMessageLength > slackMaxMsgLen {
		cfg.MaxMessageLength = slackMaxMsgLen
	}
	if cfg.MaxPaginationIterations <= 0 {
		cfg.MaxPaginationIterations = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken:      cfg.BotToken,
		appToken:      cfg.AppToken,
		maxLen:        cfg.MaxMessageLength,
		maxPagination: cfg.MaxPaginationIterations,
		sink:          cfg.Sink,
		logger:        cfg.Logger,
		users:         make(map[string]*domain.UserRef),
		channels:      make(map[string]domain.ConversationRef),
	}
}

func (s *Slack) Name() string { return "slack" }

// Start authenticates, opens the Socket Mode connection and routes events
// to the sink until ctx is done.
func (s *Slack) Start(ctx context.Context) error {
	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.teamID = authResp.TeamID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID, "team_id", authResp.TeamID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	go func() {
		for evt := range socketClient.Events {
			if evt.Request != nil {
				socketClient.Ack(*evt.Request)
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || eventsAPIEvent.Type != slackevents.CallbackEvent {
				continue
			}
			if err := s.handleEvent(ctx, eventsAPIEvent.InnerEvent.Data); err != nil {
				s.logger.Error("slack event failed", "type", eventsAPIEvent.InnerEvent.Type, "err", err)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op: the socket closes when Start's context is cancelled.
func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEvent(ctx context.Context, data any) error {
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		return s.handleMessage(ctx, ev)
	case *slackevents.ReactionAddedEvent:
		return s.handleReaction(ctx, conversation.UpdateReactionAdded, ev.Item, ev.Reaction)
	case *slackevents.ReactionRemovedEvent:
		return s.handleReaction(ctx, conversation.UpdateReactionRemoved, ev.Item, ev.Reaction)
	case *slackevents.PinAddedEvent:
		return s.handlePin(ctx, conversation.UpdatePinned, ev.Channel, ev.Item)
	case *slackevents.PinRemovedEvent:
		return s.handlePin(ctx, conversation.UpdateUnpinned, ev.Channel, ev.Item)
	}
	return nil
}

func (s *Slack) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) error {
	convID := slackConversationID(s.teamID, ev.Channel)
	switch ev.SubType {
	case slackSubtypeEdit:
		if ev.Message == nil {
			return nil
		}
		at := slackTime(ev.EventTimeStamp)
		if ev.Message.Edited != nil {
			at = slackTime(ev.Message.Edited.Timestamp)
		}
		return s.sink.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:           conversation.UpdateEdited,
			ConversationID: convID,
			MessageID:      ev.Message.Timestamp,
			Text:           ev.Message.Text,
			Mentions:       slackMentions(ev.Message.Text),
			Timestamp:      at,
		})
	case slackSubtypeDelete:
		id := ev.DeletedTimeStamp
		if id == "" && ev.PreviousMessage != nil {
			id = ev.PreviousMessage.Timestamp
		}
		if id == "" {
			return nil
		}
		return s.sink.MessagesDeleted(ctx, conversation.DeleteEvent{
			ConversationID: convID,
			MessageIDs:     []string{id},
		})
	case "", "file_share", "thread_broadcast", "bot_message", "me_message":
	default:
		return nil
	}

	msg := ev.Message
	if msg == nil {
		return nil
	}
	if msg.Channel == "" {
		msg.Channel = ev.Channel
	}
	ref := s.conversationRef(ctx, ev.Channel, ev.ChannelType)
	in := slackIncoming(msg, ref)
	in.Sender = s.user(ctx, msg.User, msg.BotID != "")
	return s.sink.MessageReceived(ctx, in)
}

func (s *Slack) handleReaction(ctx context.Context, kind conversation.UpdateKind, item slackevents.Item, reaction string) error {
	if item.Type != "message" || item.Timestamp == "" {
		return nil
	}
	return s.sink.MessageUpdated(ctx, conversation.UpdateEvent{
		Kind:           kind,
		ConversationID: slackConversationID(s.teamID, item.Channel),
		MessageID:      item.Timestamp,
		Emoji:          reaction,
	})
}

func (s *Slack) handlePin(ctx context.Context, kind conversation.UpdateKind, channelID string, item slackevents.Item) error {
	ts := item.Timestamp
	if item.Message != nil && item.Message.Timestamp != "" {
		ts = item.Message.Timestamp
	}
	if ts == "" {
		return nil
	}
	if channelID == "" {
		channelID = item.Channel
	}
	return s.sink.MessageUpdated(ctx, conversation.UpdateEvent{
		Kind:           kind,
		ConversationID: slackConversationID(s.teamID, channelID),
		MessageID:      ts,
	})
}

// user resolves a member through users.info, caching the answer.
func (s *Slack) user(ctx context.Context, userID string, isBot bool) *domain.UserRef {
	if userID == "" {
		return nil
	}
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if ok {
		return u
	}

	u = &domain.UserRef{UserID: userID, IsBot: isBot}
	if s.client != nil {
		info, err := s.client.GetUserInfoContext(ctx, userID)
		if err != nil {
			s.logger.Debug("slack user lookup failed", "user_id", userID, "err", err)
			return u
		}
		u = slackUser(info)
	}
	s.mu.Lock()
	s.users[userID] = u
	s.mu.Unlock()
	return u
}

// conversationRef resolves channel details through conversations.info,
// caching the answer. channelType is the event's hint when the lookup fails.
func (s *Slack) conversationRef(ctx context.Context, channelID, channelType string) domain.ConversationRef {
	s.mu.Lock()
	ref, ok := s.channels[channelID]
	s.mu.Unlock()
	if ok {
		return ref
	}

	ref = domain.ConversationRef{
		ID:   slackConversationID(s.teamID, channelID),
		Type: slackChannelType(channelType),
	}
	if s.client != nil {
		ch, err := s.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
		if err != nil {
			s.logger.Debug("slack channel lookup failed", "channel_id", channelID, "err", err)
			return ref
		}
		ref = slackConversation(ch, s.teamID)
	}
	s.mu.Lock()
	s.channels[channelID] = ref
	s.mu.Unlock()
	return ref
}

// FetchHistory pages through conversations.history and returns up to limit
// messages, oldest first.
func (s *Slack) FetchHistory(ctx context.Context, conversationID string, limit int) ([]domain.IncomingMessage, error) {
	if s.client == nil {
		return nil, fmt.Errorf("slack: not connected")
	}
	channelID := slackChannelID(conversationID)
	ref := s.conversationRef(ctx, channelID, "")

	var (
		collected []slack.Message
		cursor    string
	)
	for i := 0; i < s.maxPagination && len(collected) < limit; i++ {
		resp, err := s.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     min(slackHistoryPage, limit-len(collected)),
		})
		if err != nil {
			return nil, fmt.Errorf("slack history: %w", err)
		}
		collected = append(collected, resp.Messages...)
		cursor = resp.ResponseMetaData.NextCursor
		if !resp.HasMore || cursor == "" {
			break
		}
	}
	if len(collected) > limit {
		collected = collected[:limit]
	}

	slices.Reverse(collected)
	out := make([]domain.IncomingMessage, 0, len(collected))
	for i := range collected {
		msg := &collected[i].Msg
		if msg.SubType != "" && msg.SubType != "bot_message" && msg.SubType != "file_share" && msg.SubType != "thread_broadcast" {
			continue
		}
		in := slackIncoming(msg, ref)
		in.Sender = s.user(ctx, msg.User, msg.BotID != "")
		out = append(out, in)
	}
	return out, nil
}

// Handle performs an outgoing request through the Web API.
func (s *Slack) Handle(ctx context.Context, req domain.Request) (*domain.RequestResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("slack: not connected")
	}
	channelID := slackChannelID(req.Data.ConversationID)
	ts := req.Data.MessageID
	item := slack.NewRefToMessage(channelID, ts)

	var err error
	switch req.EventType {
	case domain.RequestSendMessage:
		return s.send(ctx, channelID, req.Data)
	case domain.RequestEditMessage:
		_, _, _, err = s.client.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(req.Data.Text, false))
	case domain.RequestDeleteMessage:
		_, _, err = s.client.DeleteMessageContext(ctx, channelID, ts)
	case domain.RequestAddReaction:
		err = s.client.AddReactionContext(ctx, slackEmojiName(req.Data.Emoji), item)
	case domain.RequestRemoveReaction:
		err = s.client.RemoveReactionContext(ctx, slackEmojiName(req.Data.Emoji), item)
	case domain.RequestPinMessage:
		err = s.client.AddPinContext(ctx, channelID, item)
	case domain.RequestUnpinMessage:
		err = s.client.RemovePinContext(ctx, channelID, item)
	default:
		return nil, unsupported(s.Name(), req.EventType)
	}
	if err != nil {
		return nil, err
	}
	return &domain.RequestResult{}, nil
}

func (s *Slack) send(ctx context.Context, channelID string, data domain.RequestData) (*domain.RequestResult, error) {
	ref := s.conversationRef(ctx, channelID, "")
	res := &domain.RequestResult{}
	for _, chunk := range splitMessage(data.Text, s.maxLen, nil) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if data.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(data.ThreadID))
		}
		_, ts, err := s.client.PostMessageContext(ctx, channelID, opts...)
		if err != nil {
			return nil, err
		}
		res.MessageIDs = append(res.MessageIDs, ts)
		res.Sent = append(res.Sent, domain.IncomingMessage{
			MessageID:       ts,
			Conversation:    ref,
			Sender:          &domain.UserRef{UserID: s.botUID, IsBot: true},
			ReplyToID:       data.ThreadID,
			Text:            chunk,
			Timestamp:       slackTime(ts),
			IsDirectMessage: ref.Type == domain.ConversationPrivate,
		})
	}
	return res, nil
}

func slackConversationID(teamID, channelID string) string {
	if teamID == "" {
		return channelID
	}
	return teamID + "/" + channelID
}

// slackChannelID strips the team prefix from a conversation id.
func slackChannelID(conversationID string) string {
	if i := strings.LastIndexByte(conversationID, '/'); i >= 0 {
		return conversationID[i+1:]
	}
	return conversationID
}

func slackChannelType(channelType string) domain.ConversationType {
	switch channelType {
	case "im":
		return domain.ConversationPrivate
	case "mpim", "group":
		return domain.ConversationGroup
	default:
		return domain.ConversationChannel
	}
}

func slackConversation(ch *slack.Channel, teamID string) domain.ConversationRef {
	ref := domain.ConversationRef{ID: slackConversationID(teamID, ch.ID), Name: ch.Name}
	switch {
	case ch.IsIM:
		ref.Type = domain.ConversationPrivate
		ref.Name = ch.User
	case ch.IsMpIM:
		ref.Type = domain.ConversationGroup
	default:
		ref.Type = domain.ConversationChannel
	}
	return ref
}

func slackUser(u *slack.User) *domain.UserRef {
	name := u.Profile.DisplayName
	if name == "" {
		name = u.RealName
	}
	return &domain.UserRef{
		UserID:    u.ID,
		Username:  u.Name,
		FirstName: name,
		IsBot:     u.IsBot,
	}
}

// slackIncoming normalizes a message. The sender is resolved separately
// because it needs an API call.
func slackIncoming(msg *slack.Msg, ref domain.ConversationRef) domain.IncomingMessage {
	in := domain.IncomingMessage{
		MessageID:       msg.Timestamp,
		Conversation:    ref,
		Text:            msg.Text,
		Timestamp:       slackTime(msg.Timestamp),
		IsPinned:        len(msg.PinnedTo) > 0,
		IsDirectMessage: ref.Type == domain.ConversationPrivate,
		Mentions:        slackMentions(msg.Text),
	}
	if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
		in.ReplyToID = msg.ThreadTimestamp
	}
	if msg.Reactions != nil {
		in.Reactions = make(map[string]int, len(msg.Reactions))
		for _, r := range msg.Reactions {
			in.Reactions[r.Name] += r.Count
		}
		in.ReactionsKnown = true
	}
	for _, f := range msg.Files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		in.Files = append(in.Files, domain.RemoteFile{
			ID:          f.ID,
			Filename:    f.Name,
			URL:         url,
			ContentType: f.Mimetype,
			Size:        int64(f.Size),
		})
	}
	return in
}

func slackMentions(text string) []string {
	matches := slackMentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// slackTime parses a message timestamp such as "1700000000.000200".
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}

func slackEmojiName(emoji string) string {
	return strings.Trim(emoji, ":")
}
