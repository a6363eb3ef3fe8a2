package channel

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

const (
	zulipMaxMsgLen   = 10000
	zulipRetryPause  = 5 * time.Second
	zulipTypeStream  = "stream"
	zulipTypePrivate = "private"
)

var (
	zulipMentionRe = regexp.MustCompile(`@_?\*\*([^*|]+)(?:\|(\d+))?\*\*`)
	zulipQuoteRe   = regexp.MustCompile(`\[said\]\([^)]+/near/(\d+)\)`)
	zulipUploadRe  = regexp.MustCompile(`\[([^\]]*)\]\((/user_uploads/[^)\s]+)\)`)
)

// Zulip connects a bot account through the REST event queue. Stream
// conversations are "stream_id/topic"; direct conversations are the sorted
// participant ids joined by "_".
type Zulip struct {
	client *zulipClient
	site   string
	maxLen int
	sink   Sink
	logger *slog.Logger
	selfID int64

	mu   sync.Mutex
	refs map[string]domain.ConversationRef
}

type ZulipConfig struct {
	Site             string
	Email            string
	APIKey           string
	MaxMessageLength int
	Sink             Sink
	Logger           *slog.Logger
}

func NewZulip(cfg ZulipConfig) *Zulip {
	if cfg.MaxMessageLength <= 0 || cfg.MaxMessageLength > zulipMaxMsgLen {
		cfg.MaxMessageLength = zulipMaxMsgLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	site := strings.TrimRight(cfg.Site, "/")
	return &Zulip{
		client: newZulipClient(site, cfg.Email, cfg.APIKey, cfg.Logger),
		site:   site,
		maxLen: cfg.MaxMessageLength,
		sink:   cfg.Sink,
		logger: cfg.Logger,
		refs:   make(map[string]domain.ConversationRef),
	}
}

func (z *Zulip) Name() string { return "zulip" }

// Start registers an event queue and long-polls it until ctx is done. An
// expired queue is registered again; other failures are retried after a pause.
func (z *Zulip) Start(ctx context.Context) error {
	var me struct {
		zulipResponse
		UserID   int64  `json:"user_id"`
		FullName string `json:"full_name"`
	}
	if err := z.client.call(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		return fmt.Errorf("zulip auth: %w", err)
	}
	z.selfID = me.UserID
	z.logger.Info("zulip bot connected", "user", me.FullName, "user_id", me.UserID, "site", z.site)

	queue, err := z.client.register(ctx)
	if err != nil {
		return err
	}
	for {
		events, err := z.client.events(ctx, queue)
		switch {
		case ctx.Err() != nil:
			z.logger.Info("zulip bot disconnecting")
			return nil
		case errors.Is(err, errZulipBadQueue):
			z.logger.Warn("zulip event queue expired, registering again")
			if queue, err = z.client.register(ctx); err != nil {
				return err
			}
			continue
		case err != nil:
			z.logger.Error("zulip poll failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(zulipRetryPause):
			}
			continue
		}
		for i := range events {
			ev := &events[i]
			if ev.ID > queue.LastEventID {
				queue.LastEventID = ev.ID
			}
			if err := z.handleEvent(ctx, ev); err != nil {
				z.logger.Error("zulip event failed", "type", ev.Type, "err", err)
			}
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled.
func (z *Zulip) Stop() error { return nil }

func (z *Zulip) handleEvent(ctx context.Context, ev *zulipEvent) error {
	switch ev.Type {
	case "message":
		if ev.Message == nil || ev.Message.SenderID == z.selfID {
			return nil
		}
		in := zulipIncoming(ev.Message, z.site)
		z.remember(in.Conversation)
		return z.sink.MessageReceived(ctx, in)
	case "update_message":
		return z.handleUpdate(ctx, ev)
	case "delete_message":
		ids := ev.MessageIDs
		if len(ids) == 0 && ev.MessageID != 0 {
			ids = []int64{ev.MessageID}
		}
		if len(ids) == 0 {
			return nil
		}
		var convID string
		if ev.MessageType == zulipTypeStream && ev.StreamID != 0 {
			convID = zulipStreamConversationID(ev.StreamID, ev.Topic)
		}
		return z.sink.MessagesDeleted(ctx, conversation.DeleteEvent{
			ConversationID: convID,
			MessageIDs:     zulipIDs(ids),
		})
	case "reaction":
		kind := conversation.UpdateReactionAdded
		if ev.Op == "remove" {
			kind = conversation.UpdateReactionRemoved
		}
		return z.sink.MessageUpdated(ctx, conversation.UpdateEvent{
			Kind:      kind,
			MessageID: strconv.FormatInt(ev.MessageID, 10),
			Emoji:     ev.EmojiName,
		})
	}
	return nil
}

// handleUpdate turns a topic or stream move into a migration and a content
// change into an edit. One event can carry both.
func (z *Zulip) handleUpdate(ctx context.Context, ev *zulipEvent) error {
	if move, ok := zulipMove(ev); ok {
		z.remember(move.To)
		if err := z.sink.ConversationMigrated(ctx, move); err != nil {
			return err
		}
	}
	if ev.Content == nil || ev.MessageID == 0 {
		return nil
	}
	// Content-only edits carry no topic; the manager then finds the message.
	var convID string
	topic := ev.Subject
	if topic == "" {
		topic = ev.OrigSubject
	}
	if ev.StreamID != 0 && topic != "" {
		convID = zulipStreamConversationID(zulipTargetStream(ev), topic)
	}
	return z.sink.MessageUpdated(ctx, conversation.UpdateEvent{
		Kind:           conversation.UpdateEdited,
		ConversationID: convID,
		MessageID:      strconv.FormatInt(ev.MessageID, 10),
		Text:           *ev.Content,
		Mentions:       zulipMentions(*ev.Content),
		Timestamp:      time.Unix(ev.EditTimestamp, 0),
	})
}

func (z *Zulip) remember(ref domain.ConversationRef) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if prev, ok := z.refs[ref.ID]; ok && ref.Name == "" {
		ref.Name = prev.Name
	}
	z.refs[ref.ID] = ref
}

func (z *Zulip) conversationRef(conversationID string) domain.ConversationRef {
	z.mu.Lock()
	ref, ok := z.refs[conversationID]
	z.mu.Unlock()
	if ok {
		return ref
	}
	if _, _, ok := zulipParseStream(conversationID); ok {
		return domain.ConversationRef{ID: conversationID, Type: domain.ConversationStream}
	}
	typ := domain.ConversationPrivate
	if strings.Count(conversationID, "_") > 1 {
		typ = domain.ConversationGroup
	}
	return domain.ConversationRef{ID: conversationID, Type: typ}
}

// FetchHistory returns up to limit messages of a topic or direct
// conversation, oldest first.
func (z *Zulip) FetchHistory(ctx context.Context, conversationID string, limit int) ([]domain.IncomingMessage, error) {
	narrow, err := zulipNarrow(conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := z.client.messages(ctx, narrow, limit)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(msgs, func(a, b zulipMessage) int {
		return cmp.Compare(a.ID, b.ID)
	})
	out := make([]domain.IncomingMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, zulipIncoming(&msgs[i], z.site))
	}
	return out, nil
}

// Handle performs an outgoing request. Zulip has no message pinning.
func (z *Zulip) Handle(ctx context.Context, req domain.Request) (*domain.RequestResult, error) {
	data := req.Data
	msgPath := "/messages/" + url.PathEscape(data.MessageID)

	var err error
	switch req.EventType {
	case domain.RequestSendMessage:
		return z.send(ctx, data)
	case domain.RequestEditMessage:
		form := url.Values{"content": {data.Text}}
		err = z.client.call(ctx, http.MethodPatch, msgPath, form, nil)
	case domain.RequestDeleteMessage:
		err = z.client.call(ctx, http.MethodDelete, msgPath, nil, nil)
	case domain.RequestAddReaction:
		form := url.Values{"emoji_name": {slackEmojiName(data.Emoji)}}
		err = z.client.call(ctx, http.MethodPost, msgPath+"/reactions", form, nil)
	case domain.RequestRemoveReaction:
		form := url.Values{"emoji_name": {slackEmojiName(data.Emoji)}}
		err = z.client.call(ctx, http.MethodDelete, msgPath+"/reactions", form, nil)
	default:
		return nil, unsupported(z.Name(), req.EventType)
	}
	if err != nil {
		return nil, err
	}
	return &domain.RequestResult{}, nil
}

func (z *Zulip) send(ctx context.Context, data domain.RequestData) (*domain.RequestResult, error) {
	form, err := zulipSendForm(data.ConversationID)
	if err != nil {
		return nil, err
	}
	ref := z.conversationRef(data.ConversationID)
	res := &domain.RequestResult{}
	for _, chunk := range splitMessage(data.Text, z.maxLen, nil) {
		form.Set("content", chunk)
		id, err := z.client.sendMessage(ctx, form)
		if err != nil {
			return nil, err
		}
		msgID := strconv.FormatInt(id, 10)
		res.MessageIDs = append(res.MessageIDs, msgID)
		res.Sent = append(res.Sent, domain.IncomingMessage{
			MessageID:       msgID,
			Conversation:    ref,
			Sender:          &domain.UserRef{UserID: strconv.FormatInt(z.selfID, 10), IsBot: true},
			Text:            chunk,
			Timestamp:       time.Now(),
			IsDirectMessage: ref.Type == domain.ConversationPrivate,
		})
	}
	return res, nil
}

func zulipStreamConversationID(streamID int64, topic string) string {
	return strconv.FormatInt(streamID, 10) + "/" + topic
}

func zulipPrivateConversationID(recipients []zulipRecipient) string {
	ids := make([]int64, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.ID)
	}
	slices.Sort(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, "_")
}

// zulipParseStream splits "stream_id/topic". Topics may contain slashes.
func zulipParseStream(conversationID string) (int64, string, bool) {
	sid, topic, ok := strings.Cut(conversationID, "/")
	if !ok {
		return 0, "", false
	}
	id, err := strconv.ParseInt(sid, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, topic, true
}

func zulipParsePrivate(conversationID string) ([]int64, error) {
	parts := strings.Split(conversationID, "_")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid zulip conversation id %q", conversationID)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func zulipSendForm(conversationID string) (url.Values, error) {
	if sid, topic, ok := zulipParseStream(conversationID); ok {
		return url.Values{
			"type":  {zulipTypeStream},
			"to":    {strconv.FormatInt(sid, 10)},
			"topic": {topic},
		}, nil
	}
	ids, err := zulipParsePrivate(conversationID)
	if err != nil {
		return nil, err
	}
	to, _ := json.Marshal(ids)
	return url.Values{"type": {zulipTypePrivate}, "to": {string(to)}}, nil
}

type zulipNarrowTerm struct {
	Operator string `json:"operator"`
	Operand  any    `json:"operand"`
}

func zulipNarrow(conversationID string) ([]zulipNarrowTerm, error) {
	if sid, topic, ok := zulipParseStream(conversationID); ok {
		return []zulipNarrowTerm{
			{Operator: "stream", Operand: sid},
			{Operator: "topic", Operand: topic},
		}, nil
	}
	ids, err := zulipParsePrivate(conversationID)
	if err != nil {
		return nil, err
	}
	return []zulipNarrowTerm{{Operator: "dm", Operand: ids}}, nil
}

// zulipMove reports a topic or stream change as a migration of the moved
// messages.
func zulipMove(ev *zulipEvent) (conversation.MigrateEvent, bool) {
	if ev.StreamID == 0 || (ev.OrigSubject == "" && ev.NewStreamID == 0) {
		return conversation.MigrateEvent{}, false
	}
	fromTopic := ev.OrigSubject
	if fromTopic == "" {
		fromTopic = ev.Subject
	}
	toTopic := ev.Subject
	if toTopic == "" {
		toTopic = fromTopic
	}
	from := zulipStreamConversationID(ev.StreamID, fromTopic)
	to := zulipStreamConversationID(zulipTargetStream(ev), toTopic)
	if from == to {
		return conversation.MigrateEvent{}, false
	}
	ids := ev.MessageIDs
	if len(ids) == 0 && ev.MessageID != 0 {
		ids = []int64{ev.MessageID}
	}
	return conversation.MigrateEvent{
		FromConversationID: from,
		To:                 domain.ConversationRef{ID: to, Type: domain.ConversationStream},
		MessageIDs:         zulipIDs(ids),
	}, true
}

func zulipTargetStream(ev *zulipEvent) int64 {
	if ev.NewStreamID != 0 {
		return ev.NewStreamID
	}
	return ev.StreamID
}

func zulipConversation(m *zulipMessage) domain.ConversationRef {
	if m.Type == zulipTypeStream {
		name := m.streamName()
		if m.Subject != "" {
			name += "/" + m.Subject
		}
		return domain.ConversationRef{
			ID:   zulipStreamConversationID(m.StreamID, m.Subject),
			Type: domain.ConversationStream,
			Name: name,
		}
	}
	recipients := m.recipients()
	ref := domain.ConversationRef{ID: zulipPrivateConversationID(recipients), Type: domain.ConversationPrivate}
	if len(recipients) > 2 {
		ref.Type = domain.ConversationGroup
	}
	names := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.ID != m.SenderID || len(recipients) == 1 {
			names = append(names, r.FullName)
		}
	}
	ref.Name = strings.Join(names, ", ")
	return ref
}

func zulipIncoming(m *zulipMessage, site string) domain.IncomingMessage {
	ref := zulipConversation(m)
	in := domain.IncomingMessage{
		MessageID:    strconv.FormatInt(m.ID, 10),
		Conversation: ref,
		Sender: &domain.UserRef{
			UserID:    strconv.FormatInt(m.SenderID, 10),
			Username:  m.SenderEmail,
			FirstName: m.SenderFullName,
		},
		ReplyToID:       zulipReplyTo(m.Content),
		Text:            m.Content,
		Timestamp:       time.Unix(m.Timestamp, 0),
		IsDirectMessage: ref.Type == domain.ConversationPrivate,
		Mentions:        zulipMentions(m.Content),
		Files:           zulipFiles(m.Content, site),
		Reactions:       make(map[string]int, len(m.Reactions)),
		ReactionsKnown:  true,
	}
	for _, r := range m.Reactions {
		in.Reactions[r.EmojiName]++
	}
	return in
}

// zulipReplyTo extracts the quoted message id from a "[said](.../near/ID)" quote.
func zulipReplyTo(content string) string {
	if m := zulipQuoteRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return ""
}

// zulipMentions returns user ids for "@**Name|id**" and names for "@**Name**".
func zulipMentions(content string) []string {
	matches := zulipMentionRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m[2] != "" {
			out = append(out, m[2])
		} else {
			out = append(out, m[1])
		}
	}
	return out
}

// zulipFiles finds uploaded files linked from the message body. Upload paths
// look like /user_uploads/<realm>/<xx>/<token>/<filename>.
func zulipFiles(content, site string) []domain.RemoteFile {
	var out []domain.RemoteFile
	for _, m := range zulipUploadRe.FindAllStringSubmatch(content, -1) {
		p := m[2]
		dir, file := path.Split(p)
		name := m[1]
		if name == "" {
			name = file
		}
		out = append(out, domain.RemoteFile{
			ID:       path.Base(strings.TrimSuffix(dir, "/")),
			Filename: name,
			URL:      site + p,
		})
	}
	return out
}

func zulipIDs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}
