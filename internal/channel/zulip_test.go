package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func zulipStreamMessage() *zulipMessage {
	return &zulipMessage{
		ID:               42,
		SenderID:         7,
		SenderEmail:      "ada@example.com",
		SenderFullName:   "Ada",
		Type:             "stream",
		StreamID:         3,
		Subject:          "design",
		DisplayRecipient: json.RawMessage(`"engineering"`),
		Content:          "@**Bob|9** see [said](https://chat/#narrow/near/41) and [spec.pdf](/user_uploads/2/ab/tok123/spec.pdf)",
		Timestamp:        1700000000,
		Reactions:        []zulipReaction{{EmojiName: "tada", UserID: 1}, {EmojiName: "tada", UserID: 2}},
	}
}

func TestZulipIncoming_Stream(t *testing.T) {
	in := zulipIncoming(zulipStreamMessage(), "https://chat")

	assert.Equal(t, "42", in.MessageID)
	assert.Equal(t, domain.ConversationRef{ID: "3/design", Type: domain.ConversationStream, Name: "engineering/design"}, in.Conversation)
	assert.Equal(t, "41", in.ReplyToID)
	assert.Equal(t, time.Unix(1700000000, 0), in.Timestamp)
	assert.False(t, in.IsDirectMessage)
	assert.Equal(t, []string{"9"}, in.Mentions)
	assert.True(t, in.ReactionsKnown)
	assert.Equal(t, map[string]int{"tada": 2}, in.Reactions)

	require.NotNil(t, in.Sender)
	assert.Equal(t, "7", in.Sender.UserID)
	assert.Equal(t, "Ada", in.Sender.FirstName)

	require.Len(t, in.Files, 1)
	assert.Equal(t, domain.RemoteFile{ID: "tok123", Filename: "spec.pdf", URL: "https://chat/user_uploads/2/ab/tok123/spec.pdf"}, in.Files[0])
}

func TestZulipConversation_Private(t *testing.T) {
	m := &zulipMessage{
		SenderID:         7,
		Type:             "private",
		DisplayRecipient: json.RawMessage(`[{"id":9,"full_name":"Bob"},{"id":7,"full_name":"Ada"}]`),
	}
	assert.Equal(t, domain.ConversationRef{ID: "7_9", Type: domain.ConversationPrivate, Name: "Bob"}, zulipConversation(m))

	m.DisplayRecipient = json.RawMessage(`[{"id":9,"full_name":"Bob"},{"id":7,"full_name":"Ada"},{"id":2,"full_name":"Cy"}]`)
	got := zulipConversation(m)
	assert.Equal(t, "2_7_9", got.ID)
	assert.Equal(t, domain.ConversationGroup, got.Type)
}

func TestZulipMentions(t *testing.T) {
	assert.Equal(t, []string{"9", "Bob Smith"}, zulipMentions("hi @**Ada|9** and @_**Bob Smith**"))
	assert.Nil(t, zulipMentions("no mentions"))
}

func TestZulipSendForm(t *testing.T) {
	form, err := zulipSendForm("3/release/notes")
	require.NoError(t, err)
	assert.Equal(t, "stream", form.Get("type"))
	assert.Equal(t, "3", form.Get("to"))
	assert.Equal(t, "release/notes", form.Get("topic"))

	form, err = zulipSendForm("7_9")
	require.NoError(t, err)
	assert.Equal(t, "private", form.Get("type"))
	assert.Equal(t, "[7,9]", form.Get("to"))

	_, err = zulipSendForm("not-an-id")
	assert.Error(t, err)
}

func TestZulipMove(t *testing.T) {
	content := "edited"
	move, ok := zulipMove(&zulipEvent{
		StreamID:    3,
		OrigSubject: "old",
		Subject:     "new",
		MessageID:   10,
		MessageIDs:  []int64{10, 11},
		Content:     &content,
	})
	require.True(t, ok)
	assert.Equal(t, conversation.MigrateEvent{
		FromConversationID: "3/old",
		To:                 domain.ConversationRef{ID: "3/new", Type: domain.ConversationStream},
		MessageIDs:         []string{"10", "11"},
	}, move)

	move, ok = zulipMove(&zulipEvent{StreamID: 3, NewStreamID: 5, Subject: "t", MessageIDs: []int64{10}})
	require.True(t, ok)
	assert.Equal(t, "3/t", move.FromConversationID)
	assert.Equal(t, "5/t", move.To.ID)

	_, ok = zulipMove(&zulipEvent{StreamID: 3, MessageID: 10, Content: &content})
	assert.False(t, ok, "content-only edits are not moves")
}

func TestZulip_HandleEvents(t *testing.T) {
	sink := &recordingSink{}
	z := NewZulip(ZulipConfig{Site: "https://chat", Sink: sink, Logger: testChannelLogger()})
	z.selfID = 1
	ctx := context.Background()

	require.NoError(t, z.handleEvent(ctx, &zulipEvent{Type: "message", Message: zulipStreamMessage()}))
	require.NoError(t, z.handleEvent(ctx, &zulipEvent{Type: "message", Message: &zulipMessage{ID: 50, SenderID: 1, Type: "stream"}}))

	content := "fixed"
	require.NoError(t, z.handleEvent(ctx, &zulipEvent{Type: "update_message", StreamID: 3, MessageID: 42, MessageIDs: []int64{42}, Content: &content, EditTimestamp: 1700000100}))
	require.NoError(t, z.handleEvent(ctx, &zulipEvent{Type: "reaction", Op: "add", MessageID: 42, EmojiName: "smile"}))
	require.NoError(t, z.handleEvent(ctx, &zulipEvent{Type: "reaction", Op: "remove", MessageID: 42, EmojiName: "smile"}))
	require.NoError(t, z.handleEvent(ctx, &zulipEvent{Type: "delete_message", MessageType: "stream", StreamID: 3, Topic: "design", MessageID: 42}))
	require.NoError(t, z.handleEvent(ctx, &zulipEvent{Type: "delete_message", MessageType: "private", MessageIDs: []int64{60, 61}}))

	require.Len(t, sink.received, 1, "own messages are skipped")
	assert.Equal(t, "3/design", sink.received[0].Conversation.ID)

	require.Len(t, sink.updated, 3)
	assert.Equal(t, conversation.UpdateEdited, sink.updated[0].Kind)
	assert.Equal(t, "fixed", sink.updated[0].Text)
	assert.Equal(t, conversation.UpdateEvent{Kind: conversation.UpdateReactionAdded, MessageID: "42", Emoji: "smile"}, sink.updated[1])
	assert.Equal(t, conversation.UpdateReactionRemoved, sink.updated[2].Kind)

	require.Len(t, sink.deleted, 2)
	assert.Equal(t, conversation.DeleteEvent{ConversationID: "3/design", MessageIDs: []string{"42"}}, sink.deleted[0])
	assert.Equal(t, conversation.DeleteEvent{MessageIDs: []string{"60", "61"}}, sink.deleted[1])
}

func TestZulip_SendAndHistory(t *testing.T) {
	var sent atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		user, key, ok := r.BasicAuth()
		if !ok || user != "bot@example.com" || key != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "stream", r.PostForm.Get("type"))
		assert.Equal(t, "design", r.PostForm.Get("topic"))
		n := sent.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "id": 100 + n})
	})
	mux.HandleFunc("GET /api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "newest", r.URL.Query().Get("anchor"))
		assert.Equal(t, "2", r.URL.Query().Get("num_before"))
		_, _ = w.Write([]byte(`{"result":"success","messages":[
			{"id":12,"sender_id":7,"type":"stream","stream_id":3,"subject":"design","display_recipient":"eng","content":"b","timestamp":2},
			{"id":11,"sender_id":7,"type":"stream","stream_id":3,"subject":"design","display_recipient":"eng","content":"a","timestamp":1}
		]}`))
	})
	mux.HandleFunc("POST /api/v1/messages/{id}/reactions", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "11", r.PathValue("id"))
		assert.Equal(t, "thumbs_up", r.PostForm.Get("emoji_name"))
		_, _ = w.Write([]byte(`{"result":"success"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	z := NewZulip(ZulipConfig{Site: srv.URL, Email: "bot@example.com", APIKey: "secret", MaxMessageLength: 5, Logger: testChannelLogger()})
	ctx := context.Background()

	res, err := z.Handle(ctx, domain.Request{
		EventType: domain.RequestSendMessage,
		Data:      domain.RequestData{ConversationID: "3/design", Text: "hello world"},
	})
	require.NoError(t, err)
	assert.Len(t, res.MessageIDs, 3)
	assert.Len(t, res.Sent, 3)
	assert.Equal(t, domain.ConversationStream, res.Sent[0].Conversation.Type)

	_, err = z.Handle(ctx, domain.Request{
		EventType: domain.RequestAddReaction,
		Data:      domain.RequestData{ConversationID: "3/design", MessageID: "11", Emoji: ":thumbs_up:"},
	})
	require.NoError(t, err)

	history, err := z.FetchHistory(ctx, "3/design", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "11", history[0].MessageID)
	assert.Equal(t, "12", history[1].MessageID)

	_, err = z.Handle(ctx, domain.Request{EventType: domain.RequestPinMessage, Data: domain.RequestData{ConversationID: "3/design", MessageID: "11"}})
	assert.ErrorIs(t, err, ErrUnsupportedRequest)
}

func TestZulipClient_BadQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"result":"error","code":"BAD_EVENT_QUEUE_ID","msg":"Bad event queue id"}`))
	}))
	defer srv.Close()

	c := newZulipClient(srv.URL, "bot@example.com", "secret", testChannelLogger())
	_, err := c.events(context.Background(), &zulipQueue{QueueID: "q", LastEventID: -1})
	assert.ErrorIs(t, err, errZulipBadQueue)
}
