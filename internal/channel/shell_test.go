package channel

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func TestShell_ReadsLinesUntilQuit(t *testing.T) {
	sink := &recordingSink{}
	var out bytes.Buffer
	s := NewShell(ShellConfig{
		UserID: "ada",
		Sink:   sink,
		Logger: testChannelLogger(),
		In:     strings.NewReader("hello\n\n  second  \n/quit\nignored\n"),
		Out:    &out,
	})

	require.NoError(t, s.Start(context.Background()))

	require.Len(t, sink.received, 2)
	first := sink.received[0]
	assert.Equal(t, "hello", first.Text)
	assert.Equal(t, "shell", first.Conversation.ID)
	assert.Equal(t, domain.ConversationPrivate, first.Conversation.Type)
	assert.True(t, first.IsDirectMessage)
	assert.Equal(t, "ada", first.Sender.UserID)
	assert.NotEmpty(t, first.MessageID)
	assert.NotEqual(t, first.MessageID, sink.received[1].MessageID)
	assert.Equal(t, "second", sink.received[1].Text)
}

func TestShell_StopsAtEOF(t *testing.T) {
	sink := &recordingSink{}
	s := NewShell(ShellConfig{Sink: sink, Logger: testChannelLogger(), In: strings.NewReader("one"), Out: &bytes.Buffer{}})
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, sink.received, 1)
}

func TestShell_Handle(t *testing.T) {
	var out bytes.Buffer
	s := NewShell(ShellConfig{Logger: testChannelLogger(), In: strings.NewReader(""), Out: &out})

	res, err := s.Handle(context.Background(), domain.Request{
		EventType: domain.RequestSendMessage,
		Data:      domain.RequestData{ConversationID: "shell", Text: "hi there"},
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "hi there")
	require.Len(t, res.Sent, 1)
	assert.Equal(t, res.MessageIDs[0], res.Sent[0].MessageID)
	assert.True(t, res.Sent[0].Sender.IsBot)

	_, err = s.Handle(context.Background(), domain.Request{EventType: domain.RequestAddReaction})
	assert.ErrorIs(t, err, ErrUnsupportedRequest)
}
