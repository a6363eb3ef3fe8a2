package domain

import "context"

// Outgoing request types accepted from socket clients.
const (
	RequestSendMessage    = "send_message"
	RequestEditMessage    = "edit_message"
	RequestDeleteMessage  = "delete_message"
	RequestAddReaction    = "add_reaction"
	RequestRemoveReaction = "remove_reaction"
	RequestPinMessage     = "pin_message"
	RequestUnpinMessage   = "unpin_message"
	RequestFetchHistory   = "fetch_history"
)

// Request is an action a client asks the adapter to perform on the platform.
type Request struct {
	RequestID         string      `json:"request_id"`
	InternalRequestID string      `json:"internal_request_id,omitempty"`
	EventType         string      `json:"event_type"`
	Data              RequestData `json:"data"`
}

type RequestData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// RequestResult is returned to the client that issued a Request.
type RequestResult struct {
	RequestID         string         `json:"request_id"`
	InternalRequestID string         `json:"internal_request_id,omitempty"`
	EventType         string         `json:"event_type"`
	Success           bool           `json:"success"`
	MessageIDs        []string       `json:"message_ids,omitempty"`
	History           []MessageEntry `json:"history,omitempty"`
	Error             string         `json:"error,omitempty"`

	// Sent holds messages the platform accepted, normalized so they can be
	// recorded as bot-originated messages.
	Sent []IncomingMessage `json:"-"`
}

// Platform is a chat platform connection.
type Platform interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Handle(ctx context.Context, req Request) (*RequestResult, error)
}

// HistoryFetcher returns recent messages of a conversation, oldest first.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]IncomingMessage, error)
}

// Downloader stores a remote file locally.
type Downloader interface {
	Download(ctx context.Context, conversationID string, file RemoteFile) (*Attachment, error)
}
