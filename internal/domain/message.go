package domain

import "time"

// CachedMessage is the normalized record of one platform message.
type CachedMessage struct {
	MessageID       string
	ConversationID  string
	ThreadID        string
	Text            string
	SenderID        string
	SenderName      string
	Timestamp       int64 // ms since epoch
	IsFromBot       bool
	IsPinned        bool
	IsDirectMessage bool
	Reactions       map[string]int
	Attachments     StringSet
	Mentions        []string
}

// Clone returns a copy sharing no maps or slices with m.
func (m *CachedMessage) Clone() *CachedMessage {
	out := *m
	out.Reactions = make(map[string]int, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = v
	}
	out.Attachments = m.Attachments.Clone()
	if m.Mentions != nil {
		out.Mentions = append([]string(nil), m.Mentions...)
	}
	return &out
}

// Attachment is a file that has been stored locally for a conversation.
type Attachment struct {
	AttachmentID   string    `json:"attachment_id"`
	AttachmentType string    `json:"attachment_type"`
	Filename       string    `json:"filename"`
	Size           int64     `json:"size"`
	ContentType    string    `json:"content_type,omitempty"`
	URL            string    `json:"url,omitempty"`
	FilePath       string    `json:"file_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RemoteFile is a platform-hosted file referenced by an incoming message.
type RemoteFile struct {
	ID          string
	Filename    string
	URL         string
	ContentType string
	Size        int64
}

// ConversationRef identifies the conversation a platform event belongs to.
type ConversationRef struct {
	ID   string
	Type ConversationType
	Name string
}

// UserRef is a platform user as extracted by an adapter.
type UserRef struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

// IncomingMessage is a platform message after adapter-side normalization.
// The conversation manager never sees raw SDK payloads, only this.
type IncomingMessage struct {
	MessageID    string
	Conversation ConversationRef
	Sender       *UserRef
	ReplyToID    string
	Text         string
	Timestamp    time.Time
	// Reactions is only meaningful when ReactionsKnown is set; platforms that
	// do not report reaction snapshots leave it false.
	Reactions       map[string]int
	ReactionsKnown  bool
	IsPinned        bool
	IsDirectMessage bool
	Mentions        []string
	Files           []RemoteFile
}
