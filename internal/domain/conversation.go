package domain

import (
	"strings"
	"time"
)

// ConversationType classifies a conversation the way the originating platform does.
type ConversationType string

const (
	ConversationPrivate    ConversationType = "private"
	ConversationGroup      ConversationType = "group"
	ConversationSupergroup ConversationType = "supergroup"
	ConversationChannel    ConversationType = "channel"
	ConversationStream     ConversationType = "stream"
	ConversationThread     ConversationType = "thread"
)

// UserInfo is a member seen in a conversation.
type UserInfo struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsBot     bool   `json:"is_bot"`
}

// DisplayName resolves the name shown for a user: handle, then full name, then "User {id}".
func (u *UserInfo) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return "User " + u.UserID
}

// ThreadInfo tracks a reply chain inside a conversation.
type ThreadInfo struct {
	ThreadID      string    `json:"thread_id"`
	RootMessageID string    `json:"root_message_id"`
	MessageCount  int       `json:"message_count"`
	LastActivity  time.Time `json:"last_activity"`
	Title         string    `json:"title,omitempty"`
}

// ConversationInfo is the per-conversation state owned by the conversation manager.
type ConversationInfo struct {
	ConversationID   string
	ConversationType ConversationType
	ConversationName string
	CreatedAt        time.Time
	LastActivity     time.Time
	MessageCount     int

	KnownMembers   map[string]*UserInfo
	Threads        map[string]*ThreadInfo
	Attachments    StringSet
	PinnedMessages StringSet
	Messages       StringSet

	MigratedFromConversationID string
	MigratedToConversationID   string

	// JustStarted stays true until the first delta for this conversation is built.
	JustStarted bool
}

// NewConversationInfo returns an empty conversation created at now.
func NewConversationInfo(id string, typ ConversationType, name string, now time.Time) *ConversationInfo {
	return &ConversationInfo{
		ConversationID:   id,
		ConversationType: typ,
		ConversationName: name,
		CreatedAt:        now,
		LastActivity:     now,
		KnownMembers:     make(map[string]*UserInfo),
		Threads:          make(map[string]*ThreadInfo),
		Attachments:      make(StringSet),
		PinnedMessages:   make(StringSet),
		Messages:         make(StringSet),
		JustStarted:      true,
	}
}

// Clone returns a deep copy safe to hand out of the manager's lock.
func (c *ConversationInfo) Clone() *ConversationInfo {
	out := *c
	out.KnownMembers = make(map[string]*UserInfo, len(c.KnownMembers))
	for id, u := range c.KnownMembers {
		uc := *u
		out.KnownMembers[id] = &uc
	}
	out.Threads = make(map[string]*ThreadInfo, len(c.Threads))
	for id, t := range c.Threads {
		tc := *t
		out.Threads[id] = &tc
	}
	out.Attachments = c.Attachments.Clone()
	out.PinnedMessages = c.PinnedMessages.Clone()
	out.Messages = c.Messages.Clone()
	return &out
}
