package domain

// UpdateType tags what a delta reports.
type UpdateType string

const (
	UpdateConversationStarted  UpdateType = "conversation_started"
	UpdateMessageReceived      UpdateType = "message_received"
	UpdateMessageEdited        UpdateType = "message_edited"
	UpdateReactionAdded        UpdateType = "reaction_added"
	UpdateReactionRemoved      UpdateType = "reaction_removed"
	UpdateMessagePinned        UpdateType = "message_pinned"
	UpdateMessageUnpinned      UpdateType = "message_unpinned"
	UpdateMessageDeleted       UpdateType = "message_deleted"
	UpdateConversationMigrated UpdateType = "conversation_migrated"
)

// Sender summarizes the author of a message.
type Sender struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsBot       bool   `json:"is_bot"`
}

// UnknownSender is used when a platform event carries no resolvable author.
func UnknownSender() Sender {
	return Sender{DisplayName: "Unknown"}
}

// MessageEntry is a message as surfaced in a delta.
type MessageEntry struct {
	MessageID       string       `json:"message_id"`
	ConversationID  string       `json:"conversation_id"`
	Sender          Sender       `json:"sender"`
	Text            string       `json:"text"`
	ThreadID        string       `json:"thread_id,omitempty"`
	Timestamp       int64        `json:"timestamp"`
	IsDirectMessage bool         `json:"is_direct_message"`
	Mentions        []string     `json:"mentions,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// ConversationDelta describes what one processed event changed.
type ConversationDelta struct {
	ConversationID   string `json:"conversation_id"`
	ConversationName string `json:"conversation_name,omitempty"`
	MigratedFrom     string `json:"migrated_from_conversation_id,omitempty"`

	Updates []UpdateType `json:"updates,omitempty"`

	MessageID   string       `json:"message_id,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"`
	Text        string       `json:"text,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	Sender      *Sender      `json:"sender,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	AddedReactions   []string `json:"added_reactions,omitempty"`
	RemovedReactions []string `json:"removed_reactions,omitempty"`

	AddedMessages      []MessageEntry `json:"added_messages,omitempty"`
	UpdatedMessages    []MessageEntry `json:"updated_messages,omitempty"`
	DeletedMessageIDs  []string       `json:"deleted_message_ids,omitempty"`
	PinnedMessageIDs   []string       `json:"pinned_message_ids,omitempty"`
	UnpinnedMessageIDs []string       `json:"unpinned_message_ids,omitempty"`

	FetchHistory bool `json:"fetch_history,omitempty"`
}

// AddUpdate appends u unless it is already present.
func (d *ConversationDelta) AddUpdate(u UpdateType) {
	if !d.HasUpdate(u) {
		d.Updates = append(d.Updates, u)
	}
}

func (d *ConversationDelta) HasUpdate(u UpdateType) bool {
	for _, existing := range d.Updates {
		if existing == u {
			return true
		}
	}
	return false
}

// Empty reports whether the delta carries nothing worth emitting.
func (d *ConversationDelta) Empty() bool {
	return d == nil || (len(d.Updates) == 0 && !d.FetchHistory)
}
