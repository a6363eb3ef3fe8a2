package processor

import (
	"path/filepath"
	"strings"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

func entryPayload(e domain.MessageEntry, largeFile int64) map[string]any {
	mentions := e.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	return map[string]any{
		"message_id":      e.MessageID,
		"conversation_id": e.ConversationID,
		"sender": map[string]any{
			"user_id":      e.Sender.UserID,
			"display_name": e.Sender.DisplayName,
		},
		"text":              e.Text,
		"thread_id":         e.ThreadID,
		"timestamp":         e.Timestamp,
		"is_direct_message": e.IsDirectMessage,
		"mentions":          mentions,
		"attachments":       attachmentsPayload(e.Attachments, largeFile),
	}
}

func updatedPayload(e domain.MessageEntry, largeFile int64) map[string]any {
	mentions := e.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	return map[string]any{
		"message_id":      e.MessageID,
		"conversation_id": e.ConversationID,
		"new_text":        e.Text,
		"timestamp":       e.Timestamp,
		"mentions":        mentions,
		"attachments":     attachmentsPayload(e.Attachments, largeFile),
	}
}

func conversationStartedPayload(delta *domain.ConversationDelta, history []domain.MessageEntry, largeFile int64) map[string]any {
	entries := make([]map[string]any, 0, len(history))
	for _, e := range history {
		entries = append(entries, entryPayload(e, largeFile))
	}
	return map[string]any{
		"conversation_id":   delta.ConversationID,
		"conversation_name": delta.ConversationName,
		"history":           entries,
	}
}

func reactionPayload(conversationID, messageID, emoji string) map[string]any {
	return map[string]any{
		"conversation_id": conversationID,
		"message_id":      messageID,
		"emoji":           emoji,
	}
}

func messageRefPayload(conversationID, messageID string) map[string]any {
	return map[string]any{
		"conversation_id": conversationID,
		"message_id":      messageID,
	}
}

// attachmentsPayload describes stored files. Files above largeFile bytes are
// marked not processable; largeFile <= 0 disables the check.
func attachmentsPayload(atts []domain.Attachment, largeFile int64) []map[string]any {
	out := make([]map[string]any, 0, len(atts))
	for _, a := range atts {
		out = append(out, map[string]any{
			"attachment_id":   a.AttachmentID,
			"attachment_type": a.AttachmentType,
			"filename":        a.Filename,
			"file_extension":  strings.TrimPrefix(filepath.Ext(a.Filename), "."),
			"size":            a.Size,
			"content_type":    a.ContentType,
			"file_path":       a.FilePath,
			"processable":     largeFile <= 0 || a.Size <= largeFile,
		})
	}
	return out
}
