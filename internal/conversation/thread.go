package conversation

import (
	"time"

	"github.com/antra-tess/connectome-adapters/internal/cache"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// ThreadHandler attaches replies to the root of their reply chain.
type ThreadHandler struct {
	messages *cache.MessageCache
}

// NewThreadHandler returns a handler resolving reply parents through messages.
func NewThreadHandler(messages *cache.MessageCache) *ThreadHandler {
	return &ThreadHandler{messages: messages}
}

// AddThreadInfo returns the thread msg joins, or nil when it is not a reply.
// A reply to a message that is already threaded joins that message's root.
func (h *ThreadHandler) AddThreadInfo(msg domain.IncomingMessage, conv *domain.ConversationInfo, at time.Time) *domain.ThreadInfo {
	if msg.ReplyToID == "" {
		return nil
	}

	root := msg.ReplyToID
	if parent := h.messages.GetMessageByID(conv.ConversationID, msg.ReplyToID); parent != nil && parent.ThreadID != "" {
		root = parent.ThreadID
	} else if t, ok := conv.Threads[msg.ReplyToID]; ok {
		root = t.RootMessageID
	}

	return joinThread(conv, root, at)
}

// RemoveThreadInfo releases msg's membership and drops the thread once empty.
func (h *ThreadHandler) RemoveThreadInfo(conv *domain.ConversationInfo, msg *domain.CachedMessage) {
	leaveThread(conv, msg.ThreadID)
}

// MoveThreadInfo transfers msg's thread membership between conversations.
func (h *ThreadHandler) MoveThreadInfo(from, to *domain.ConversationInfo, msg *domain.CachedMessage) {
	if msg.ThreadID == "" {
		return
	}
	var last time.Time
	var title string
	if from != nil {
		if t, ok := from.Threads[msg.ThreadID]; ok {
			last, title = t.LastActivity, t.Title
		}
		leaveThread(from, msg.ThreadID)
	}
	t := joinThread(to, msg.ThreadID, last)
	if t.Title == "" {
		t.Title = title
	}
}

func joinThread(conv *domain.ConversationInfo, root string, at time.Time) *domain.ThreadInfo {
	t, ok := conv.Threads[root]
	if !ok {
		t = &domain.ThreadInfo{ThreadID: root, RootMessageID: root}
		conv.Threads[root] = t
	}
	t.MessageCount++
	if at.After(t.LastActivity) {
		t.LastActivity = at
	}
	return t
}

func leaveThread(conv *domain.ConversationInfo, threadID string) {
	if threadID == "" {
		return
	}
	t, ok := conv.Threads[threadID]
	if !ok {
		return
	}
	t.MessageCount--
	if t.MessageCount <= 0 {
		delete(conv.Threads, threadID)
	}
}
