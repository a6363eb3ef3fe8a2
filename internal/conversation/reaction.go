package conversation

import (
	"sort"

	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// PlatformReaction is one emoji tally as reported by a platform.
type PlatformReaction struct {
	Emoji string
	Count int
}

// AddReaction increments the count for emoji, creating it at 1.
func AddReaction(msg *domain.CachedMessage, emoji string) {
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]int)
	}
	msg.Reactions[emoji]++
}

// RemoveReaction decrements the count for emoji and drops the key at zero.
// It reports whether the emoji was present.
func RemoveReaction(msg *domain.CachedMessage, emoji string) bool {
	n, ok := msg.Reactions[emoji]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(msg.Reactions, emoji)
	} else {
		msg.Reactions[emoji] = n - 1
	}
	return true
}

// ExtractReactions flattens platform tallies into an emoji->count map.
// Duplicate emoji are summed and non-positive counts are dropped.
func ExtractReactions(raw []PlatformReaction) map[string]int {
	out := make(map[string]int, len(raw))
	for _, r := range raw {
		if r.Emoji == "" || r.Count <= 0 {
			continue
		}
		out[r.Emoji] += r.Count
	}
	return out
}

// UpdateMessageReactions moves msg's reactions to the snapshot next, recording
// one added (or removed) entry per unit of count change. Bot messages are
// updated in place but contribute nothing to the delta.
func UpdateMessageReactions(msg *domain.CachedMessage, next map[string]int, delta *domain.ConversationDelta) {
	prev := make(map[string]int, len(msg.Reactions))
	for k, v := range msg.Reactions {
		prev[k] = v
	}

	var added, removed []string
	for _, emoji := range sortedKeys(next) {
		for i := prev[emoji]; i < next[emoji]; i++ {
			AddReaction(msg, emoji)
			added = append(added, emoji)
		}
	}
	for _, emoji := range sortedKeys(prev) {
		target := next[emoji]
		if target < 0 {
			target = 0
		}
		for i := prev[emoji]; i > target; i-- {
			RemoveReaction(msg, emoji)
			removed = append(removed, emoji)
		}
	}

	if msg.IsFromBot {
		return
	}
	delta.MessageID = msg.MessageID
	if len(added) > 0 {
		delta.AddedReactions = append(delta.AddedReactions, added...)
		delta.AddUpdate(domain.UpdateReactionAdded)
	}
	if len(removed) > 0 {
		delta.RemovedReactions = append(delta.RemovedReactions, removed...)
		delta.AddUpdate(domain.UpdateReactionRemoved)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
