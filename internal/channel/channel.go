// Package channel holds the platform adapters. Each adapter normalizes SDK
// events into domain values, reports them to a Sink and executes outgoing
// requests against its platform.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/antra-tess/connectome-adapters/internal/conversation"
	"github.com/antra-tess/connectome-adapters/internal/domain"
)

// ErrUnsupportedRequest is returned by Handle for request types the platform
// cannot perform.
var ErrUnsupportedRequest = errors.New("request not supported by platform")

// Sink receives normalized platform events. *processor.Processor implements it.
type Sink interface {
	MessageReceived(ctx context.Context, in domain.IncomingMessage) error
	MessageUpdated(ctx context.Context, ev conversation.UpdateEvent) error
	MessagesDeleted(ctx context.Context, ev conversation.DeleteEvent) error
	ConversationMigrated(ctx context.Context, ev conversation.MigrateEvent) error
}

// splitMessage breaks msg into chunks that measure at most maxLen, preferring
// to cut after a newline in the second half of a chunk. Cuts always fall on
// rune boundaries. A nil measure counts runes.
func splitMessage(msg string, maxLen int, measure func(string) int) []string {
	if measure == nil {
		measure = utf8.RuneCountInString
	}
	if maxLen <= 0 || measure(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if measure(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := prefixWithin(msg, maxLen, measure)
		if idx := strings.LastIndex(msg[:cut], "\n"); idx >= 0 && measure(msg[:idx]) > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// prefixWithin returns the byte length of the longest rune-aligned prefix of
// s measuring at most limit. A single oversized rune is still taken whole.
func prefixWithin(s string, limit int, measure func(string) int) int {
	cut, used := 0, 0
	for cut < len(s) {
		_, size := utf8.DecodeRuneInString(s[cut:])
		n := measure(s[cut : cut+size])
		if used+n > limit {
			break
		}
		used += n
		cut += size
	}
	if cut == 0 {
		_, cut = utf8.DecodeRuneInString(s)
	}
	return cut
}

// utf16Len counts UTF-16 code units, the unit Telegram limits text by.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func unsupported(platform, eventType string) error {
	return fmt.Errorf("%s %s: %w", platform, eventType, ErrUnsupportedRequest)
}
