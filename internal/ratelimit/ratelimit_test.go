package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_ImmediateBurst(t *testing.T) {
	l := New(Config{GlobalRPM: 60, Burst: 5})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, RequestMessage, "456"), "burst token %d", i)
	}
}

func TestLimiter_WaitsAfterBurst(t *testing.T) {
	l := New(Config{PerConversationRPM: 600, Burst: 1}) // 10/sec refill

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "edit_message", "456"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "edit_message", "456"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ConversationsIndependent(t *testing.T) {
	l := New(Config{PerConversationRPM: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "edit_message", "a"))
	// A different conversation has its own bucket.
	require.NoError(t, l.Wait(ctx, "edit_message", "b"))
}

func TestLimiter_ContextCancelled(t *testing.T) {
	l := New(Config{MessageRPM: 1, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, RequestMessage, "456"))
	assert.Error(t, l.Wait(ctx, RequestMessage, "456"))
}

func TestLimiter_UnlimitedByDefault(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, RequestMessage, "456"))
	}
}
