package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/pkg/types"
)

func TestShouldCompact(t *testing.T) {
	tests := []struct {
		name   string
		tokens int
		window int
		want   bool
	}{
		{"at threshold", 160000, 200000, true},
		{"just below threshold", 159999, 200000, false},
		{"above threshold", 199999, 200000, true},
		{"zero window", 100, 0, false},
		{"zero everything", 0, 0, false},
		{"negative window", 100, -1, false},
		{"empty context", 0, 200000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldCompact(tt.tokens, tt.window))
		})
	}
}

func numberedHistory(n int) []types.Message {
	history := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		history = append(history, types.NewTextMessage(role, fmt.Sprintf("message %d", i)))
	}
	return history
}

func TestCompactHistoryShortHistoryIsNoOp(t *testing.T) {
	for _, n := range []int{0, 1, 6} {
		history := numberedHistory(n)
		called := false
		summarize := func(ctx context.Context, h []types.Message, instruction string) (string, error) {
			called = true
			return "", nil
		}

		res, err := CompactHistory(context.Background(), &history, "/tmp/s.jsonl", summarize)
		require.NoError(t, err)
		assert.False(t, called, "summarizer must not run for %d messages", n)
		assert.Equal(t, n, res.BeforeCount)
		assert.Equal(t, n, res.AfterCount)
		assert.Len(t, history, n)
	}
}

func TestCompactHistoryFoldsOlderMessages(t *testing.T) {
	history := numberedHistory(10)

	var summarized []types.Message
	summarize := func(ctx context.Context, h []types.Message, instruction string) (string, error) {
		summarized = append([]types.Message(nil), h...)
		assert.NotEmpty(t, instruction)
		return "the gist", nil
	}

	res, err := CompactHistory(context.Background(), &history, "/var/sessions/s1.jsonl", summarize)
	require.NoError(t, err)

	assert.Equal(t, "the gist", res.Summary)
	assert.Equal(t, 10, res.BeforeCount)
	assert.Equal(t, 7, res.AfterCount)

	// Only the prefix older than the kept tail was summarized.
	require.Len(t, summarized, 4)
	assert.Equal(t, "message 0", summarized[0].Text())
	assert.Equal(t, "message 3", summarized[3].Text())

	// The buffer was replaced in place: summary first, then the recent
	// tail verbatim.
	require.Len(t, history, 7)
	assert.Equal(t, types.RoleAssistant, history[0].Role)
	assert.Contains(t, history[0].Text(), "the gist")
	assert.Contains(t, history[0].Text(), "/var/sessions/s1.jsonl")
	assert.Equal(t, "message 4", history[1].Text())
	assert.Equal(t, "message 9", history[6].Text())
}

func TestCompactHistorySummarizerError(t *testing.T) {
	history := numberedHistory(10)
	summarize := func(ctx context.Context, h []types.Message, instruction string) (string, error) {
		return "", errors.New("model unavailable")
	}

	_, err := CompactHistory(context.Background(), &history, "x.jsonl", summarize)
	require.Error(t, err)

	// The buffer is untouched on failure.
	assert.Len(t, history, 10)
	assert.Equal(t, "message 0", history[0].Text())
}
