package session

import (
	"context"
	"fmt"

	"github.com/tillerhq/tiller/pkg/types"
)

// Compaction policy. These are fixed policy rather than tunables: usage at
// or past 80% of the window triggers compaction, and the 6 most recent
// messages always survive verbatim.
const (
	compactThreshold   = 0.80
	keepRecentMessages = 6
)

// summaryInstruction is the fixed instruction handed to the summarizer
// together with the older history.
const summaryInstruction = "Produce a handoff summary of the conversation so far: " +
	"progress made, decisions taken, constraints discovered, open work, and any " +
	"references needed to continue. The summary replaces everything before the " +
	"most recent turns, so keep whatever is required to pick up seamlessly."

// Summarizer collapses a slice of history into one free-text summary. The
// agent side implements it (the runtime never talks to a model itself).
type Summarizer func(ctx context.Context, history []types.Message, instruction string) (string, error)

// CompactResult reports what a compaction did, for event emission.
type CompactResult struct {
	Summary     string `json:"summary"`
	BeforeCount int    `json:"before_count"`
	AfterCount  int    `json:"after_count"`
}

// ShouldCompact reports whether context usage has crossed the compaction
// threshold. A window of zero or less never compacts: an undefined ratio
// does not mean "full".
func ShouldCompact(contextTokens, contextWindowSize int) bool {
	if contextWindowSize <= 0 {
		return false
	}
	return float64(contextTokens)/float64(contextWindowSize) >= compactThreshold
}

// CompactHistory folds everything but the most recent messages into a
// single summary message. Histories of keepRecentMessages or fewer are left
// untouched, with no summarizer call and BeforeCount == AfterCount.
// Otherwise the older prefix is summarized, the summary is wrapped with
// provenance naming logPath (where the full transcript lives), and the
// caller's buffer is replaced in place with [summary, recent...]. The
// summary message carries the assistant role so follow-up turns read it as
// prior conversation.
func CompactHistory(ctx context.Context, history *[]types.Message, logPath string, summarize Summarizer) (CompactResult, error) {
	before := len(*history)
	if before <= keepRecentMessages {
		return CompactResult{BeforeCount: before, AfterCount: before}, nil
	}

	older := (*history)[:before-keepRecentMessages]
	recent := (*history)[before-keepRecentMessages:]

	summary, err := summarize(ctx, older, summaryInstruction)
	if err != nil {
		return CompactResult{}, fmt.Errorf("summarize history: %w", err)
	}

	wrapped := fmt.Sprintf("[Earlier conversation compacted. Full transcript: %s]\n\n%s", logPath, summary)

	compacted := make([]types.Message, 0, keepRecentMessages+1)
	compacted = append(compacted, types.NewTextMessage(types.RoleAssistant, wrapped))
	compacted = append(compacted, recent...)
	*history = compacted

	return CompactResult{Summary: summary, BeforeCount: before, AfterCount: len(compacted)}, nil
}
