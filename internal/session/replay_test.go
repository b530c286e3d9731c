package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerhq/tiller/pkg/types"
)

func writeEventLog(t *testing.T, events []types.Event, extraLines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		_, err = f.Write(append(data, '\n'))
		require.NoError(t, err)
	}
	for _, line := range extraLines {
		_, err = f.WriteString(line)
		require.NoError(t, err)
	}
	return path
}

func assistantEvent(text string, depth int) types.Event {
	msg := types.NewTextMessage(types.RoleAssistant, text)
	return types.Event{
		Kind:    types.EventPlanEnd,
		AgentID: "root",
		Depth:   depth,
		Payload: &types.PlanEndPayload{AssistantMessage: &msg},
	}
}

func TestReplayEventLogFoldsHistory(t *testing.T) {
	toolMsg := types.Message{
		Role: types.RoleTool,
		Parts: []types.Part{
			&types.ToolResultPart{Type: types.PartTypeToolResult, ToolCallID: "call_1", Content: "42"},
		},
	}

	path := writeEventLog(t, []types.Event{
		{Kind: types.EventPerceive, AgentID: "root", Depth: 0, Payload: &types.PerceivePayload{Goal: "count the files"}},
		assistantEvent("plan A", 0),
		{Kind: types.EventPrimitiveEnd, AgentID: "root", Depth: 0, Payload: &types.PrimitiveEndPayload{Name: "bash", ToolResultMessage: &toolMsg}},
		assistantEvent("plan B", 0),
		assistantEvent("sub-agent plan C", 1),
	})

	history, err := ReplayEventLog(path)
	require.NoError(t, err)

	// Four contributing events at depth 0; the sub-agent line is dropped.
	require.Len(t, history, 4)
	assert.Equal(t, types.RoleUser, history[0].Role)
	assert.Equal(t, "count the files", history[0].Text())
	assert.Equal(t, types.RoleAssistant, history[1].Role)
	assert.Equal(t, "plan A", history[1].Text())
	assert.Equal(t, types.RoleTool, history[2].Role)
	assert.Equal(t, "42", history[2].Text())
	assert.Equal(t, "plan B", history[3].Text())
}

func TestReplayEventLogIsDeterministic(t *testing.T) {
	path := writeEventLog(t, []types.Event{
		{Kind: types.EventPerceive, AgentID: "root", Depth: 0, Payload: &types.PerceivePayload{Goal: "goal"}},
		assistantEvent("answer", 0),
	})

	first, err := ReplayEventLog(path)
	require.NoError(t, err)
	second, err := ReplayEventLog(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReplayEventLogSkipsNonContributingEvents(t *testing.T) {
	path := writeEventLog(t, []types.Event{
		{Kind: types.EventSessionStart, AgentID: "host", Depth: 0},
		{Kind: types.EventContextUpdate, AgentID: "host", Depth: 0, Payload: &types.ContextUpdatePayload{ContextTokens: 10, ContextWindowSize: 100}},
		// A bookkeeping plan_end with no assistant message contributes
		// nothing.
		{Kind: types.EventPlanEnd, AgentID: "root", Depth: 0, Payload: &types.PlanEndPayload{ContextTokens: 50, ContextWindowSize: 100}},
		{Kind: types.EventSessionEnd, AgentID: "host", Depth: 0},
	})

	history, err := ReplayEventLog(path)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestReplayEventLogSkipsTornLine(t *testing.T) {
	path := writeEventLog(t, []types.Event{
		{Kind: types.EventPerceive, AgentID: "root", Depth: 0, Payload: &types.PerceivePayload{Goal: "goal"}},
		assistantEvent("answer", 0),
	}, `{"kind":"plan_end","timestamp":17`)

	history, err := ReplayEventLog(path)
	require.NoError(t, err)

	// The torn trailing write is skipped, everything before it survives.
	require.Len(t, history, 2)
	assert.Equal(t, "goal", history[0].Text())
	assert.Equal(t, "answer", history[1].Text())
}

func TestReplayEventLogMissingFile(t *testing.T) {
	_, err := ReplayEventLog(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Error(t, err)
}

func TestReadEventLogKeepsEveryDepth(t *testing.T) {
	path := writeEventLog(t, []types.Event{
		{Kind: types.EventSessionStart, AgentID: "host", Depth: 0},
		{Kind: types.EventPerceive, AgentID: "root", Depth: 0, Payload: &types.PerceivePayload{Goal: "goal"}},
		assistantEvent("sub-agent plan", 2),
	}, `{"kind":"plan_end","timestamp":17`)

	events, err := ReadEventLog(path)
	require.NoError(t, err)

	// Raw reads keep bookkeeping and sub-agent events, skipping only the
	// torn line.
	require.Len(t, events, 3)
	assert.Equal(t, types.EventSessionStart, events[0].Kind)
	assert.Equal(t, types.EventPerceive, events[1].Kind)
	assert.Equal(t, 2, events[2].Depth)
}

func TestMessageFromEventVerbatimParts(t *testing.T) {
	msg := types.Message{
		Role: types.RoleAssistant,
		Parts: []types.Part{
			&types.TextPart{Type: types.PartTypeText, Text: "thinking done"},
			&types.ToolUsePart{Type: types.PartTypeToolUse, ID: "call_9", Name: "grep", Arguments: json.RawMessage(`{"pattern":"x"}`)},
		},
	}
	ev := types.Event{Kind: types.EventPlanEnd, Depth: 0, Payload: &types.PlanEndPayload{AssistantMessage: &msg}}

	got, ok := MessageFromEvent(ev)
	require.True(t, ok)
	// The embedded message is yielded verbatim, tool-use parts included.
	assert.Equal(t, msg, got)
}
