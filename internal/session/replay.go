package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tillerhq/tiller/pkg/types"
)

const logSuffix = ".jsonl"

// Log lines can carry whole assistant messages, so size the scanner well
// past bufio's default 64KB token limit.
const maxLogLineBytes = 16 * 1024 * 1024

// EventLogPath returns the durable event log location for a session under
// dir.
func EventLogPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+logSuffix)
}

// ReadEventLog decodes every event in a session's JSONL log, in file order.
// Lines that fail to parse are skipped: the only way one arises is a write
// torn by a crash, and readers have to survive exactly that.
func ReadEventLog(path string) ([]types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineBytes)

	var events []types.Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

// ReplayEventLog reconstructs conversation history from a session's JSONL
// event log. Events from delegated sub-agents (depth != 0) are discarded,
// and the rest fold through MessageFromEvent in file order, which makes the
// result deterministic for a given log.
func ReplayEventLog(path string) ([]types.Message, error) {
	events, err := ReadEventLog(path)
	if err != nil {
		return nil, err
	}

	var history []types.Message
	for _, ev := range events {
		if ev.Depth != 0 {
			continue
		}
		if msg, ok := MessageFromEvent(ev); ok {
			history = append(history, msg)
		}
	}
	return history, nil
}

// MessageFromEvent maps one event to the history message it contributes, if
// any: a perceive with a goal becomes a user message, a plan_end carrying an
// assistant message yields it verbatim, and a primitive_end carrying a tool
// result yields it verbatim. Everything else contributes nothing, including
// plan ends that only report bookkeeping. Live mirroring and replay share
// this fold, which is what keeps a resumed history identical to the one the
// original process saw.
func MessageFromEvent(ev types.Event) (types.Message, bool) {
	switch p := ev.Payload.(type) {
	case *types.PerceivePayload:
		if p.Goal == "" {
			return types.Message{}, false
		}
		return types.NewTextMessage(types.RoleUser, p.Goal), true
	case *types.PlanEndPayload:
		if p.AssistantMessage == nil {
			return types.Message{}, false
		}
		return *p.AssistantMessage, true
	case *types.PrimitiveEndPayload:
		if p.ToolResultMessage == nil {
			return types.Message{}, false
		}
		return *p.ToolResultMessage, true
	default:
		return types.Message{}, false
	}
}
