package types

import (
	"encoding/json"
)

// EventKind discriminates session event payloads.
type EventKind string

// Event kinds originated by the runtime itself.
const (
	EventSessionStart  EventKind = "session_start"
	EventSessionResume EventKind = "session_resume"
	EventSessionClear  EventKind = "session_clear"
	EventSessionEnd    EventKind = "session_end"
	EventContextUpdate EventKind = "context_update"
	EventCompaction    EventKind = "compaction"
	EventInterrupted   EventKind = "interrupted"
	EventError         EventKind = "error"
	EventWarning       EventKind = "warning"
)

// Event kinds originated by agents. The runtime observes, logs, and replays
// these but never emits them.
const (
	EventPerceive     EventKind = "perceive"
	EventPlanEnd      EventKind = "plan_end"
	EventPrimitiveEnd EventKind = "primitive_end"
	EventActStart     EventKind = "act_start"
	EventActEnd       EventKind = "act_end"
)

// Event is one entry on the agent→host channel. Depth is the delegation
// depth of the producing agent: 0 is the root session agent, greater values
// are sub-agents. Events are immutable once created and append-only on the
// durable log.
type Event struct {
	Kind      EventKind    `json:"kind"`
	Timestamp int64        `json:"timestamp"` // unix milliseconds
	AgentID   string       `json:"agent_id"`
	Depth     int          `json:"depth"`
	Payload   EventPayload `json:"data,omitempty"`
}

// EventPayload is the closed payload union for Event. Concrete payload types
// all live in this package.
type EventPayload interface {
	isEventPayload()
}

// SessionResumePayload accompanies session_resume.
type SessionResumePayload struct {
	HistoryLength int `json:"history_length"`
}

// SessionClearPayload accompanies session_clear.
type SessionClearPayload struct {
	NewSessionID string `json:"new_session_id"`
}

// ContextUpdatePayload accompanies context_update.
type ContextUpdatePayload struct {
	ContextTokens     int `json:"context_tokens"`
	ContextWindowSize int `json:"context_window_size"`
}

// CompactionPayload accompanies compaction.
type CompactionPayload struct {
	Summary     string `json:"summary"`
	BeforeCount int    `json:"before_count"`
	AfterCount  int    `json:"after_count"`
}

// InterruptedPayload accompanies interrupted.
type InterruptedPayload struct {
	Message string `json:"message"`
}

// ErrorPayload accompanies error. The field is named error on the wire and
// must stay that way: frontends that only watch the event stream key off it.
type ErrorPayload struct {
	Error string `json:"error"`
}

// WarningPayload accompanies warning.
type WarningPayload struct {
	Message string `json:"message"`
}

// PerceivePayload accompanies perceive. A root perceive carries the goal the
// run was started with.
type PerceivePayload struct {
	Goal string `json:"goal,omitempty"`
}

// PlanEndPayload accompanies plan_end. AssistantMessage is absent on
// bookkeeping-only plan ends; the token counters drive auto-compaction.
type PlanEndPayload struct {
	AssistantMessage  *Message `json:"assistant_message,omitempty"`
	ContextTokens     int      `json:"context_tokens,omitempty"`
	ContextWindowSize int      `json:"context_window_size,omitempty"`
	Turn              int      `json:"turn,omitempty"`
}

// PrimitiveEndPayload accompanies primitive_end.
type PrimitiveEndPayload struct {
	Name              string   `json:"name,omitempty"`
	ToolResultMessage *Message `json:"tool_result_message,omitempty"`
}

// RawPayload preserves the payload of event kinds the runtime transports but
// does not interpret (act_start, act_end, and anything newer than this
// build). It round-trips the original bytes.
type RawPayload struct {
	Raw json.RawMessage
}

func (p *RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	p.Raw = append(p.Raw[:0], data...)
	return nil
}

func (p *SessionResumePayload) isEventPayload() {}
func (p *SessionClearPayload) isEventPayload()  {}
func (p *ContextUpdatePayload) isEventPayload() {}
func (p *CompactionPayload) isEventPayload()    {}
func (p *InterruptedPayload) isEventPayload()   {}
func (p *ErrorPayload) isEventPayload()         {}
func (p *WarningPayload) isEventPayload()       {}
func (p *PerceivePayload) isEventPayload()      {}
func (p *PlanEndPayload) isEventPayload()       {}
func (p *PrimitiveEndPayload) isEventPayload()  {}
func (p *RawPayload) isEventPayload()           {}

// UnmarshalJSON decodes the envelope and resolves the payload by kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind      EventKind       `json:"kind"`
		Timestamp int64           `json:"timestamp"`
		AgentID   string          `json:"agent_id"`
		Depth     int             `json:"depth"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Kind = raw.Kind
	e.Timestamp = raw.Timestamp
	e.AgentID = raw.AgentID
	e.Depth = raw.Depth
	e.Payload = nil
	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return nil
	}
	p, err := unmarshalEventPayload(raw.Kind, raw.Data)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

func unmarshalEventPayload(kind EventKind, data []byte) (EventPayload, error) {
	switch kind {
	case EventSessionResume:
		var p SessionResumePayload
		return &p, json.Unmarshal(data, &p)
	case EventSessionClear:
		var p SessionClearPayload
		return &p, json.Unmarshal(data, &p)
	case EventContextUpdate:
		var p ContextUpdatePayload
		return &p, json.Unmarshal(data, &p)
	case EventCompaction:
		var p CompactionPayload
		return &p, json.Unmarshal(data, &p)
	case EventInterrupted:
		var p InterruptedPayload
		return &p, json.Unmarshal(data, &p)
	case EventError:
		var p ErrorPayload
		return &p, json.Unmarshal(data, &p)
	case EventWarning:
		var p WarningPayload
		return &p, json.Unmarshal(data, &p)
	case EventPerceive:
		var p PerceivePayload
		return &p, json.Unmarshal(data, &p)
	case EventPlanEnd:
		var p PlanEndPayload
		return &p, json.Unmarshal(data, &p)
	case EventPrimitiveEnd:
		var p PrimitiveEndPayload
		return &p, json.Unmarshal(data, &p)
	default:
		var p RawPayload
		return &p, p.UnmarshalJSON(data)
	}
}
