package types

import "encoding/json"

// Part is one element of a message's content sequence.
type Part interface {
	PartType() string
}

// Part type discriminants.
const (
	PartTypeText       = "text"
	PartTypeToolUse    = "tool_use"
	PartTypeToolResult = "tool_result"
	PartTypeReasoning  = "reasoning"
)

// TextPart holds plain text content.
type TextPart struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (p *TextPart) PartType() string { return PartTypeText }

// ToolUsePart records a tool invocation requested by the assistant. The
// arguments are kept raw; the runtime transports them without interpreting.
type ToolUsePart struct {
	Type      string          `json:"type"` // always "tool_use"
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (p *ToolUsePart) PartType() string { return PartTypeToolUse }

// ToolResultPart carries the outcome of a tool invocation back into history.
type ToolResultPart struct {
	Type       string `json:"type"` // always "tool_result"
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

func (p *ToolResultPart) PartType() string { return PartTypeToolResult }

// ReasoningPart holds extended thinking content.
type ReasoningPart struct {
	Type string `json:"type"` // always "reasoning"
	Text string `json:"text"`
}

func (p *ReasoningPart) PartType() string { return PartTypeReasoning }

// UnmarshalPart decodes one part by its type discriminant. Unknown types
// decode as text parts so a transcript written by a newer producer still
// round-trips.
func UnmarshalPart(data []byte) (Part, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case PartTypeToolUse:
		var p ToolUsePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case PartTypeToolResult:
		var p ToolResultPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case PartTypeReasoning:
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
}
