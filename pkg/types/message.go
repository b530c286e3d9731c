// Package types defines the shared data model of the tiller runtime:
// session events, commands, and conversation messages. Events and commands
// are tagged unions (a kind discriminant plus one typed payload per kind)
// so that consumers switch exhaustively instead of probing loose maps.
package types

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one turn of conversation history: a role plus an ordered
// sequence of content parts. Messages are produced either by mirroring live
// events or by replaying the durable log; while a session is live they are
// owned exclusively by its controller.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewTextMessage returns a message holding a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:  role,
		Parts: []Part{&TextPart{Type: PartTypeText, Text: text}},
	}
}

// Text concatenates the message's text-bearing parts. Tool results count;
// tool invocations and reasoning do not.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch part := p.(type) {
		case *TextPart:
			b.WriteString(part.Text)
		case *ToolResultPart:
			b.WriteString(part.Content)
		}
	}
	return b.String()
}

// UnmarshalJSON decodes the message and resolves each part by its type
// discriminant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Parts = nil
	for _, rp := range raw.Parts {
		p, err := UnmarshalPart(rp)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}
