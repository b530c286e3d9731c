package types

import (
	"encoding/json"
	"fmt"
)

// CommandKind discriminates host→agent command payloads.
type CommandKind string

const (
	CommandSubmitGoal  CommandKind = "submit_goal"
	CommandSteer       CommandKind = "steer"
	CommandInterrupt   CommandKind = "interrupt"
	CommandQuit        CommandKind = "quit"
	CommandCompact     CommandKind = "compact"
	CommandClear       CommandKind = "clear"
	CommandSwitchModel CommandKind = "switch_model"
)

// Command is one entry on the host→agent channel. Commands are produced by
// frontends, dispatched synchronously, and never buffered or persisted.
type Command struct {
	Kind    CommandKind    `json:"kind"`
	Payload CommandPayload `json:"data,omitempty"`
}

// CommandPayload is the closed payload union for Command. Interrupt, quit,
// compact, and clear carry no payload.
type CommandPayload interface {
	isCommandPayload()
}

// SubmitGoalPayload accompanies submit_goal.
type SubmitGoalPayload struct {
	Goal string `json:"goal"`
}

// SteerPayload accompanies steer.
type SteerPayload struct {
	Text string `json:"text"`
}

// SwitchModelPayload accompanies switch_model. An empty model resets the
// session to its configured default.
type SwitchModelPayload struct {
	Model string `json:"model,omitempty"`
}

func (p *SubmitGoalPayload) isCommandPayload()  {}
func (p *SteerPayload) isCommandPayload()       {}
func (p *SwitchModelPayload) isCommandPayload() {}

// NewSubmitGoal builds a submit_goal command.
func NewSubmitGoal(goal string) Command {
	return Command{Kind: CommandSubmitGoal, Payload: &SubmitGoalPayload{Goal: goal}}
}

// NewSteer builds a steer command.
func NewSteer(text string) Command {
	return Command{Kind: CommandSteer, Payload: &SteerPayload{Text: text}}
}

// NewInterrupt builds an interrupt command.
func NewInterrupt() Command { return Command{Kind: CommandInterrupt} }

// NewQuit builds a quit command.
func NewQuit() Command { return Command{Kind: CommandQuit} }

// NewCompact builds a compact command.
func NewCompact() Command { return Command{Kind: CommandCompact} }

// NewClear builds a clear command.
func NewClear() Command { return Command{Kind: CommandClear} }

// NewSwitchModel builds a switch_model command.
func NewSwitchModel(model string) Command {
	return Command{Kind: CommandSwitchModel, Payload: &SwitchModelPayload{Model: model}}
}

// UnmarshalJSON decodes the envelope and resolves the payload by kind.
// Unlike events, the command set is closed: unknown kinds are an error.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind CommandKind     `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Kind = raw.Kind
	c.Payload = nil

	hasData := len(raw.Data) > 0 && string(raw.Data) != "null"
	switch raw.Kind {
	case CommandSubmitGoal:
		var p SubmitGoalPayload
		if hasData {
			if err := json.Unmarshal(raw.Data, &p); err != nil {
				return err
			}
		}
		c.Payload = &p
	case CommandSteer:
		var p SteerPayload
		if hasData {
			if err := json.Unmarshal(raw.Data, &p); err != nil {
				return err
			}
		}
		c.Payload = &p
	case CommandSwitchModel:
		var p SwitchModelPayload
		if hasData {
			if err := json.Unmarshal(raw.Data, &p); err != nil {
				return err
			}
		}
		c.Payload = &p
	case CommandInterrupt, CommandQuit, CommandCompact, CommandClear:
		// No payload.
	default:
		return fmt.Errorf("unknown command kind %q", raw.Kind)
	}
	return nil
}
