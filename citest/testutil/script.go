// Package testutil provides test doubles for the session runtime,
// centered on a deterministic scripted agent configured through YAML.
package testutil

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script defines the YAML schema for a scripted agent. A script maps goals
// to step sequences; a run plays the steps of the first matching rule.
type Script struct {
	Settings ScriptSettings `yaml:"settings"`
	Defaults ScriptDefaults `yaml:"defaults"`
	Rules    []GoalRule     `yaml:"rules"`
}

// ScriptSettings configures scripted run pacing.
type ScriptSettings struct {
	StepDelayMS int `yaml:"step_delay_ms"` // Pause before each step
}

// ScriptDefaults defines fallback behavior.
type ScriptDefaults struct {
	Reply string `yaml:"reply"` // Single reply when no rule matches
}

// GoalRule maps matching goals to a step sequence.
type GoalRule struct {
	Name  string      `yaml:"name"`  // Optional rule name for debugging
	Match MatchConfig `yaml:"match"` // How to match the goal
	Steps []Step      `yaml:"steps"` // Steps to play, in order
}

// MatchConfig defines how to match a goal.
type MatchConfig struct {
	// Simple string matching (case-insensitive contains)
	Contains string `yaml:"contains"`

	// All strings must be present (case-insensitive)
	ContainsAll []string `yaml:"contains_all"`

	// Exact match (case-insensitive)
	Exact string `yaml:"exact"`
}

// Step is one action in a scripted run. Actions within a step execute in a
// fixed order: wait, await_steer, tool, reply.
type Step struct {
	// Reply emits an assistant turn with this text.
	Reply string `yaml:"reply"`

	// ContextTokens/ContextWindow ride on the reply's turn report, for
	// steps that should move the session's usage counters.
	ContextTokens int `yaml:"context_tokens"`
	ContextWindow int `yaml:"context_window"`

	// Tool emits a tool result under this tool name before the reply.
	Tool       string `yaml:"tool"`
	ToolResult string `yaml:"tool_result"`

	// WaitMS pauses the run. Interrupt cancels the pause.
	WaitMS int `yaml:"wait_ms"`

	// AwaitSteer blocks until steering text arrives, then replies with it
	// prefixed by "steered: ". Interrupt cancels the wait.
	AwaitSteer bool `yaml:"await_steer"`
}

// DefaultScript returns a script with common scenarios used across suites.
func DefaultScript() *Script {
	return &Script{
		Defaults: ScriptDefaults{
			Reply: "done",
		},
		Rules: []GoalRule{
			{
				Name:  "greet",
				Match: MatchConfig{Contains: "hello"},
				Steps: []Step{
					{Reply: "Hello! What are we working on?"},
				},
			},
			{
				Name:  "two-turns",
				Match: MatchConfig{Contains: "plan then act"},
				Steps: []Step{
					{Reply: "First I will plan."},
					{Tool: "bash", ToolResult: "plan.md written"},
					{Reply: "Then I act."},
				},
			},
			{
				Name:  "long-run",
				Match: MatchConfig{Contains: "take your time"},
				Steps: []Step{
					{WaitMS: 30000},
					{Reply: "finally finished"},
				},
			},
			{
				Name:  "steerable",
				Match: MatchConfig{Contains: "await instructions"},
				Steps: []Step{
					{Reply: "Standing by."},
					{AwaitSteer: true},
				},
			},
		},
	}
}

// LoadScript loads a script from a YAML file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, err
	}
	return &script, nil
}

// SaveScript saves a script to a YAML file.
func SaveScript(script *Script, path string) error {
	data, err := yaml.Marshal(script)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Matches checks if the goal matches this rule.
func (m *MatchConfig) Matches(goal string) bool {
	goalLower := strings.ToLower(goal)

	if m.Exact != "" {
		return strings.EqualFold(goal, m.Exact)
	}

	if m.Contains != "" {
		return strings.Contains(goalLower, strings.ToLower(m.Contains))
	}

	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(goalLower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}

	return false
}

// FindRule returns the first rule matching the goal, or nil when none does.
func (s *Script) FindRule(goal string) *GoalRule {
	for i := range s.Rules {
		if s.Rules[i].Match.Matches(goal) {
			return &s.Rules[i]
		}
	}
	return nil
}
