package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tillerhq/tiller/internal/bus"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/pkg/types"
)

const scriptedAgentID = "scripted"

// ScriptedAgent plays a Script against a session bus. One agent serves one
// run, the way factory-produced agents do.
type ScriptedAgent struct {
	script *Script
	bus    *bus.Bus

	mu      sync.Mutex
	steers  []string
	steerCh chan string
}

// NewScriptedAgent builds an agent that emits on events.
func NewScriptedAgent(script *Script, events *bus.Bus) *ScriptedAgent {
	return &ScriptedAgent{
		script:  script,
		bus:     events,
		steerCh: make(chan string, 16),
	}
}

// Steer records the guidance and wakes any await_steer step.
func (a *ScriptedAgent) Steer(text string) {
	a.mu.Lock()
	a.steers = append(a.steers, text)
	a.mu.Unlock()

	select {
	case a.steerCh <- text:
	default:
	}
}

// Steers returns the guidance received so far.
func (a *ScriptedAgent) Steers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.steers...)
}

// Run plays the steps of the first rule matching goal, or the default reply
// when no rule matches.
func (a *ScriptedAgent) Run(ctx context.Context, goal string) (session.RunResult, error) {
	a.bus.EmitEvent(types.EventPerceive, scriptedAgentID, 0, &types.PerceivePayload{Goal: goal})

	steps := []Step{{Reply: a.script.Defaults.Reply}}
	if rule := a.script.FindRule(goal); rule != nil {
		steps = rule.Steps
	}

	delay := time.Duration(a.script.Settings.StepDelayMS) * time.Millisecond

	turn := 0
	output := ""
	for _, step := range steps {
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return session.RunResult{Output: output, Turns: turn}, err
			}
		}
		if step.WaitMS > 0 {
			if err := sleep(ctx, time.Duration(step.WaitMS)*time.Millisecond); err != nil {
				return session.RunResult{Output: output, Turns: turn}, err
			}
		}
		if step.AwaitSteer {
			select {
			case <-ctx.Done():
				return session.RunResult{Output: output, Turns: turn}, ctx.Err()
			case text := <-a.steerCh:
				turn++
				output = "steered: " + text
				a.reply(output, turn, step)
			}
			continue
		}
		if step.Tool != "" {
			msg := types.Message{
				Role: types.RoleTool,
				Parts: []types.Part{&types.ToolResultPart{
					Type:       types.PartTypeToolResult,
					ToolCallID: fmt.Sprintf("call_%s_%03d", step.Tool, turn+1),
					Content:    step.ToolResult,
				}},
			}
			a.bus.EmitEvent(types.EventPrimitiveEnd, scriptedAgentID, 0, &types.PrimitiveEndPayload{
				Name:              step.Tool,
				ToolResultMessage: &msg,
			})
		}
		if step.Reply != "" {
			turn++
			output = step.Reply
			a.reply(step.Reply, turn, step)
		}
	}

	return session.RunResult{Output: output, Success: true, Turns: turn}, nil
}

func (a *ScriptedAgent) reply(text string, turn int, step Step) {
	msg := types.NewTextMessage(types.RoleAssistant, text)
	a.bus.EmitEvent(types.EventPlanEnd, scriptedAgentID, 0, &types.PlanEndPayload{
		AssistantMessage:  &msg,
		ContextTokens:     step.ContextTokens,
		ContextWindowSize: step.ContextWindow,
		Turn:              turn,
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ScriptedFactory builds scripted agents and records what each run was
// given, so tests can reach the live agent and inspect factory inputs.
type ScriptedFactory struct {
	Script *Script

	// Summarize wires host-side compaction with a canned summarizer.
	Summarize bool

	mu     sync.Mutex
	agents []*ScriptedAgent
	opts   []session.FactoryOptions
}

// Factory returns the session.AgentFactory backed by this script.
func (f *ScriptedFactory) Factory() session.AgentFactory {
	return func(ctx context.Context, opts session.FactoryOptions) (*session.FactoryResult, error) {
		agent := NewScriptedAgent(f.Script, opts.Events)

		f.mu.Lock()
		f.agents = append(f.agents, agent)
		f.opts = append(f.opts, opts)
		f.mu.Unlock()

		res := &session.FactoryResult{Agent: agent}
		if f.Summarize {
			res.Compact = func(ctx context.Context, history *[]types.Message, logPath string) (session.CompactResult, error) {
				return session.CompactHistory(ctx, history, logPath, cannedSummarizer)
			}
		}
		return res, nil
	}
}

func cannedSummarizer(ctx context.Context, history []types.Message, instruction string) (string, error) {
	return fmt.Sprintf("Summary of %d earlier messages.", len(history)), nil
}

// Runs returns how many times the factory built an agent.
func (f *ScriptedFactory) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.agents)
}

// LastAgent returns the most recently built agent, or nil before the first
// run.
func (f *ScriptedFactory) LastAgent() *ScriptedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.agents) == 0 {
		return nil
	}
	return f.agents[len(f.agents)-1]
}

// LastOptions returns the factory options of the most recent run.
func (f *ScriptedFactory) LastOptions() session.FactoryOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opts) == 0 {
		return session.FactoryOptions{}
	}
	return f.opts[len(f.opts)-1]
}

// EventRecorder captures bus events for later assertions.
type EventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

// Attach subscribes the recorder to a bus and returns the unsubscribe.
func (r *EventRecorder) Attach(b *bus.Bus) func() {
	return b.OnEvent(r.record)
}

func (r *EventRecorder) record(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a snapshot in emission order.
func (r *EventRecorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// Kinds returns the recorded kinds in emission order.
func (r *EventRecorder) Kinds() []types.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]types.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Has reports whether an event of kind was recorded.
func (r *EventRecorder) Has(kind types.EventKind) bool {
	return r.Count(kind) > 0
}

// Count returns how many events of kind were recorded.
func (r *EventRecorder) Count(kind types.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// First returns the first recorded event of kind.
func (r *EventRecorder) First(kind types.EventKind) (types.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return types.Event{}, false
}
