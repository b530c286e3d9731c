package session

import (
	"context"

	"github.com/tillerhq/tiller/internal/bus"
	"github.com/tillerhq/tiller/pkg/types"
)

// FactoryOptions is everything the runtime hands an agent factory for one
// run. The runtime owns identity, history, and the bus; the factory owns
// everything model-shaped.
type FactoryOptions struct {
	GenomePath   string
	BootstrapDir string
	WorkDir      string
	RootAgent    string
	SessionID    string

	// Model is the override for this run, or the session default.
	Model string

	// Events is the session's bus. The agent emits its events here and may
	// subscribe to commands for kinds the runtime routes through it.
	Events *bus.Bus

	// InitialHistory seeds the agent's context: replayed messages on the
	// first run after a resume, the mirrored shadow history on later runs
	// within one process.
	InitialHistory []types.Message
}

// RunResult is what a completed run reports.
type RunResult struct {
	Output   string `json:"output"`
	Success  bool   `json:"success"`
	Stumbles int    `json:"stumbles"`
	Turns    int    `json:"turns"`
	TimedOut bool   `json:"timed_out"`
}

// RunnableAgent is a live agent produced by a factory for a single run.
type RunnableAgent interface {
	// Run drives the agent until the goal completes, fails, or ctx is
	// canceled. Cancellation is cooperative: the agent must watch ctx and
	// unwind when it fires.
	Run(ctx context.Context, goal string) (RunResult, error)

	// Steer injects guidance into the in-flight run.
	Steer(text string)
}

// CompactionRequester is implemented by agents that can fold a compaction
// request into their own loop. Manual compact commands are forwarded here
// when the factory supplied no CompactFunc.
type CompactionRequester interface {
	RequestCompaction()
}

// LearnProcess is an optional background learner that runs for the duration
// of a run. StopBackground is called on every exit path, including error
// and interrupt.
type LearnProcess interface {
	StartBackground()
	StopBackground()
}

// CompactFunc collapses the live history buffer, typically by closing
// CompactHistory over the agent's own summarizer. Implementations must not
// emit events on the session bus; the controller emits the compaction event
// itself once the callback returns.
type CompactFunc func(ctx context.Context, history *[]types.Message, logPath string) (CompactResult, error)

// FactoryResult is what a factory returns for one run. Agent is required;
// the rest is optional capability.
type FactoryResult struct {
	Agent   RunnableAgent
	Learn   LearnProcess
	Compact CompactFunc
}

// AgentFactory builds a fresh agent for one run.
type AgentFactory func(ctx context.Context, opts FactoryOptions) (*FactoryResult, error)
