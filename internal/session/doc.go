// Package session implements the host-side runtime for autonomous agent
// sessions: identity, lifecycle, history, persistence, and recovery.
//
// The package deliberately contains no model calls. Everything that talks
// to an LLM lives behind the AgentFactory contract; the runtime's job is to
// keep a durable, resumable record of what happened and to route control
// commands to whatever agent is currently running.
//
// # Architecture Overview
//
// The package is built around a few components:
//
//   - Controller: the single state machine over one session's lifecycle
//   - Metadata: the persisted snapshot other processes list and inspect
//   - Replay: deterministic history reconstruction from the event log
//   - Compaction: threshold policy plus the history folding primitive
//   - AgentFactory: the contract an embedding agent implementation fulfils
//
// # The Controller
//
// A Controller owns one session. It subscribes to the session bus, so the
// same behavior is reachable both through Go calls and through commands:
//
//	ctrl, err := session.New(session.Options{
//		SessionsDir: "/var/lib/tiller/sessions",
//		RootAgent:   "researcher",
//		Model:       "gpt-4o",
//		Factory:     myFactory,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	result, err := ctrl.SubmitGoal(ctx, "summarize the error budget")
//
// Commands arrive over the bus as well:
//
//	ctrl.Bus().EmitCommand(types.NewSubmitGoal("summarize the error budget"))
//	ctrl.Bus().EmitCommand(types.NewSteer("prefer the staging data"))
//	ctrl.Bus().EmitCommand(types.NewInterrupt())
//
// Submitting a goal while a run is active never starts a second run; the
// text is routed to the live agent as steering.
//
// # Event Log and Replay
//
// Every event on the bus is appended to <sessionsDir>/<sessionId>.jsonl in
// dispatch order. ReplayEventLog folds that file back into conversation
// history: perceive becomes the user's goal message, plan_end and
// primitive_end contribute their embedded messages verbatim, and events
// from delegated sub-agents (depth != 0) are dropped. The controller
// mirrors live depth-0 events through the same fold, so a history rebuilt
// after a crash matches the shadow history the process would have had.
//
// # Compaction
//
// When a plan_end reports context usage at or past 80% of the window, the
// controller folds everything but the most recent messages into one
// summary message using the factory-provided callback. Manual compact
// commands go through the same path. The summarizer is the agent's; the
// runtime only supplies the policy and the provenance wrapper pointing at
// the full transcript.
//
// # Crash Recovery
//
// Metadata is written through temp-file renames, and the log is append
// only. On resume, a snapshot still marked running is healed to
// interrupted, torn trailing log lines are skipped, and the replayed
// history seeds the next run, which announces itself with session_resume.
//
// # Thread Safety
//
// All Controller methods are safe for concurrent use. Bus dispatch is
// synchronous on the emitter's goroutine; command handlers therefore hand
// long-running work to their own goroutines, and the history lock is kept
// separate so mirroring never contends with command handling.
package session
