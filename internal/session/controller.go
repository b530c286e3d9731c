package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/tillerhq/tiller/internal/bus"
	"github.com/tillerhq/tiller/internal/eventlog"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/pkg/types"
)

// hostAgentID marks runtime-originated events on the bus and in the log,
// as opposed to events the agent emits about itself.
const hostAgentID = "host"

// ErrClosed is returned for operations on a closed controller.
var ErrClosed = errors.New("session controller closed")

// Options configure one controller.
type Options struct {
	// SessionID resumes an existing identity; empty mints a fresh ULID.
	SessionID string

	// InitialHistory seeds the shadow history, normally the messages
	// replayed from a previous process's event log.
	InitialHistory []types.Message

	// RootAgent names the agent definition the factory should load.
	RootAgent string

	// Model is the session default; switch_model overrides it at runtime.
	Model string

	GenomePath   string
	BootstrapDir string
	WorkDir      string

	// SessionsDir roots both the metadata snapshot and the event log.
	SessionsDir string

	// Factory builds the agent for each run. Required.
	Factory AgentFactory

	// Bus is the session's event and command hub. A fresh one is created
	// when nil.
	Bus *bus.Bus

	// Log is a shared durable log writer. The controller creates and owns
	// one when nil.
	Log *eventlog.Writer
}

// Controller is the single state machine over one session's lifecycle. It
// listens on the bus for commands, drives agent runs through the factory,
// mirrors depth-0 events into the shadow history, persists metadata, and
// feeds every event to the durable log.
//
// All bus dispatch is synchronous, so command handling must never block on
// a run; runs execute on their own goroutine and the controller tracks them
// under its lock.
type Controller struct {
	opts Options

	bus     *bus.Bus
	log     *eventlog.Writer
	ownsLog bool

	mu            sync.Mutex
	id            string
	meta          *Metadata
	hasRun        bool
	running       bool
	modelOverride string
	agent         RunnableAgent
	compactFn     CompactFunc
	cancelRun     context.CancelFunc
	closed        bool

	// histMu guards the shadow history separately from c.mu so mirroring
	// never contends with command handling, and so a compaction callback
	// can hold the history without stalling the rest of the controller.
	histMu  sync.Mutex
	history []types.Message

	compacting atomic.Bool

	unsubEvents   func()
	unsubCommands func()
}

// New builds a controller and performs crash recovery for resumed IDs
// before any command is accepted. It does not start a run.
func New(opts Options) (*Controller, error) {
	if opts.Factory == nil {
		return nil, errors.New("session: factory is required")
	}
	if opts.SessionsDir == "" {
		return nil, errors.New("session: sessions dir is required")
	}

	id := opts.SessionID
	if id == "" {
		id = generateID()
	}

	c := &Controller{
		opts: opts,
		bus:  opts.Bus,
		log:  opts.Log,
		id:   id,
	}
	if c.bus == nil {
		c.bus = bus.New()
	}
	if c.log == nil {
		w, err := eventlog.New(c.reportDroppedRecord)
		if err != nil {
			return nil, err
		}
		c.log = w
		c.ownsLog = true
	}

	meta, err := LoadIfExists(opts.SessionsDir, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = NewMetadata(opts.SessionsDir, id, opts.RootAgent, opts.Model)
	} else {
		if meta.Model == "" {
			meta.Model = opts.Model
		}
		if meta.AgentSpec == "" {
			meta.AgentSpec = opts.RootAgent
		}
	}
	c.meta = meta

	if len(opts.InitialHistory) > 0 {
		c.history = append([]types.Message(nil), opts.InitialHistory...)
	}

	c.unsubEvents = c.bus.OnEvent(c.handleEvent)
	c.unsubCommands = c.bus.OnCommand(c.handleCommand)
	return c, nil
}

func generateID() string {
	return ulid.Make().String()
}

// SessionID returns the current identity; clear changes it.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Status returns the lifecycle state from the metadata snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.Status
}

// Metadata returns a copy of the current metadata snapshot.
func (c *Controller) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.meta
}

// History returns a snapshot of the shadow history.
func (c *Controller) History() []types.Message {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	return append([]types.Message(nil), c.history...)
}

// Bus exposes the session's event and command hub.
func (c *Controller) Bus() *bus.Bus {
	return c.bus
}

// LogPath returns the durable event log location for the current identity.
func (c *Controller) LogPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return EventLogPath(c.opts.SessionsDir, c.id)
}

// SubmitGoal starts an agent run for goal and blocks until it finishes.
// If a run is already active the goal is routed to the live agent as
// steering instead, and no second run starts.
func (c *Controller) SubmitGoal(ctx context.Context, goal string) (RunResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return RunResult{}, ErrClosed
	}
	if c.running {
		agent := c.agent
		c.mu.Unlock()
		if agent != nil {
			agent.Steer(goal)
		} else {
			logging.Debug().Msg("goal submitted while run is starting, steering dropped")
		}
		return RunResult{}, nil
	}
	c.running = true
	first := !c.hasRun
	sessionID := c.id
	model := c.currentModelLocked()
	c.mu.Unlock()

	c.histMu.Lock()
	initial := append([]types.Message(nil), c.history...)
	c.histMu.Unlock()

	c.setStatus(StatusRunning)

	// Every run gets its own cancel scope; interrupt fires this one and
	// the next run starts with a fresh one.
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	finalStatus := StatusIdle
	var learn LearnProcess
	defer func() {
		if learn != nil {
			learn.StopBackground()
		}
		cancel()
		c.mu.Lock()
		c.running = false
		c.agent = nil
		c.cancelRun = nil
		c.mu.Unlock()
		c.setStatus(finalStatus)
	}()

	res, err := c.opts.Factory(runCtx, FactoryOptions{
		GenomePath:     c.opts.GenomePath,
		BootstrapDir:   c.opts.BootstrapDir,
		WorkDir:        c.opts.WorkDir,
		RootAgent:      c.opts.RootAgent,
		SessionID:      sessionID,
		Model:          model,
		Events:         c.bus,
		InitialHistory: initial,
	})
	if err != nil {
		ferr := fmt.Errorf("agent factory: %w", err)
		c.bus.EmitEvent(types.EventError, hostAgentID, 0, &types.ErrorPayload{Error: ferr.Error()})
		return RunResult{}, ferr
	}

	c.mu.Lock()
	c.agent = res.Agent
	c.hasRun = true
	if res.Compact != nil {
		c.compactFn = res.Compact
	}
	c.mu.Unlock()

	if res.Learn != nil {
		learn = res.Learn
		learn.StartBackground()
	}

	if first {
		if len(initial) > 0 {
			c.bus.EmitEvent(types.EventSessionResume, hostAgentID, 0, &types.SessionResumePayload{HistoryLength: len(initial)})
		} else {
			c.bus.EmitEvent(types.EventSessionStart, hostAgentID, 0, nil)
		}
	}

	result, runErr := res.Agent.Run(runCtx, goal)

	if runCtx.Err() != nil || errors.Is(runErr, context.Canceled) {
		finalStatus = StatusInterrupted
		c.bus.EmitEvent(types.EventInterrupted, hostAgentID, 0, &types.InterruptedPayload{Message: "run interrupted"})
		return result, nil
	}
	if runErr != nil {
		werr := fmt.Errorf("agent run: %w", runErr)
		c.bus.EmitEvent(types.EventError, hostAgentID, 0, &types.ErrorPayload{Error: werr.Error()})
		return result, werr
	}
	return result, nil
}

// Steer forwards guidance to the in-flight run, if any.
func (c *Controller) Steer(text string) {
	c.mu.Lock()
	agent := c.agent
	running := c.running
	c.mu.Unlock()
	if running && agent != nil {
		agent.Steer(text)
	}
}

// Interrupt cancels the in-flight run. Idle sessions ignore it.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	cancel := c.cancelRun
	running := c.running
	c.mu.Unlock()
	if running && cancel != nil {
		cancel()
	}
}

// Compact requests a history compaction. With a compaction callback wired
// it runs on the live shadow history; otherwise the request is forwarded to
// an agent that accepts compaction requests, and dropped when neither
// exists.
func (c *Controller) Compact(ctx context.Context) {
	c.mu.Lock()
	fn := c.compactFn
	agent := c.agent
	c.mu.Unlock()

	if fn != nil {
		c.runCompaction(ctx, fn)
		return
	}
	if req, ok := agent.(CompactionRequester); ok {
		req.RequestCompaction()
	}
}

// Clear abandons the current identity: fresh session ID, empty shadow
// history, first-run state rewound. The old session's log and metadata stay
// on disk untouched.
func (c *Controller) Clear() {
	c.mu.Lock()
	newID := generateID()
	c.id = newID
	c.hasRun = false
	c.meta = NewMetadata(c.opts.SessionsDir, newID, c.opts.RootAgent, c.opts.Model)
	c.mu.Unlock()

	c.histMu.Lock()
	c.history = nil
	c.histMu.Unlock()

	c.bus.EmitEvent(types.EventSessionClear, hostAgentID, 0, &types.SessionClearPayload{NewSessionID: newID})
}

// SwitchModel sets the model override for subsequent runs. Empty restores
// the session default. The in-flight run, if any, is not affected.
func (c *Controller) SwitchModel(model string) {
	c.mu.Lock()
	c.modelOverride = model
	c.mu.Unlock()
}

// Close emits session_end, detaches from the bus, and releases the log
// writer when the controller owns it. An in-flight run is canceled.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancelRun
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.bus.EmitEvent(types.EventSessionEnd, hostAgentID, 0, nil)
	c.unsubEvents()
	c.unsubCommands()

	if c.ownsLog {
		return c.log.Close()
	}
	// Shared writer: leave it running but make sure this session's records
	// are on disk before the identity can be reopened.
	c.log.Flush()
	return nil
}

// handleCommand is the bus command dispatcher. It runs synchronously on the
// emitter's goroutine, so anything long-lived moves to its own goroutine.
func (c *Controller) handleCommand(cmd types.Command) {
	switch cmd.Kind {
	case types.CommandSubmitGoal:
		goal := ""
		if p, ok := cmd.Payload.(*types.SubmitGoalPayload); ok {
			goal = p.Goal
		}
		go func() {
			if _, err := c.SubmitGoal(context.Background(), goal); err != nil {
				logging.Error().Err(err).Str("session", c.SessionID()).Msg("run failed")
			}
		}()
	case types.CommandSteer:
		if p, ok := cmd.Payload.(*types.SteerPayload); ok {
			c.Steer(p.Text)
		}
	case types.CommandInterrupt, types.CommandQuit:
		c.Interrupt()
	case types.CommandCompact:
		go c.Compact(context.Background())
	case types.CommandClear:
		c.Clear()
	case types.CommandSwitchModel:
		model := ""
		if p, ok := cmd.Payload.(*types.SwitchModelPayload); ok {
			model = p.Model
		}
		c.SwitchModel(model)
	}
}

// handleEvent feeds every event to the durable log in dispatch order, then
// applies the depth-0 bookkeeping: history mirroring, metadata updates, and
// the auto-compaction check.
func (c *Controller) handleEvent(ev types.Event) {
	// Warnings stay out of the durable log: they are runtime diagnostics,
	// replay ignores them, and persisting warnings about a failing log
	// would feed the failure back into itself.
	if ev.Kind != types.EventWarning {
		if err := c.log.Enqueue(c.LogPath(), ev); err != nil && !errors.Is(err, eventlog.ErrWriterClosed) {
			c.emitWarning(fmt.Sprintf("event log enqueue failed: %v", err))
		}
	}

	if ev.Depth != 0 {
		return
	}

	if msg, ok := MessageFromEvent(ev); ok {
		c.histMu.Lock()
		c.history = append(c.history, msg)
		c.histMu.Unlock()
	}

	switch p := ev.Payload.(type) {
	case *types.PlanEndPayload:
		c.recordTurn(p)
	case *types.ContextUpdatePayload:
		c.recordContext(p.ContextTokens, p.ContextWindowSize)
	}
}

// recordTurn persists turn bookkeeping from a plan_end and kicks off
// auto-compaction when context usage crosses the threshold.
func (c *Controller) recordTurn(p *types.PlanEndPayload) {
	c.mu.Lock()
	turns := p.Turn
	if turns <= 0 {
		turns = c.meta.Turns + 1
	}
	tokens := c.meta.ContextTokens
	if p.ContextTokens > 0 {
		tokens = p.ContextTokens
	}
	window := c.meta.ContextWindowSize
	if p.ContextWindowSize > 0 {
		window = p.ContextWindowSize
	}
	c.meta.UpdateTurn(turns, tokens, window)
	err := c.meta.Save()
	fn := c.compactFn
	c.mu.Unlock()

	if err != nil {
		c.emitWarning(fmt.Sprintf("persist metadata: %v", err))
	}

	if fn != nil && ShouldCompact(p.ContextTokens, p.ContextWindowSize) {
		go c.runCompaction(context.Background(), fn)
	}
}

func (c *Controller) recordContext(tokens, window int) {
	c.mu.Lock()
	if tokens > 0 {
		c.meta.ContextTokens = tokens
	}
	if window > 0 {
		c.meta.ContextWindowSize = window
	}
	err := c.meta.Save()
	c.mu.Unlock()

	if err != nil {
		c.emitWarning(fmt.Sprintf("persist metadata: %v", err))
	}
}

// runCompaction invokes the compaction callback on the live shadow history.
// At most one compaction is in flight at a time; overlapping triggers are
// dropped. The callback runs under the history lock, so event mirroring
// stalls until it returns; the callback must not emit bus events.
func (c *Controller) runCompaction(ctx context.Context, fn CompactFunc) {
	if !c.compacting.CompareAndSwap(false, true) {
		return
	}
	defer c.compacting.Store(false)

	logPath := c.LogPath()
	model := c.currentModel()

	c.histMu.Lock()
	res, err := fn(ctx, &c.history, logPath)
	var tokens int
	if err == nil {
		tokens = EstimateTokens(model, c.history)
	}
	c.histMu.Unlock()

	if err != nil {
		c.emitWarning(fmt.Sprintf("compaction failed: %v", err))
		return
	}
	if res.AfterCount == res.BeforeCount {
		return
	}

	c.bus.EmitEvent(types.EventCompaction, hostAgentID, 0, &types.CompactionPayload{
		Summary:     res.Summary,
		BeforeCount: res.BeforeCount,
		AfterCount:  res.AfterCount,
	})

	c.mu.Lock()
	window := c.meta.ContextWindowSize
	c.mu.Unlock()
	if window > 0 {
		c.bus.EmitEvent(types.EventContextUpdate, hostAgentID, 0, &types.ContextUpdatePayload{
			ContextTokens:     tokens,
			ContextWindowSize: window,
		})
	}
}

func (c *Controller) currentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentModelLocked()
}

func (c *Controller) currentModelLocked() string {
	if c.modelOverride != "" {
		return c.modelOverride
	}
	if c.meta.Model != "" {
		return c.meta.Model
	}
	return c.opts.Model
}

// setStatus persists a lifecycle transition. Failures degrade to a warning
// event; persistence is never allowed to kill a session.
func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	c.meta.Status = status
	err := c.meta.Save()
	c.mu.Unlock()

	if err != nil {
		c.emitWarning(fmt.Sprintf("persist metadata: %v", err))
	}
}

func (c *Controller) emitWarning(msg string) {
	logging.Warn().Str("session", c.SessionID()).Msg(msg)
	c.bus.EmitEvent(types.EventWarning, hostAgentID, 0, &types.WarningPayload{Message: msg})
}

// reportDroppedRecord surfaces a record the log writer gave up on.
func (c *Controller) reportDroppedRecord(path string, err error) {
	c.emitWarning(fmt.Sprintf("event log append failed for %s: %v", path, err))
}
