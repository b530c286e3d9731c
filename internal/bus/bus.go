package bus

import (
	"sync"
	"time"

	"github.com/tillerhq/tiller/pkg/types"
)

// Ring sizing. The buffer may overshoot ringCapacity by up to trimChunk
// events between trims; each trim removes exactly the excess over capacity.
const (
	ringCapacity = 10_000
	trimChunk    = 256
)

// EventListener receives events emitted on the agent→host channel.
type EventListener func(types.Event)

// CommandListener receives commands emitted on the host→agent channel.
type CommandListener func(types.Command)

type eventEntry struct {
	id uint64
	fn EventListener
}

type commandEntry struct {
	id uint64
	fn CommandListener
}

// Bus is the dual-channel pub/sub hub for one session. The zero value is not
// usable; construct with New.
type Bus struct {
	mu        sync.Mutex
	events    []types.Event
	eventSubs []eventEntry
	cmdSubs   []commandEntry
	nextID    uint64
	closed    bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		events: make([]types.Event, 0, 64),
	}
}

// OnEvent registers a listener on the event channel and returns its
// unsubscribe closure. Listeners are invoked in registration order.
func (b *Bus) OnEvent(fn EventListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.eventSubs = append(b.eventSubs, eventEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.eventSubs {
			if e.id == id {
				b.eventSubs = append(b.eventSubs[:i], b.eventSubs[i+1:]...)
				break
			}
		}
	}
}

// OnCommand registers a listener on the command channel and returns its
// unsubscribe closure. Listeners are invoked in registration order.
func (b *Bus) OnCommand(fn CommandListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.cmdSubs = append(b.cmdSubs, commandEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.cmdSubs {
			if e.id == id {
				b.cmdSubs = append(b.cmdSubs[:i], b.cmdSubs[i+1:]...)
				break
			}
		}
	}
}

// EmitEvent stamps a timestamp, appends the event to the ring, and invokes
// every event listener synchronously in registration order. It returns the
// stamped event. Dispatch walks a snapshot of the listener list taken under
// the lock, so unsubscribing mid-dispatch does not affect the current pass.
func (b *Bus) EmitEvent(kind types.EventKind, agentID string, depth int, payload types.EventPayload) types.Event {
	ev := types.Event{
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		AgentID:   agentID,
		Depth:     depth,
		Payload:   payload,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev
	}
	b.events = append(b.events, ev)
	if len(b.events) > ringCapacity+trimChunk {
		n := copy(b.events, b.events[len(b.events)-ringCapacity:])
		b.events = b.events[:n]
	}
	subs := make([]EventListener, 0, len(b.eventSubs))
	for _, e := range b.eventSubs {
		subs = append(subs, e.fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return ev
}

// EmitCommand invokes every command listener synchronously in registration
// order. Commands are never buffered.
func (b *Bus) EmitCommand(cmd types.Command) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]CommandListener, 0, len(b.cmdSubs))
	for _, e := range b.cmdSubs {
		subs = append(subs, e.fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(cmd)
	}
}

// Collected returns a snapshot copy of the buffered events, oldest first.
func (b *Bus) Collected() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Event, len(b.events))
	copy(out, b.events)
	return out
}

// ClearEvents empties the ring.
func (b *Bus) ClearEvents() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = b.events[:0]
}

// Close drops all listeners and makes further emissions no-ops. Unsubscribe
// closures obtained earlier remain safe to call.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.eventSubs = nil
	b.cmdSubs = nil
	return nil
}
