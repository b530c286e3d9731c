/*
Package bus implements the dual-channel session bus that connects an agent
loop to its host: agent→host session events on one channel, host→agent
commands on the other. The two channels are independent: they keep separate
listener lists and never observe each other's traffic.

# Events

EmitEvent stamps the event with the current time, appends it to a capped
in-memory ring, and then invokes every event listener synchronously in
registration order. The ring holds the most recent events for inspection and
testing; Collected returns a snapshot copy and ClearEvents empties it.

Trimming the ring is amortized: the buffer is allowed to overshoot its
capacity by a bounded chunk, and a trim then removes exactly the excess over
capacity in one operation. A burst of emissions is therefore trimmed in
batches, never once per event.

# Commands

EmitCommand invokes every command listener synchronously in registration
order. Commands are never buffered: a command emitted with no listener
attached is gone.

# Subscriptions

OnEvent and OnCommand return unsubscribe closures:

	unsubscribe := b.OnEvent(func(ev types.Event) {
		log.Debug().Str("kind", string(ev.Kind)).Msg("event observed")
	})
	defer unsubscribe()

Dispatch walks a snapshot of the listener list, so unsubscribing (or
subscribing) from within a listener never affects the dispatch pass that is
currently in flight; it takes effect from the next emission.

# Listener guidelines

Listeners run synchronously in the emitter's goroutine. They must complete
quickly, must hand slow work to a channel or queue (dropping rather than
blocking when full), and must not acquire locks the emitter might hold.
Re-entrant emission is permitted (the bus holds no lock while listeners
run), but a listener that emits must itself be careful not to recurse
unboundedly.

# Ownership

One bus belongs to one session. The ring, like the session's history, is
exclusively owned by the session's controller; other code reads it only
through Collected's snapshots.
*/
package bus
