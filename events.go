package reudp

import "github.com/1ureka/reudp/internal/engine"

// Event is surfaced on the handle's Events channel for conditions that are
// not errors of any one call: a reliable message that was sent successfully
// but never acknowledged, or a peer evicted for silence.
type Event = engine.Event

// EventKind discriminates events.
type EventKind = engine.EventKind

const (
	// EventDeliveryFailed: a reliable message exhausted its retry ceiling.
	// Event.Seq holds the failed sequence number.
	EventDeliveryFailed = engine.EventDeliveryFailed

	// EventPeerTimedOut: a peer passed the dead-peer threshold and its
	// session (including all pending messages) was removed.
	EventPeerTimedOut = engine.EventPeerTimedOut
)
