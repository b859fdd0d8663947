// Package net provides the delivery service's transport: one outbound TCP
// connection per peer identity, u32 length-prefixed frames, and a timer
// wheel, all driven by a single reactor goroutine. Protocol components only
// see the Transport interface; a real TCP implementation and an in-memory
// implementation for tests both satisfy it.
//
// Concurrency model: per-connection goroutines do nothing but framing and
// push complete frames into the reactor. Every protocol callback — frame
// handlers, timer callbacks, control-line handlers — runs on the reactor
// goroutine, so the protocol state needs no locking.
package net

import (
	"errors"
	"time"
)

// TimerID references a registered timeout.
type TimerID uint64

// ErrShutdown is returned when operations are invoked on a transport after
// it has been closed.
var ErrShutdown = errors.New("net: transport shutdown")

// Transport is the face of the network seen by the protocol components.
// None of its methods may be called from outside the reactor goroutine once
// Run has started.
type Transport interface {
	// Broadcast sends a frame to every connected outbound peer. The local
	// node is not included.
	Broadcast(frame []byte)

	// BroadcastSample sends a frame to those of the given identities that
	// are currently connected. It never opens connections.
	BroadcastSample(ids []string, frame []byte)

	// Send sends a frame to one identity, connecting on demand.
	Send(id string, frame []byte)

	// Connect opens an outbound connection to an identity, resolving its
	// address. Connecting to an already-connected identity is a no-op.
	Connect(id string) error

	// Disconnect closes the outbound connection to an identity, if any.
	Disconnect(id string)

	// RegisterTimeout schedules cb to run on the reactor after d.
	RegisterTimeout(d time.Duration, cb func()) TimerID

	// UnregisterTimeout cancels a timeout. It is idempotent, and guarantees
	// the callback will not fire after it returns.
	UnregisterTimeout(id TimerID)
}

// AddrResolver resolves a peer identity to a dialable address.
type AddrResolver interface {
	Resolve(id string) (string, error)
}

// AddrResolverFunc adapts a function to the AddrResolver interface.
type AddrResolverFunc func(id string) (string, error)

// Resolve implements AddrResolver.
func (f AddrResolverFunc) Resolve(id string) (string, error) {
	return f(id)
}
