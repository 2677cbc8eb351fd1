// Package engine defines the boundary to the reliable-delivery engine.
//
// The multiplexer does not implement retransmission, congestion control, or
// reassembly. It feeds raw datagrams into an Engine and surfaces the engine's
// ordered payloads to stream callers. Any ARQ implementation that satisfies
// the Engine interface can sit behind a session; the datagram engine in this
// package is the minimal one used by tests and the demo daemon.
package engine

import (
	"context"
	"errors"

	"github.com/telemux/convmux/internal/protocol"
)

// ErrEngineClosed is returned by engine operations after Close.
var ErrEngineClosed = errors.New("engine closed")

// Output is how an engine emits raw datagrams toward the peer. The session
// that owns the engine supplies one bound to the shared socket.
type Output interface {
	// WritePacket sends one complete datagram, header included.
	WritePacket(pkt []byte) error
}

// Options is an opaque set of engine tuning parameters. The multiplexer
// passes it through from configuration without interpreting it.
type Options map[string]string

// Engine is one conversation's reliable-delivery state machine.
type Engine interface {
	// Input feeds one raw datagram received from the socket, header included.
	Input(pkt []byte) error

	// Read returns the next ordered payload for the stream caller.
	Read(ctx context.Context) ([]byte, error)

	// Write queues caller bytes for transmission to the peer.
	Write(ctx context.Context, b []byte) (int, error)

	// Close releases the engine. Further calls fail with ErrEngineClosed.
	Close() error
}

// ConvSetter is implemented by engines that can adopt a server-assigned
// conversation ID after creation. The client dial helper uses it once it
// learns the ID the listener allocated.
type ConvSetter interface {
	SetConv(conv protocol.ConvID)
}

// Factory constructs the engine for a new conversation. A factory error is a
// session-creation failure: the listener drops the datagram and leaves the
// conversation table unchanged.
type Factory func(conv protocol.ConvID, out Output, opts Options) (Engine, error)
