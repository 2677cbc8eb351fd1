package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/telemux/convmux/internal/protocol"
)

const (
	// datagramQueue bounds buffered inbound payloads per conversation.
	datagramQueue = 64

	// maxDatagramPayload keeps emitted datagrams under the UDP maximum.
	maxDatagramPayload = 65000
)

// DatagramEngine is a minimal engine with no retransmission or reassembly:
// one datagram carries one message. It exists so the multiplexer can run end
// to end without an ARQ implementation; production deployments supply their
// own Factory.
type DatagramEngine struct {
	out Output

	mu   sync.Mutex
	conv protocol.ConvID

	recv   chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewDatagramFactory returns a Factory producing DatagramEngines.
func NewDatagramFactory() Factory {
	return func(conv protocol.ConvID, out Output, opts Options) (Engine, error) {
		return NewDatagramEngine(conv, out), nil
	}
}

// NewDatagramEngine creates a datagram engine for one conversation.
func NewDatagramEngine(conv protocol.ConvID, out Output) *DatagramEngine {
	return &DatagramEngine{
		out:    out,
		conv:   conv,
		recv:   make(chan []byte, datagramQueue),
		closed: make(chan struct{}),
	}
}

// SetConv adopts a server-assigned conversation ID. Implements ConvSetter.
func (e *DatagramEngine) SetConv(conv protocol.ConvID) {
	e.mu.Lock()
	e.conv = conv
	e.mu.Unlock()
}

// Conv returns the current conversation ID.
func (e *DatagramEngine) Conv() protocol.ConvID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

// Input feeds one raw datagram. The payload after the header becomes one
// message on the read queue. Blocks while the queue is full so backpressure
// lands on the session pump, never on the demux loop.
func (e *DatagramEngine) Input(pkt []byte) error {
	if !protocol.ValidLength(len(pkt)) {
		return fmt.Errorf("datagram too short: %d bytes", len(pkt))
	}

	payload := pkt[protocol.HeaderSize:]

	select {
	case <-e.closed:
		return ErrEngineClosed
	case e.recv <- payload:
		return nil
	}
}

// Read returns the next message payload.
func (e *DatagramEngine) Read(ctx context.Context) ([]byte, error) {
	// Drain buffered payloads even after close.
	select {
	case payload := <-e.recv:
		return payload, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, ErrEngineClosed
	case payload := <-e.recv:
		return payload, nil
	}
}

// Write emits b as a single datagram with the engine header prepended.
func (e *DatagramEngine) Write(ctx context.Context, b []byte) (int, error) {
	select {
	case <-e.closed:
		return 0, ErrEngineClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if len(b) > maxDatagramPayload {
		return 0, fmt.Errorf("payload %d exceeds datagram limit %d", len(b), maxDatagramPayload)
	}

	pkt := make([]byte, protocol.HeaderSize+len(b))
	protocol.SetConv(pkt, e.Conv())
	copy(pkt[protocol.HeaderSize:], b)

	if err := e.out.WritePacket(pkt); err != nil {
		return 0, fmt.Errorf("write packet: %w", err)
	}
	return len(b), nil
}

// Close releases the engine.
func (e *DatagramEngine) Close() error {
	e.once.Do(func() {
		close(e.closed)
	})
	return nil
}
