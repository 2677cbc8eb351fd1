package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/telemux/convmux/internal/engine"
	"github.com/telemux/convmux/internal/protocol"
)

// Stream is the caller-facing byte stream over one conversation. The accept
// path produces one Stream per created session; Dial produces the client
// side. Send and Recv cross into the reliable-delivery engine and may
// suspend there; that suspension never blocks the demux loop.
type Stream struct {
	sess *Session

	mu       sync.Mutex
	leftover []byte
}

func newStream(sess *Session) *Stream {
	return &Stream{sess: sess}
}

// Recv copies the next received bytes into buf. A payload larger than buf is
// buffered and returned across subsequent calls. Returns io.EOF once the
// session has closed and all buffered data is drained.
func (s *Stream) Recv(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.leftover) > 0 {
		n := copy(buf, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	payload, err := s.sess.eng.Read(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrEngineClosed) {
			return 0, io.EOF
		}
		return 0, err
	}

	n := copy(buf, payload)
	if n < len(payload) {
		s.leftover = payload[n:]
	}
	return n, nil
}

// Send queues b for transmission to the peer.
func (s *Stream) Send(ctx context.Context, b []byte) (int, error) {
	n, err := s.sess.eng.Write(ctx, b)
	if err != nil && errors.Is(err, engine.ErrEngineClosed) {
		return n, net.ErrClosed
	}
	return n, err
}

// Close terminates the underlying session. The conversation ID is released
// back to the listener's allocator once the close notification is processed.
func (s *Stream) Close() error {
	s.sess.Close()
	return nil
}

// Conv returns the stream's conversation ID. On a dialed stream this is the
// reserved zero value until the server's first reply assigns one.
func (s *Stream) Conv() protocol.ConvID {
	return s.sess.Conv()
}

// RemoteAddr returns the peer address.
func (s *Stream) RemoteAddr() *net.UDPAddr {
	return s.sess.Peer()
}

// Done returns a channel closed when the stream's session has closed.
func (s *Stream) Done() <-chan struct{} {
	return s.sess.Done()
}
