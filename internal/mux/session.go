package mux

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/telemux/convmux/internal/engine"
	"github.com/telemux/convmux/internal/logging"
	"github.com/telemux/convmux/internal/protocol"
	"github.com/telemux/convmux/internal/recovery"
)

// Session is the per-conversation state bridging raw datagrams to the
// reliable-delivery engine. Datagrams are handed to Input by the demux loop
// and drained into the engine by the session's own pump goroutine, so a slow
// engine never stalls delivery to other conversations.
type Session struct {
	conv atomic.Uint32
	peer *net.UDPAddr
	eng  engine.Engine

	inbound chan []byte
	notify  chan<- protocol.ConvID
	done    <-chan struct{}
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// socketOutput writes engine packets to a shared unconnected socket.
type socketOutput struct {
	udp  *net.UDPConn
	peer *net.UDPAddr
}

func (o *socketOutput) WritePacket(pkt []byte) error {
	_, err := o.udp.WriteToUDP(pkt, o.peer)
	return err
}

// connOutput writes engine packets to a connected socket (client side).
type connOutput struct {
	conn *net.UDPConn
}

func (o *connOutput) WritePacket(pkt []byte) error {
	_, err := o.conn.Write(pkt)
	return err
}

// newSession constructs the engine for conv and starts the inbound pump.
// notify may be nil (client side); done bounds the session's goroutines to
// the owning listener or dialer lifetime.
func newSession(
	conv protocol.ConvID,
	peer *net.UDPAddr,
	out engine.Output,
	factory engine.Factory,
	opts engine.Options,
	bufSize int,
	notify chan<- protocol.ConvID,
	done <-chan struct{},
	logger *slog.Logger,
) (*Session, error) {
	eng, err := factory(conv, out, opts)
	if err != nil {
		return nil, err
	}

	s := &Session{
		peer:    peer,
		eng:     eng,
		inbound: make(chan []byte, bufSize),
		notify:  notify,
		done:    done,
		logger:  logger.With(slog.String(logging.KeyComponent, "session")),
		closed:  make(chan struct{}),
	}
	s.conv.Store(uint32(conv))

	go s.pump()

	return s, nil
}

// Conv returns the session's conversation ID.
func (s *Session) Conv() protocol.ConvID {
	return protocol.ConvID(s.conv.Load())
}

// Peer returns the peer address fixed at creation.
func (s *Session) Peer() *net.UDPAddr {
	return s.peer
}

// adoptConv records the server-assigned conversation ID on a client session
// whose first datagram carried the reserved zero sentinel.
func (s *Session) adoptConv(conv protocol.ConvID) {
	s.conv.Store(uint32(conv))
	if cs, ok := s.eng.(engine.ConvSetter); ok {
		cs.SetConv(conv)
	}
}

// Input hands one raw datagram to the session without blocking. Returns false
// if the session is closed or its inbound buffer is full; the caller drops
// the datagram in that case.
func (s *Session) Input(pkt []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.inbound <- pkt:
		return true
	default:
		return false
	}
}

// pump drains the inbound buffer into the engine. Engine input may block;
// that suspension is confined to this goroutine.
func (s *Session) pump() {
	defer recovery.RecoverWithCallback(s.logger, "session-pump", func(any) {
		s.Close()
	})

	for {
		select {
		case <-s.closed:
			return
		case <-s.done:
			return
		case pkt := <-s.inbound:
			if err := s.eng.Input(pkt); err != nil {
				if !errors.Is(err, engine.ErrEngineClosed) {
					s.logger.Debug("engine rejected input",
						logging.KeyConv, s.Conv(),
						logging.KeyError, err)
				}
				s.Close()
				return
			}
		}
	}
}

// Close terminates the session: the engine is released, the pump stops, and
// the conversation ID is reported on the close-notification channel so the
// demux loop eventually removes the table entry. Safe to call from any
// goroutine, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.eng.Close()

		if s.notify != nil {
			conv := s.Conv()
			go func() {
				select {
				case s.notify <- conv:
				case <-s.done:
				}
			}()
		}
	})
}

// Done returns a channel closed when the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
