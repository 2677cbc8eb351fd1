package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/telemux/convmux/internal/logging"
	"github.com/telemux/convmux/internal/protocol"
	"github.com/telemux/convmux/internal/recovery"
)

// Dial opens one conversation to a listener at raddr. The first outbound
// datagram carries the reserved zero conversation ID; the stream adopts the
// ID the server assigns as soon as its first reply arrives. This is the thin
// client-side handshake; everything else (routing, lifecycle) lives on the
// listener side.
func Dial(ctx context.Context, cfg Config, raddr string) (*Stream, error) {
	cfg = cfg.withDefaults()
	if cfg.Engine == nil {
		return nil, errors.New("engine factory is required")
	}

	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", raddr, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}

	logger := cfg.Logger.With(slog.String(logging.KeyComponent, "dialer"))

	sess, err := newSession(protocol.ConvReserved, addr, &connOutput{conn: conn},
		cfg.Engine, cfg.EngineOptions, cfg.SessionBuffer, nil, nil, logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}

	// The socket dies with the session, which unblocks the receive loop.
	go func() {
		<-sess.Done()
		conn.Close()
	}()

	go clientRecvLoop(conn, sess, cfg.ReadBuffer, logger)

	return newStream(sess), nil
}

// clientRecvLoop feeds inbound datagrams for this one conversation into the
// session. The first valid reply carries the server-assigned conversation ID.
func clientRecvLoop(conn *net.UDPConn, sess *Session, readBuffer int, logger *slog.Logger) {
	defer recovery.RecoverWithCallback(logger, "client-recv-loop", func(any) {
		sess.Close()
	})

	buf := make([]byte, readBuffer)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			sess.Close()
			return
		}
		if !protocol.ValidLength(n) {
			logger.Debug("dropping short datagram", logging.KeyCount, n)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if sess.Conv().IsReserved() {
			if conv := protocol.GetConv(data); !conv.IsReserved() {
				sess.adoptConv(conv)
				logger.Debug("adopted server-assigned conv", logging.KeyConv, conv)
			}
		}

		if !sess.Input(data) {
			logger.Debug("session buffer full, dropping datagram",
				logging.KeyConv, sess.Conv())
		}
	}
}
