// Package mux multiplexes many reliable byte-stream conversations over a
// single UDP socket. Each datagram carries a conversation ID at a fixed
// header position; the listener routes datagrams to per-conversation
// sessions, allocates IDs for first-contact clients, and hands newly created
// streams to accept callers.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/telemux/convmux/internal/engine"
	"github.com/telemux/convmux/internal/logging"
	"github.com/telemux/convmux/internal/metrics"
	"github.com/telemux/convmux/internal/protocol"
	"github.com/telemux/convmux/internal/recovery"
)

// ErrListenerClosed is returned by Accept once the demux loop has terminated.
var ErrListenerClosed = errors.New("listener closed")

// Config holds multiplexer tuning. The zero value is usable: Bind applies
// defaults for everything except Engine, which is required.
type Config struct {
	// AcceptBacklog bounds accepted-but-not-yet-retrieved streams. When the
	// backlog is full a new conversation is rolled back instead of queued.
	AcceptBacklog int

	// CloseBacklog bounds pending close notifications from sessions.
	CloseBacklog int

	// SessionBuffer bounds each session's inbound datagram queue. A full
	// buffer drops datagrams for that conversation only.
	SessionBuffer int

	// ReadBuffer is the receive scratch size; datagrams larger than this are
	// truncated by the OS.
	ReadBuffer int

	// ReceiveBackoff is the pause after a transient socket receive error.
	ReceiveBackoff time.Duration

	// SessionRate caps new conversations per second. 0 disables the limit.
	SessionRate  float64
	SessionBurst int

	// Engine constructs the reliable-delivery engine for each conversation.
	Engine engine.Factory

	// EngineOptions is passed through to Engine uninterpreted.
	EngineOptions engine.Options

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = 1024
	}
	if c.CloseBacklog <= 0 {
		c.CloseBacklog = 64
	}
	if c.SessionBuffer <= 0 {
		c.SessionBuffer = 64
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = 64 * 1024
	}
	if c.ReceiveBackoff <= 0 {
		c.ReceiveBackoff = time.Second
	}
	if c.SessionBurst <= 0 {
		c.SessionBurst = 16
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	return c
}

type packet struct {
	data []byte
	peer *net.UDPAddr
}

type acceptItem struct {
	stream *Stream
	peer   *net.UDPAddr
}

// Listener owns the shared UDP socket and the demux loop. Close cancels the
// loop without draining live sessions; streams already handed out observe
// engine errors and close through the normal notification path.
type Listener struct {
	cfg     Config
	udp     *net.UDPConn
	table   *Table
	limiter *rate.Limiter
	logger  *slog.Logger
	m       *metrics.Metrics

	acceptCh chan acceptItem
	closeCh  chan protocol.ConvID
	packets  chan packet

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	sessions  atomic.Int64
	accepted  atomic.Uint64
	allocated atomic.Uint64
}

// Bind opens a UDP socket on addr and starts the demux loop.
func Bind(cfg Config, addr string) (*Listener, error) {
	cfg = cfg.withDefaults()
	if cfg.Engine == nil {
		return nil, errors.New("engine factory is required")
	}

	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	l := &Listener{
		cfg:      cfg,
		udp:      udp,
		logger:   cfg.Logger.With(slog.String(logging.KeyComponent, "listener")),
		m:        cfg.Metrics,
		acceptCh: make(chan acceptItem, cfg.AcceptBacklog),
		closeCh:  make(chan protocol.ConvID, cfg.CloseBacklog),
		packets:  make(chan packet),
		stopCh:   make(chan struct{}),
	}
	l.table = NewTable(l.createSession)
	if cfg.SessionRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.SessionRate), cfg.SessionBurst)
	}

	l.wg.Add(2)
	go l.readLoop()
	go l.demuxLoop()

	l.logger.Info("listener started",
		logging.KeyLocalAddr, udp.LocalAddr().String(),
		logging.KeyBacklog, cfg.AcceptBacklog)

	return l, nil
}

func (l *Listener) createSession(conv protocol.ConvID, peer *net.UDPAddr) (*Session, error) {
	out := &socketOutput{udp: l.udp, peer: peer}
	return newSession(conv, peer, out, l.cfg.Engine, l.cfg.EngineOptions,
		l.cfg.SessionBuffer, l.closeCh, l.stopCh, l.cfg.Logger)
}

// readLoop owns the socket receive side. Receive errors are transient OS
// conditions: log, pause, retry. Only socket closure ends the loop.
func (l *Listener) readLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "read-loop")

	buf := make([]byte, l.cfg.ReadBuffer)
	for {
		n, peer, err := l.udp.ReadFromUDP(buf)
		if err != nil {
			if l.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("socket receive failed", logging.KeyError, err)
			l.m.ReceiveErrors.Inc()

			select {
			case <-l.stopCh:
				return
			case <-time.After(l.cfg.ReceiveBackoff):
			}
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case l.packets <- packet{data: data, peer: peer}:
		case <-l.stopCh:
			return
		}
	}
}

// demuxLoop is the only goroutine that touches the conversation table. It
// services close notifications and received datagrams as they become ready,
// one event per iteration.
func (l *Listener) demuxLoop() {
	defer l.wg.Done()
	defer close(l.acceptCh)
	defer recovery.RecoverWithLog(l.logger, "demux-loop")

	for {
		select {
		case <-l.stopCh:
			return

		case conv, ok := <-l.closeCh:
			if !ok {
				// Only the listener ever closes this channel, and it never
				// does while the loop runs.
				panic("close notification channel closed unexpectedly")
			}
			l.removeConv(conv)

		case p := <-l.packets:
			l.handlePacket(p)
		}
	}
}

func (l *Listener) removeConv(conv protocol.ConvID) {
	if l.table.CloseConv(conv) {
		l.sessions.Add(-1)
		l.m.SessionsClosed.Inc()
		l.m.SessionsActive.Dec()
		l.logger.Debug("session removed", logging.KeyConv, conv)
	}
}

func (l *Listener) handlePacket(p packet) {
	l.m.DatagramsReceived.Inc()
	l.m.BytesReceived.Add(float64(len(p.data)))

	if !protocol.ValidLength(len(p.data)) {
		l.m.DatagramsDropped.WithLabelValues(metrics.DropShort).Inc()
		l.logger.Debug("dropping short datagram",
			logging.KeyPeerAddr, p.peer.String(),
			logging.KeyCount, len(p.data))
		return
	}

	conv := protocol.GetConv(p.data)
	if conv.IsReserved() {
		// First contact: the client asks the server to assign an ID. The
		// assigned ID is rewritten into the datagram before the engine
		// parses it.
		if !l.allowNewSession() {
			l.m.DatagramsDropped.WithLabelValues(metrics.DropRateLimited).Inc()
			return
		}
		conv = l.table.AllocConv()
		protocol.SetConv(p.data, conv)
		l.allocated.Add(1)
		l.m.ConvsAllocated.Inc()
		l.logger.Debug("allocated conv for peer",
			logging.KeyConv, conv,
			logging.KeyPeerAddr, p.peer.String())
	} else if l.table.Get(conv) == nil && !l.allowNewSession() {
		l.m.DatagramsDropped.WithLabelValues(metrics.DropRateLimited).Inc()
		return
	}

	sess, created, err := l.table.GetOrCreate(conv, p.peer)
	if err != nil {
		l.logger.Error("failed to create session",
			logging.KeyConv, conv,
			logging.KeyPeerAddr, p.peer.String(),
			logging.KeyError, err)
		l.m.DatagramsDropped.WithLabelValues(metrics.DropEngineInit).Inc()
		return
	}

	if created {
		l.sessions.Add(1)
		l.m.SessionsCreated.Inc()
		l.m.SessionsActive.Inc()

		stream := newStream(sess)
		select {
		case l.acceptCh <- acceptItem{stream: stream, peer: p.peer}:
			l.accepted.Add(1)
			l.m.Accepts.Inc()
		default:
			// Accept backlog full: a session must never outlive its
			// unadvertised accept item, so roll the table entry back and
			// abandon this connection attempt.
			l.removeConv(conv)
			l.m.DatagramsDropped.WithLabelValues(metrics.DropBacklogFull).Inc()
			l.logger.Warn("accept backlog full, rejecting conversation",
				logging.KeyConv, conv,
				logging.KeyPeerAddr, p.peer.String())
			return
		}
	} else if !sameUDPAddr(sess.Peer(), p.peer) {
		// Sessions never migrate; data from a different source address is
		// still delivered to the existing session. Logged so operators can
		// spot identifier spoofing.
		l.logger.Debug("datagram for live conv from different peer",
			logging.KeyConv, conv,
			logging.KeyPeerAddr, p.peer.String())
	}

	if !sess.Input(p.data) {
		l.m.DatagramsDropped.WithLabelValues(metrics.DropSessionBufferFull).Inc()
		l.logger.Debug("session buffer full, dropping datagram",
			logging.KeyConv, conv)
	}
}

func (l *Listener) allowNewSession() bool {
	return l.limiter == nil || l.limiter.Allow()
}

func (l *Listener) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// Accept returns the next newly created stream and its peer address, FIFO in
// creation order. Fails with ErrListenerClosed once the demux loop has
// terminated and the backlog is drained.
func (l *Listener) Accept(ctx context.Context) (*Stream, *net.UDPAddr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case item, ok := <-l.acceptCh:
		if !ok {
			return nil, nil, ErrListenerClosed
		}
		return item.stream, item.peer, nil
	}
}

// LocalAddr returns the bound socket address.
func (l *Listener) LocalAddr() *net.UDPAddr {
	return l.udp.LocalAddr().(*net.UDPAddr)
}

// SessionCount returns the number of live sessions in the table.
func (l *Listener) SessionCount() int64 {
	return l.sessions.Load()
}

// AcceptedTotal returns the number of streams handed to accept callers.
func (l *Listener) AcceptedTotal() uint64 {
	return l.accepted.Load()
}

// AllocatedTotal returns the number of conversation IDs allocated for
// conv-0 datagrams.
func (l *Listener) AllocatedTotal() uint64 {
	return l.allocated.Load()
}

// Close cancels the demux loop and closes the socket. Live sessions are not
// drained; their engines observe the dead socket and close individually.
func (l *Listener) Close() error {
	l.stopOnce.Do(func() {
		l.logger.Info("listener closing",
			logging.KeyLocalAddr, l.udp.LocalAddr().String(),
			logging.KeyCount, l.sessions.Load())
		close(l.stopCh)
		l.udp.Close()
		l.wg.Wait()
	})
	return nil
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}
