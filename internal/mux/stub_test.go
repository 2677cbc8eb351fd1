package mux

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/telemux/convmux/internal/engine"
	"github.com/telemux/convmux/internal/logging"
	"github.com/telemux/convmux/internal/metrics"
	"github.com/telemux/convmux/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

// stubEngine records everything fed through Input. When blocked is non-nil,
// Input stalls until the channel is closed, simulating a slow engine.
type stubEngine struct {
	mu      sync.Mutex
	inputs  [][]byte
	conv    protocol.ConvID
	blocked chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (e *stubEngine) Input(pkt []byte) error {
	if e.blocked != nil {
		select {
		case <-e.blocked:
		case <-e.closed:
			return engine.ErrEngineClosed
		}
	}

	select {
	case <-e.closed:
		return engine.ErrEngineClosed
	default:
	}

	e.mu.Lock()
	e.inputs = append(e.inputs, pkt)
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, engine.ErrEngineClosed
	}
}

func (e *stubEngine) Write(ctx context.Context, b []byte) (int, error) {
	select {
	case <-e.closed:
		return 0, engine.ErrEngineClosed
	default:
		return len(b), nil
	}
}

func (e *stubEngine) Close() error {
	e.once.Do(func() {
		close(e.closed)
	})
	return nil
}

func (e *stubEngine) inputCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inputs)
}

func (e *stubEngine) inputAt(i int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputs[i]
}

// stubFactory produces stubEngines and remembers them by conversation ID.
type stubFactory struct {
	mu      sync.Mutex
	engines map[protocol.ConvID]*stubEngine
	err     error
	block   bool
}

func newStubFactory() *stubFactory {
	return &stubFactory{engines: make(map[protocol.ConvID]*stubEngine)}
}

func (f *stubFactory) factory() engine.Factory {
	return func(conv protocol.ConvID, out engine.Output, opts engine.Options) (engine.Engine, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.err != nil {
			return nil, f.err
		}

		e := &stubEngine{conv: conv, closed: make(chan struct{})}
		if f.block {
			e.blocked = make(chan struct{})
		}
		f.engines[conv] = e
		return e, nil
	}
}

func (f *stubFactory) engineFor(conv protocol.ConvID) *stubEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[conv]
}

func (f *stubFactory) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// discardOutput is an engine.Output for sessions created outside a listener.
type discardOutput struct{}

func (discardOutput) WritePacket(pkt []byte) error { return nil }

var errFactoryFailed = errors.New("factory failed")

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func testConfig(f *stubFactory) Config {
	return Config{
		Engine:  f.factory(),
		Logger:  logging.NopLogger(),
		Metrics: testMetrics(),
	}
}

func bindTest(t *testing.T, cfg Config) *Listener {
	t.Helper()

	l, err := Bind(cfg, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dialSocket(t *testing.T, l *Listener) *net.UDPConn {
	t.Helper()

	conn, err := net.DialUDP("udp", nil, l.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendDatagram(t *testing.T, conn *net.UDPConn, conv protocol.ConvID, payload []byte) {
	t.Helper()

	pkt := make([]byte, protocol.HeaderSize+len(payload))
	protocol.SetConv(pkt, conv)
	copy(pkt[protocol.HeaderSize:], payload)

	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func acceptOne(t *testing.T, l *Listener, timeout time.Duration) (*Stream, *net.UDPAddr) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stream, peer, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return stream, peer
}
