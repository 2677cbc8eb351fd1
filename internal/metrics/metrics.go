// Package metrics provides Prometheus metrics for convmux.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "convmux"
)

// Drop reason labels for DatagramsDropped.
const (
	DropShort             = "short"
	DropEngineInit        = "engine_init"
	DropBacklogFull       = "backlog_full"
	DropRateLimited       = "rate_limited"
	DropSessionBufferFull = "session_buffer_full"
)

// Metrics contains all Prometheus metrics for the multiplexer.
type Metrics struct {
	// Session lifecycle
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	ConvsAllocated  prometheus.Counter

	// Datagram path
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	ReceiveErrors     prometheus.Counter

	// Accept path
	Accepts prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance with a custom registry.
// Tests use this to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently live sessions in the conversation table",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions removed from the conversation table",
		}),
		ConvsAllocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "convs_allocated_total",
			Help:      "Total conversation IDs allocated for conv-0 datagrams",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received on the shared socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received on the shared socket",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by the demux loop, by reason",
		}, []string{"reason"}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total transient socket receive errors",
		}),
		Accepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_total",
			Help:      "Total streams handed to accept callers",
		}),
	}
}
