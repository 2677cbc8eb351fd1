package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	m.SessionsActive.Inc()
	m.SessionsCreated.Inc()
	m.DatagramsDropped.WithLabelValues(DropBacklogFull).Inc()

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsCreated); got != 1 {
		t.Errorf("sessions_created_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DatagramsDropped.WithLabelValues(DropBacklogFull)); got != 1 {
		t.Errorf("datagrams_dropped_total{backlog_full} = %v, want 1", got)
	}
}

func TestSessionGaugeBalance(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	for i := 0; i < 5; i++ {
		m.SessionsActive.Inc()
	}
	for i := 0; i < 5; i++ {
		m.SessionsActive.Dec()
	}

	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Errorf("sessions_active after balanced inc/dec = %v, want 0", got)
	}
}

func TestDefault_Singleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() returned different instances")
	}
}
