package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetSessions(3)
	m.InboundCall("Heartbeat", "ok")
	m.InboundCall("Heartbeat", "ok")
	m.LogDropped(4)
	m.LogDropped(0)

	assert.Equal(t, 3.0, gatherValue(t, reg, "pipelets_ocpp_sessions"))
	assert.Equal(t, 2.0, gatherValue(t, reg, "pipelets_ocpp_inbound_calls_total"))
	assert.Equal(t, 4.0, gatherValue(t, reg, "pipelets_logbus_dropped_total"))

	_, err = New(reg)
	assert.Error(t, err, "second registration must conflict")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetSessions(1)
		m.InboundCall("a", "b")
		m.OutboundCall("a", "b")
		m.WorkflowRun("completed")
		m.NodeDuration("ok", time.Second)
		m.LogPublished("pipeline")
		m.LogDropped(1)
	})
}
