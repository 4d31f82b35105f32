package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pipelets"

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessions      prometheus.Gauge
	inboundCalls  *prometheus.CounterVec
	outboundCalls *prometheus.CounterVec
	workflowRuns  *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	logPublished  *prometheus.CounterVec
	logDropped    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ocpp",
			Name:      "sessions",
			Help:      "Number of live charge point sessions",
		}),
		inboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ocpp",
			Name:      "inbound_calls_total",
			Help:      "Inbound OCPP calls by action and result",
		}, []string{"action", "result"}),
		outboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ocpp",
			Name:      "outbound_calls_total",
			Help:      "Outbound OCPP calls by action and result",
		}, []string{"action", "result"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Finished workflow runs by status",
		}, []string{"status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "node_duration_seconds",
			Help:      "Pipelet invocation latency by status",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 3},
		}, []string{"status"}),
		logPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logbus",
			Name:      "published_total",
			Help:      "Log entries published by source",
		}, []string{"source"}),
		logDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logbus",
			Name:      "dropped_total",
			Help:      "Log entries dropped for slow subscribers",
		}),
	}

	collectors := []prometheus.Collector{
		m.sessions, m.inboundCalls, m.outboundCalls, m.workflowRuns,
		m.nodeDuration, m.logPublished, m.logDropped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetSessions records the number of live sessions.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// InboundCall counts a handled inbound call.
func (m *Metrics) InboundCall(action, result string) {
	if m == nil {
		return
	}
	m.inboundCalls.WithLabelValues(action, result).Inc()
}

// OutboundCall counts a finished outbound call.
func (m *Metrics) OutboundCall(action, result string) {
	if m == nil {
		return
	}
	m.outboundCalls.WithLabelValues(action, result).Inc()
}

// WorkflowRun counts a finished run.
func (m *Metrics) WorkflowRun(status string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(status).Inc()
}

// NodeDuration observes one pipelet invocation.
func (m *Metrics) NodeDuration(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(status).Observe(d.Seconds())
}

// LogPublished counts a published log entry.
func (m *Metrics) LogPublished(source string) {
	if m == nil {
		return
	}
	m.logPublished.WithLabelValues(source).Inc()
}

// LogDropped counts entries dropped for a slow subscriber.
func (m *Metrics) LogDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.logDropped.Add(float64(n))
}
