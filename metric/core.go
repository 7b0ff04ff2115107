package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the process-wide Atticus metrics.
//
// All Record methods are safe to call on a nil *Metrics, so components built
// without a registry can call them unconditionally.
type Metrics struct {
	// Endpoint lifecycle
	EndpointState  *prometheus.GaugeVec
	EndpointStarts *prometheus.CounterVec
	HookFailures   *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	StepOverruns   *prometheus.CounterVec

	// Inbound queue
	QueueDepth        *prometheus.GaugeVec
	QueueDropped      *prometheus.CounterVec
	MessagesSubmitted *prometheus.CounterVec

	// Output buffers
	ResponsesBuffered  *prometheus.CounterVec
	ResponsesDiscarded *prometheus.CounterVec

	// Transports
	Connections    *prometheus.GaugeVec
	FramesReceived *prometheus.CounterVec
	NATSConnected  *prometheus.GaugeVec
	NATSReconnects *prometheus.CounterVec
}

// NewMetrics creates a new, unregistered Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		EndpointState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "atticus",
				Subsystem: "endpoint",
				Name:      "state",
				Help:      "Endpoint state (0=idle, 1=starting, 2=running, 3=stopping, 4=stopped)",
			},
			[]string{"endpoint"},
		),

		EndpointStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "endpoint",
				Name:      "starts_total",
				Help:      "Total number of successful endpoint starts",
			},
			[]string{"endpoint"},
		),

		HookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "endpoint",
				Name:      "hook_failures_total",
				Help:      "Total number of hook errors and panics",
			},
			[]string{"endpoint", "hook"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "atticus",
				Subsystem: "endpoint",
				Name:      "step_duration_seconds",
				Help:      "Duration of a single step hook invocation",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"endpoint"},
		),

		StepOverruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "endpoint",
				Name:      "step_overruns_total",
				Help:      "Total number of step invocations exceeding the latency budget",
			},
			[]string{"endpoint"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "atticus",
				Subsystem: "inbound",
				Name:      "queue_depth",
				Help:      "Current number of messages in the shared inbound queue",
			},
			[]string{"queue"},
		),

		QueueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "inbound",
				Name:      "dropped_total",
				Help:      "Total number of messages evicted from a full inbound queue",
			},
			[]string{"queue"},
		),

		MessagesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "inbound",
				Name:      "submitted_total",
				Help:      "Total number of messages submitted per endpoint",
			},
			[]string{"endpoint"},
		),

		ResponsesBuffered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "outbox",
				Name:      "buffered_total",
				Help:      "Total number of responses appended to output buffers",
			},
			[]string{"endpoint"},
		),

		ResponsesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "outbox",
				Name:      "discarded_total",
				Help:      "Total number of responses rejected because the endpoint stopped",
			},
			[]string{"endpoint"},
		),

		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "atticus",
				Subsystem: "transport",
				Name:      "connections",
				Help:      "Current number of connected peers",
			},
			[]string{"endpoint", "transport"},
		),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "transport",
				Name:      "frames_received_total",
				Help:      "Total number of framed requests read from peers",
			},
			[]string{"endpoint", "transport"},
		),

		NATSConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "atticus",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
			[]string{"endpoint"},
		),

		NATSReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atticus",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
			[]string{"endpoint"},
		),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.EndpointState,
		m.EndpointStarts,
		m.HookFailures,
		m.StepDuration,
		m.StepOverruns,
		m.QueueDepth,
		m.QueueDropped,
		m.MessagesSubmitted,
		m.ResponsesBuffered,
		m.ResponsesDiscarded,
		m.Connections,
		m.FramesReceived,
		m.NATSConnected,
		m.NATSReconnects,
	)
}

// RecordEndpointState updates the endpoint state gauge
func (m *Metrics) RecordEndpointState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.EndpointState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordEndpointStart increments the start counter
func (m *Metrics) RecordEndpointStart(endpoint string) {
	if m == nil {
		return
	}
	m.EndpointStarts.WithLabelValues(endpoint).Inc()
}

// RecordHookFailure increments the hook failure counter
func (m *Metrics) RecordHookFailure(endpoint, hook string) {
	if m == nil {
		return
	}
	m.HookFailures.WithLabelValues(endpoint, hook).Inc()
}

// RecordStep observes a step duration and counts overruns
func (m *Metrics) RecordStep(endpoint string, d time.Duration, overrun bool) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	if overrun {
		m.StepOverruns.WithLabelValues(endpoint).Inc()
	}
}

// RecordQueueDepth sets the depth of the named inbound queue
func (m *Metrics) RecordQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueDrop increments the eviction counter of the named queue
func (m *Metrics) RecordQueueDrop(queue string) {
	if m == nil {
		return
	}
	m.QueueDropped.WithLabelValues(queue).Inc()
}

// ForgetQueue drops the series of a queue that no longer exists
func (m *Metrics) ForgetQueue(queue string) {
	if m == nil {
		return
	}
	m.QueueDepth.DeleteLabelValues(queue)
	m.QueueDropped.DeleteLabelValues(queue)
}

// ForgetEndpoint drops every series labelled with an endpoint that no
// longer exists
func (m *Metrics) ForgetEndpoint(endpoint string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"endpoint": endpoint}
	for _, vec := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{
		m.EndpointState, m.EndpointStarts, m.HookFailures, m.StepDuration, m.StepOverruns,
		m.MessagesSubmitted, m.ResponsesBuffered, m.ResponsesDiscarded,
		m.Connections, m.FramesReceived, m.NATSConnected, m.NATSReconnects,
	} {
		vec.DeletePartialMatch(labels)
	}
}

// RecordSubmitted increments the per-endpoint submission counter
func (m *Metrics) RecordSubmitted(endpoint string) {
	if m == nil {
		return
	}
	m.MessagesSubmitted.WithLabelValues(endpoint).Inc()
}

// RecordResponse counts an accepted or discarded response
func (m *Metrics) RecordResponse(endpoint string, accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.ResponsesBuffered.WithLabelValues(endpoint).Inc()
		return
	}
	m.ResponsesDiscarded.WithLabelValues(endpoint).Inc()
}

// RecordConnections sets the connected peer count for a transport
func (m *Metrics) RecordConnections(endpoint, transport string, n int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(endpoint, transport).Set(float64(n))
}

// RecordFrame increments the received frame counter
func (m *Metrics) RecordFrame(endpoint, transport string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(endpoint, transport).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(endpoint string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.WithLabelValues(endpoint).Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect(endpoint string) {
	if m == nil {
		return
	}
	m.NATSReconnects.WithLabelValues(endpoint).Inc()
}
