package buffer

import (
	"github.com/ndtelles/Atticus/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// bufferMetrics mirrors buffer statistics into Prometheus.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

// metricNames lists what newBufferMetrics registers for each owner
var metricNames = []string{
	"buffer_writes", "buffer_reads", "buffer_overflows", "buffer_drops",
	"buffer_size", "buffer_utilization",
}

// UnregisterMetrics removes the metrics registered for owner, so a new
// buffer may register under the same owner.
func UnregisterMetrics(registry *metric.MetricsRegistry, owner string) {
	if registry == nil {
		return
	}
	for _, name := range metricNames {
		registry.Unregister(owner, name)
	}
}

func newBufferMetrics(registry *metric.MetricsRegistry, owner string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"owner": owner}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "atticus",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "atticus",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Total number of items written"),
		reads:       counter("reads_total", "Total number of items read"),
		overflows:   counter("overflows_total", "Total number of writes that found the buffer full"),
		drops:       counter("drops_total", "Total number of items evicted to make room"),
		size:        gauge("size", "Current number of items in buffer"),
		utilization: gauge("utilization", "Buffer fill ratio from 0.0 to 1.0"),
	}

	counters := []prometheus.Counter{m.writes, m.reads, m.overflows, m.drops}
	for i, c := range counters {
		if err := registry.RegisterCounter(owner, metricNames[i], c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(owner, metricNames[4], m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, metricNames[5], m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow() {
	m.overflows.Inc()
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
