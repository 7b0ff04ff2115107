package inbound

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/metric"
	"github.com/ndtelles/Atticus/pkg/buffer"
)

// DefaultCapacity is the queue capacity used when none is given.
const DefaultCapacity = 512

// DefaultName labels the metrics of a queue created without WithName.
const DefaultName = "inbound"

// Queue is the bounded, drop-oldest FIFO shared by all endpoints.
//
// The ring and the readiness signal change together under one lock, so
// Ready().IsSet() agrees with Len() > 0 at every point another goroutine can
// observe.
type Queue struct {
	mu      sync.Mutex
	ring    buffer.Buffer[Message]
	ready   *Signal
	evicted *Message // set by the ring's drop callback, guarded by mu

	name     string
	onDrop   func(Message)
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	name     string
	registry *metric.MetricsRegistry
	logger   *slog.Logger
	onDrop   func(Message)
}

// WithMetrics exports queue depth and evictions to the registry.
func WithMetrics(registry *metric.MetricsRegistry) QueueOption {
	return func(o *queueOptions) {
		o.registry = registry
	}
}

// WithName labels the queue's metrics. Queues sharing a metrics registry
// need distinct names. Defaults to DefaultName.
func WithName(name string) QueueOption {
	return func(o *queueOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) QueueOption {
	return func(o *queueOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDropCallback observes every message evicted by overflow.
// The callback runs after the queue lock is released.
func WithDropCallback(fn func(Message)) QueueOption {
	return func(o *queueOptions) {
		o.onDrop = fn
	}
}

// NewQueue creates a queue holding at most capacity messages.
// A capacity of zero or less selects DefaultCapacity.
func NewQueue(capacity int, opts ...QueueOption) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	o := &queueOptions{name: DefaultName, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	q := &Queue{
		name:     o.name,
		ready:    newSignal(),
		onDrop:   o.onDrop,
		registry: o.registry,
		metrics:  o.registry.CoreMetrics(),
		logger:   o.logger.With("component", "inbound-queue", "queue", o.name),
	}

	ring, err := buffer.NewCircularBuffer(capacity,
		buffer.WithDropCallback[Message](func(m Message) { q.evicted = &m }),
		buffer.WithMetrics[Message](o.registry, o.name),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Queue", "NewQueue", "ring allocation")
	}
	q.ring = ring

	return q, nil
}

// Enqueue appends msg, evicting the oldest message when full, and raises the
// readiness signal. It never blocks and never fails.
func (q *Queue) Enqueue(msg Message) {
	if msg.Received.IsZero() {
		msg.Received = time.Now()
	}

	q.mu.Lock()
	q.ring.Write(msg)
	q.ready.raise()
	dropped := q.evicted
	q.evicted = nil
	depth := q.ring.Size()
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(q.name, depth)
	if dropped == nil {
		return
	}

	q.metrics.RecordQueueDrop(q.name)
	q.logger.Debug("Inbound queue full, evicted oldest message",
		"source", dropped.Source, "capacity", q.ring.Capacity())
	if q.onDrop != nil {
		q.onDrop(*dropped)
	}
}

// Dequeue removes and returns the oldest message. When the queue becomes
// empty the readiness signal is cleared. It never blocks.
func (q *Queue) Dequeue() (Message, bool) {
	q.mu.Lock()
	msg, ok := q.ring.Read()
	if q.ring.IsEmpty() {
		q.ready.lower()
	}
	depth := q.ring.Size()
	q.mu.Unlock()

	if ok {
		q.metrics.RecordQueueDepth(q.name, depth)
	}
	return msg, ok
}

// Clear discards every queued message, lowers the readiness signal and
// returns how many were discarded. Cleared messages are not counted as drops.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := q.ring.Clear()
	q.ready.lower()
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(q.name, 0)
	if n > 0 {
		q.logger.Debug("Inbound queue cleared", "discarded", n)
	}
	return n
}

// Release clears the queue and removes its metrics from the registry, so
// another queue may take the same name. Messages enqueued afterwards are
// still delivered but no longer exported.
func (q *Queue) Release() {
	q.Clear()
	buffer.UnregisterMetrics(q.registry, q.name)
	q.metrics.ForgetQueue(q.name)
}

// Name returns the label the queue's metrics carry
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Size()
}

// Capacity returns the maximum number of queued messages.
func (q *Queue) Capacity() int {
	return q.ring.Capacity()
}

// Ready returns the readiness signal, set while the queue is non-empty.
func (q *Queue) Ready() *Signal {
	return q.ready
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() buffer.StatsSummary {
	return q.ring.Stats().Summary()
}

// observe returns length and signal level from one critical section.
func (q *Queue) observe() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Size(), q.ready.IsSet()
}
