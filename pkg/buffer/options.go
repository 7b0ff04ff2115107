package buffer

import (
	"github.com/ndtelles/Atticus/metric"
)

// Option configures buffer behavior.
type Option[T any] func(*bufferOptions[T])

// bufferOptions holds internal configuration for buffer instances.
// Statistics are always collected and are not an option.
type bufferOptions[T any] struct {
	dropCallback DropCallback[T]

	// metricsReg is optional; when set, statistics are mirrored to Prometheus
	metricsReg *metric.MetricsRegistry

	// metricsPrefix is used as the owner label for Prometheus metrics
	metricsPrefix string
}

// WithMetrics enables Prometheus export under the given owner label.
// A nil registry or empty prefix leaves metrics disabled.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithDropCallback sets a function invoked with every evicted item.
// It is called after the buffer lock is released.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}
