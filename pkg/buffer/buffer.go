// Package buffer provides a generic, thread-safe drop-oldest ring buffer.
//
// This package offers:
//   - CircularBuffer: fixed-size ring that evicts its oldest item when full
//   - Statistics always enabled for observability
//   - Optional Prometheus metrics integration via functional options
//
// Writes never block and never fail. When the buffer is full the oldest item
// is discarded, and the optional drop callback observes it.
package buffer

// Buffer represents a generic buffer interface that all buffer implementations must satisfy.
// The buffer is parameterized by item type T for type safety.
type Buffer[T any] interface {
	// Write adds an item to the buffer, evicting the oldest item when full.
	Write(item T)

	// Read retrieves and removes the oldest item from the buffer.
	// Returns the item and true if successful, zero value and false if buffer is empty.
	Read() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items from the buffer and returns how many there were.
	Clear() int

	// Stats returns buffer statistics (always available for observability).
	Stats() *Statistics
}

// DropCallback is called when an item is evicted to make room.
// It receives the item that was dropped.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
// Stats are ALWAYS collected for observability. Metrics are optional via WithMetrics().
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
