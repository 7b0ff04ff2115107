// Package outbox holds the responses an endpoint still has to write out,
// grouped by destination key.
//
// A Store is owned by one endpoint. Responders append to it from the consumer
// goroutine while the endpoint's step hook drains it, so every method is safe
// for concurrent use. Buffers are unbounded.
package outbox

import (
	"slices"
	"sync"

	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/metric"
)

// Store maps destination keys to ordered pending responses.
type Store struct {
	owner   string
	metrics *metric.Metrics

	mu      sync.Mutex
	buffers map[string][]string
	fresh   map[string]struct{} // keys with unacknowledged new data
	total   int
	sealed  bool
	notify  chan struct{}
}

// New creates an empty store for the named endpoint. metrics may be nil.
func New(owner string, metrics *metric.Metrics) *Store {
	return &Store{
		owner:   owner,
		metrics: metrics,
		buffers: make(map[string][]string),
		fresh:   make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Create registers an empty buffer for key if it does not exist yet.
func (s *Store) Create(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return errors.WrapInvalid(errors.ErrEndpointStopped, "Store", "Create", "sealed check")
	}
	if _, ok := s.buffers[key]; !ok {
		s.buffers[key] = nil
	}
	return nil
}

// Append adds value to the end of key's buffer, creating the buffer if needed.
// Once the store is sealed it returns ErrEndpointStopped and changes nothing.
func (s *Store) Append(key, value string) error {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		s.metrics.RecordResponse(s.owner, false)
		return errors.WrapInvalid(errors.ErrEndpointStopped, "Store", "Append", "sealed check")
	}
	s.buffers[key] = append(s.buffers[key], value)
	s.fresh[key] = struct{}{}
	s.total++
	s.mu.Unlock()

	s.metrics.RecordResponse(s.owner, true)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest value for key.
func (s *Store) Pop(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[key]
	if len(buf) == 0 {
		return "", false
	}
	value := buf[0]
	buf[0] = ""
	s.buffers[key] = buf[1:]
	s.total--
	return value, true
}

// Drain removes and returns every value for key, oldest first.
func (s *Store) Drain(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[key]
	if !ok || len(buf) == 0 {
		return nil
	}
	s.buffers[key] = nil
	s.total -= len(buf)
	return buf
}

// Take removes key and returns everything buffered for it, oldest first.
// An Append racing with Take either lands in the returned values or
// recreates the key with a fresh pending notification.
func (s *Store) Take(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[key]
	s.total -= len(buf)
	delete(s.buffers, key)
	delete(s.fresh, key)
	return buf
}

// Peek returns the oldest value for key without removing it.
func (s *Store) Peek(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[key]
	if len(buf) == 0 {
		return "", false
	}
	return buf[0], true
}

// Pending returns the keys that received data since they were last
// acknowledged. With ack set the notifications are cleared.
func (s *Store) Pending(ack bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.fresh))
	for key := range s.fresh {
		keys = append(keys, key)
	}
	if ack {
		clear(s.fresh)
	}
	slices.Sort(keys)
	return keys
}

// HasPending reports whether key received data since it was last
// acknowledged. With ack set the notification is cleared.
func (s *Store) HasPending(key string, ack bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.fresh[key]
	if ok && ack {
		delete(s.fresh, key)
	}
	return ok
}

// Notify returns a channel that receives after appends. Several appends may
// coalesce into one receive.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

// Delete drops key and everything buffered for it.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total -= len(s.buffers[key])
	delete(s.buffers, key)
	delete(s.fresh, key)
}

// IsEmpty reports whether key has nothing buffered. Unknown keys are empty.
func (s *Store) IsEmpty(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[key]) == 0
}

// Len returns the number of buffered values across all keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Keys returns the known destination keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.buffers))
	for key := range s.buffers {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Clear discards every key and value. It is idempotent.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// Seal clears the store and rejects all later appends.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.sealed = true
}

// Sealed reports whether Seal has been called.
func (s *Store) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *Store) clearLocked() {
	clear(s.buffers)
	clear(s.fresh)
	s.total = 0
}
