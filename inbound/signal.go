package inbound

import (
	"context"
	"sync"
)

// Signal is a level-triggered readiness flag.
//
// While set, the channel returned by C is closed; while clear, it blocks.
// Only the owning Queue changes the level.
type Signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func newSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// IsSet reports whether the signal is currently set.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// C returns a channel that is closed while the signal is set.
// The returned channel reflects the level at the time of the call.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the signal is set or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Signal) raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

func (s *Signal) lower() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}
