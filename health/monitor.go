package health

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Source reports a current health status on demand.
type Source interface {
	Name() string
	Health() Status
}

// Monitor tracks health of multiple endpoints in a thread-safe manner.
// Statuses are either pushed with Update or pulled from watched sources.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	sources  map[string]Source
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		sources:  make(map[string]Source),
	}
}

// Watch registers a source polled on every Get and AggregateHealth.
func (m *Monitor) Watch(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.Name()] = src
	delete(m.statuses, src.Name())
}

// Update records the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	src, watched := m.sources[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if watched {
		return src.Health(), true
	}
	return status, exists
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.sources, name)
}

// Names returns the tracked component names in sorted order
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses)+len(m.sources))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AggregateHealth returns an aggregated health status for the entire system
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.Names()
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if status, ok := m.Get(name); ok {
			subStatuses = append(subStatuses, status)
		}
	}
	return Aggregate(systemName, subStatuses)
}

// Handler serves the aggregate status as JSON. Unhealthy systems answer 503.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
