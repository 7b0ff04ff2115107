// Package manager builds a device's endpoints from configuration and runs
// them as one unit.
//
// Endpoints are created through factories registered per endpoint type,
// started concurrently, and stopped in reverse creation order. A Manager is
// itself an endpoint.Lifecycle, so endpoint.Run gives scoped usage:
//
//	m, _ := manager.New(registry, deps)
//	_ = m.Create(cfg.Endpoints)
//	err := m.Run(ctx, func(ctx context.Context) error {
//	    return driver.Run(ctx)
//	})
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/health"
)

// Endpoint is the view the manager needs of a running endpoint
type Endpoint interface {
	endpoint.Lifecycle
	health.Source
	State() endpoint.State
}

// Manager owns a set of endpoints
type Manager struct {
	registry *Registry
	deps     endpoint.Deps
	logger   *slog.Logger
	monitor  *health.Monitor

	mu        sync.Mutex
	endpoints []Endpoint
	byName    map[string]Endpoint
}

// New creates a manager building endpoints with deps
func New(registry *Registry, deps endpoint.Deps) (*Manager, error) {
	if registry == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: registry cannot be nil", errors.ErrMissingConfig),
			"Manager", "New", "registry validation")
	}
	if deps.Queue == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: inbound queue", errors.ErrMissingConfig),
			"Manager", "New", "dependency validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		registry: registry,
		deps:     deps,
		logger:   logger.With("component", "manager"),
		monitor:  health.NewMonitor(),
		byName:   make(map[string]Endpoint),
	}, nil
}

// Create builds one endpoint per configuration. Either all are added or,
// on the first error, none.
func (m *Manager) Create(cfgs []config.EndpointConfig) error {
	built := make([]Endpoint, 0, len(cfgs))
	for _, cfg := range cfgs {
		factory, ok := m.registry.Factory(cfg.Type)
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: endpoint %q has type %q", errors.ErrUnknownType, cfg.Name, cfg.Type),
				"Manager", "Create", "factory lookup")
		}
		ep, err := factory(cfg, m.deps)
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("create endpoint %q: %w", cfg.Name, err),
				"Manager", "Create", "factory call")
		}
		built = append(built, ep)
	}

	for _, ep := range built {
		if err := m.Add(ep); err != nil {
			return err
		}
	}
	return nil
}

// Add registers an already built endpoint
func (m *Manager) Add(ep Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[ep.Name()]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint %q already exists", errors.ErrInvalidConfig, ep.Name()),
			"Manager", "Add", "duplicate check")
	}
	m.endpoints = append(m.endpoints, ep)
	m.byName[ep.Name()] = ep
	m.monitor.Watch(ep)

	m.logger.Debug("Endpoint added", "endpoint", ep.Name(), "type", fmt.Sprintf("%T", ep))
	return nil
}

// Endpoint returns the named endpoint
func (m *Manager) Endpoint(name string) (Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.byName[name]
	return ep, ok
}

// Endpoints returns the endpoints in creation order
func (m *Manager) Endpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Endpoint(nil), m.endpoints...)
}

// Monitor returns the health monitor watching every endpoint
func (m *Manager) Monitor() *health.Monitor {
	return m.monitor
}

// StartAll starts every endpoint concurrently. When any fails the ones
// already started are stopped again and the failures are returned.
func (m *Manager) StartAll(ctx context.Context) error {
	endpoints := m.Endpoints()
	m.logger.Debug("Starting endpoints", "count", len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	errs := make([]error, len(endpoints))
	for i, ep := range endpoints {
		g.Go(func() error {
			if err := ep.Start(gctx); err != nil {
				errs[i] = fmt.Errorf("failed to start endpoint %s: %w", ep.Name(), err)
				return errs[i]
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.Error("Endpoint startup failed, stopping the rest", "error", err)
		if stopErr := m.StopAll(0); stopErr != nil {
			m.logger.Warn("Cleanup after failed startup", "error", stopErr)
		}
		return errors.Join(errs...)
	}

	m.logger.Info("All endpoints started", "count", len(endpoints))
	return nil
}

// StopAll stops every running endpoint in reverse creation order. Endpoints
// that never started or already stopped are skipped. A non-positive timeout
// uses each endpoint's own stop timeout.
func (m *Manager) StopAll(timeout time.Duration) error {
	endpoints := m.Endpoints()
	logger := m.logger.With("operation", "endpoints-shutdown")
	overallStart := time.Now()

	var errs []error
	for i := len(endpoints) - 1; i >= 0; i-- {
		ep := endpoints[i]
		if st := ep.State(); st == endpoint.StateIdle || st == endpoint.StateStopped {
			continue
		}

		start := time.Now()
		err := ep.Stop(timeout)
		switch {
		case err == nil:
			logger.Debug("Endpoint stopped", "endpoint", ep.Name(),
				"duration_ms", time.Since(start).Milliseconds())
		case errors.Is(err, errors.ErrAlreadyStopped), errors.Is(err, errors.ErrNotStarted):
		default:
			logger.Error("Endpoint stop failed", "endpoint", ep.Name(), "error", err)
			errs = append(errs, fmt.Errorf("failed to stop endpoint %s: %w", ep.Name(), err))
		}
	}

	logger.Debug("Endpoint shutdown sequence completed",
		"duration_ms", time.Since(overallStart).Milliseconds(),
		"error_count", len(errs))
	return errors.Join(errs...)
}

// Start implements endpoint.Lifecycle
func (m *Manager) Start(ctx context.Context) error {
	return m.StartAll(ctx)
}

// Stop implements endpoint.Lifecycle
func (m *Manager) Stop(timeout time.Duration) error {
	return m.StopAll(timeout)
}

// Run starts every endpoint, calls fn, and stops them all afterwards.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return endpoint.Run(ctx, m, fn)
}

// Health aggregates the health of every endpoint
func (m *Manager) Health(systemName string) health.Status {
	return m.monitor.AggregateHealth(systemName)
}
