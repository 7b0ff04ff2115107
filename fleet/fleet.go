// Package fleet runs several emulated devices in one process.
//
// Every device keeps its own inbound queue, endpoints and driver, so a slow
// or failing device never delays another. Devices share the endpoint
// factories and, when enabled, one metrics registry. Endpoint names are
// unique across the fleet because endpoint metrics are labelled by name.
//
//	f, _ := fleet.New(fleet.Deps{Factories: factories})
//	_, _ = f.Load(scopeCfg)
//	_, _ = f.Load(supplyCfg)
//	err := f.Run(ctx, func(ctx context.Context) error {
//	    <-ctx.Done()
//	    return nil
//	})
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/health"
)

// Fleet owns a set of named devices
type Fleet struct {
	deps    Deps
	logger  *slog.Logger
	monitor *health.Monitor

	mu      sync.Mutex
	devices []*Device
	byName  map[string]*Device
}

// New creates an empty fleet building devices with deps
func New(deps Deps) (*Fleet, error) {
	if deps.Factories == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: endpoint factories cannot be nil", errors.ErrMissingConfig),
			"Fleet", "New", "dependency validation")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Fleet{
		deps:    deps,
		logger:  deps.Logger.With("component", "fleet"),
		monitor: health.NewMonitor(),
		byName:  make(map[string]*Device),
	}, nil
}

// Load builds a device from cfg and adds it stopped. Device names and
// endpoint names must not clash with a device already loaded.
func (f *Fleet) Load(cfg *config.Config) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byName[cfg.Name]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: device %q already loaded", errors.ErrInvalidConfig, cfg.Name),
			"Fleet", "Load", "duplicate check")
	}
	for _, ep := range cfg.Endpoints {
		for _, other := range f.devices {
			if _, clash := other.cfg.Endpoint(ep.Name); clash {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: endpoint %q of device %q already belongs to device %q",
						errors.ErrInvalidConfig, ep.Name, cfg.Name, other.Name()),
					"Fleet", "Load", "endpoint name check")
			}
		}
	}

	dev, err := NewDevice(cfg, f.deps)
	if err != nil {
		return nil, err
	}
	f.devices = append(f.devices, dev)
	f.byName[cfg.Name] = dev
	f.monitor.Watch(dev)

	f.logger.Info("Device loaded", "device", cfg.Name,
		"endpoints", len(cfg.Endpoints), "requests", len(cfg.Requests))
	return dev, nil
}

// Unload removes the named device. A running device must be stopped first.
func (f *Fleet) Unload(name string) error {
	f.mu.Lock()
	dev, ok := f.byName[name]
	if !ok {
		f.mu.Unlock()
		return unknownDevice("Unload", name)
	}
	if dev.Running() {
		f.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: device %q is running", errors.ErrAlreadyStarted, name),
			"Fleet", "Unload", "state check")
	}
	delete(f.byName, name)
	for i, d := range f.devices {
		if d == dev {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			break
		}
	}
	f.monitor.Remove(name)
	f.mu.Unlock()

	dev.release()
	f.logger.Info("Device unloaded", "device", name)
	return nil
}

// Device returns the named device
func (f *Fleet) Device(name string) (*Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.byName[name]
	return dev, ok
}

// Devices returns the devices in load order
func (f *Fleet) Devices() []*Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Device(nil), f.devices...)
}

// StartDevice starts the named device
func (f *Fleet) StartDevice(ctx context.Context, name string) error {
	dev, ok := f.Device(name)
	if !ok {
		return unknownDevice("StartDevice", name)
	}
	return dev.Start(ctx)
}

// StopDevice stops the named device
func (f *Fleet) StopDevice(name string, timeout time.Duration) error {
	dev, ok := f.Device(name)
	if !ok {
		return unknownDevice("StopDevice", name)
	}
	return dev.Stop(timeout)
}

// StartAll starts every stopped device in load order. When one fails the
// devices started by this call are stopped again.
func (f *Fleet) StartAll(ctx context.Context) error {
	var started []*Device
	for _, dev := range f.Devices() {
		if dev.Running() {
			continue
		}
		if err := dev.Start(ctx); err != nil {
			f.logger.Error("Device startup failed, stopping the rest", "device", dev.Name(), "error", err)
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(0); stopErr != nil {
					f.logger.Warn("Cleanup after failed startup", "device", started[i].Name(), "error", stopErr)
				}
			}
			return err
		}
		started = append(started, dev)
	}

	f.logger.Info("All devices started", "count", len(started))
	return nil
}

// StopAll stops every running device in reverse load order
func (f *Fleet) StopAll(timeout time.Duration) error {
	devices := f.Devices()

	var errs []error
	for i := len(devices) - 1; i >= 0; i-- {
		dev := devices[i]
		if !dev.Running() {
			continue
		}
		err := dev.Stop(timeout)
		if err != nil && !errors.Is(err, errors.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start implements endpoint.Lifecycle
func (f *Fleet) Start(ctx context.Context) error {
	return f.StartAll(ctx)
}

// Stop implements endpoint.Lifecycle
func (f *Fleet) Stop(timeout time.Duration) error {
	return f.StopAll(timeout)
}

// Run starts every device, calls fn, and stops them all afterwards.
func (f *Fleet) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return endpoint.Run(ctx, f, fn)
}

// Status returns a snapshot of every device in load order
func (f *Fleet) Status() []Status {
	devices := f.Devices()
	out := make([]Status, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dev.Status())
	}
	return out
}

// Health aggregates the health of every device
func (f *Fleet) Health(systemName string) health.Status {
	return f.monitor.AggregateHealth(systemName)
}

// HealthHandler serves the aggregate health as JSON
func (f *Fleet) HealthHandler(systemName string) http.Handler {
	return f.monitor.Handler(systemName)
}

func unknownDevice(method, name string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: no device named %q", errors.ErrInvalidConfig, name),
		"Fleet", method, "device lookup")
}
