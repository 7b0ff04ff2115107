package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/health"
	"github.com/ndtelles/Atticus/inbound"
	"github.com/ndtelles/Atticus/manager"
	"github.com/ndtelles/Atticus/metric"
	"github.com/ndtelles/Atticus/mock"
)

// Deps holds what every device of a fleet shares
type Deps struct {
	Factories       *manager.Registry       // required
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Device is one emulated device: an inbound queue, the endpoints feeding it
// and the driver answering from its request table.
type Device struct {
	cfg      *config.Config
	deps     endpoint.Deps
	registry *manager.Registry
	logger   *slog.Logger
	queue    *inbound.Queue
	driver   *mock.Driver

	mu      sync.Mutex
	manager *manager.Manager
	running bool
	used    bool // endpoints are single-use, a restart builds new ones
	cancel  context.CancelFunc
	done    chan struct{}
}

// Status is a snapshot of one device
type Status struct {
	Name      string           `json:"name"`
	Running   bool             `json:"running"`
	Endpoints []EndpointStatus `json:"endpoints"`
	Queued    int              `json:"queued"`
	Handled   int64            `json:"handled"`
	Discarded int64            `json:"discarded"`
	Dropped   int64            `json:"dropped"`
}

// EndpointStatus is a snapshot of one endpoint of a device
type EndpointStatus struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	State string `json:"state"`
}

// NewDevice builds the queue, endpoints and driver described by cfg.
// Metrics are exported only when cfg enables them and deps carries a
// registry; the queue's series are labelled with the device name.
func NewDevice(cfg *config.Config, deps Deps) (*Device, error) {
	if deps.Factories == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: endpoint factories cannot be nil", errors.ErrMissingConfig),
			"Device", "NewDevice", "dependency validation")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", cfg.Name)

	registry := deps.MetricsRegistry
	if !cfg.Metrics.Enabled {
		registry = nil
	}

	queue, err := inbound.NewQueue(cfg.Queue.Capacity,
		inbound.WithName(cfg.Name),
		inbound.WithMetrics(registry),
		inbound.WithLogger(logger),
		inbound.WithDropCallback(func(msg inbound.Message) {
			logger.Warn("Inbound queue full, dropped oldest request", "source", msg.Source)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create inbound queue for %s: %w", cfg.Name, err)
	}

	d := &Device{
		cfg:      cfg,
		registry: deps.Factories,
		logger:   logger,
		queue:    queue,
		driver:   mock.NewDriver(queue, mock.TableFromConfig(cfg), logger),
		deps: endpoint.Deps{
			Queue:           queue,
			MetricsRegistry: registry,
			Logger:          logger,
		},
	}

	if d.manager, err = d.newManager(); err != nil {
		queue.Release()
		return nil, err
	}
	return d, nil
}

func (d *Device) newManager() (*manager.Manager, error) {
	mgr, err := manager.New(d.registry, d.deps)
	if err != nil {
		return nil, err
	}
	if err := mgr.Create(d.cfg.Endpoints); err != nil {
		return nil, fmt.Errorf("create endpoints of %s: %w", d.cfg.Name, err)
	}
	return mgr, nil
}

// Name returns the device name
func (d *Device) Name() string {
	return d.cfg.Name
}

// Config returns the device file the device was built from
func (d *Device) Config() *config.Config {
	return d.cfg
}

// Queue returns the device's inbound queue
func (d *Device) Queue() *inbound.Queue {
	return d.queue
}

// Driver returns the consumer answering the device's requests
func (d *Device) Driver() *mock.Driver {
	return d.driver
}

// Manager returns the manager owning the current set of endpoints
func (d *Device) Manager() *manager.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manager
}

// Running reports whether the device has been started and not stopped
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start starts every endpoint and then the driver. A device stopped earlier
// is started with freshly built endpoints.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return errors.WrapInvalid(
			fmt.Errorf("%w: device %q is running", errors.ErrAlreadyStarted, d.cfg.Name),
			"Device", "Start", "state check")
	}
	if d.used {
		mgr, err := d.newManager()
		if err != nil {
			return err
		}
		d.manager = mgr
	}
	d.used = true

	if err := d.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start device %s: %w", d.cfg.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.driver.Run(runCtx)
	}()
	d.running, d.cancel, d.done = true, cancel, done

	d.logger.Info("Device started", "endpoints", len(d.manager.Endpoints()))
	return nil
}

// Stop stops the driver and then the endpoints in reverse order. Requests
// still queued afterwards are discarded. A non-positive timeout uses each
// endpoint's own stop timeout.
func (d *Device) Stop(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return errors.WrapInvalid(
			fmt.Errorf("%w: device %q", errors.ErrNotStarted, d.cfg.Name),
			"Device", "Stop", "state check")
	}
	d.cancel()
	<-d.done
	d.running = false

	err := d.manager.StopAll(timeout)
	if n := d.queue.Clear(); n > 0 {
		d.logger.Info("Discarded unanswered requests", "count", n)
	}

	d.logger.Info("Device stopped",
		"handled", d.driver.Handled(),
		"discarded", d.driver.Discarded(),
		"dropped", d.queue.Stats().Drops)
	if err != nil {
		return fmt.Errorf("stop device %s: %w", d.cfg.Name, err)
	}
	return nil
}

// Health aggregates the health of the device's endpoints
func (d *Device) Health() health.Status {
	d.mu.Lock()
	mgr, running := d.manager, d.running
	d.mu.Unlock()

	status := mgr.Health(d.cfg.Name)
	if running {
		return status.WithState("running")
	}
	return status.WithState("stopped")
}

// Status returns a snapshot of the device and its endpoints
func (d *Device) Status() Status {
	d.mu.Lock()
	mgr, running := d.manager, d.running
	d.mu.Unlock()

	eps := mgr.Endpoints()
	st := Status{
		Name:      d.cfg.Name,
		Running:   running,
		Endpoints: make([]EndpointStatus, 0, len(eps)),
		Queued:    d.queue.Len(),
		Handled:   d.driver.Handled(),
		Discarded: d.driver.Discarded(),
		Dropped:   d.queue.Stats().Drops,
	}
	for _, ep := range eps {
		es := EndpointStatus{Name: ep.Name(), State: ep.State().String()}
		if cfg, ok := d.cfg.Endpoint(ep.Name()); ok {
			es.Type = cfg.Type
		}
		st.Endpoints = append(st.Endpoints, es)
	}
	return st
}

// release drops the device's metric series so its names can be reused
func (d *Device) release() {
	d.queue.Release()
	m := d.deps.MetricsRegistry.CoreMetrics()
	for _, cfg := range d.cfg.Endpoints {
		m.ForgetEndpoint(cfg.Name)
	}
}
