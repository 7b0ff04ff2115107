// Package endpoint runs communication endpoints through a fixed lifecycle and
// connects them to the shared inbound queue.
//
// An Endpoint owns one worker goroutine that calls the Setup hook once, the
// Step hook repeatedly, and the Teardown hook once. Received data enters the
// shared queue through SubmitInbound, tagged with a Responder that writes
// back into this endpoint's output store.
//
// Concrete transports embed *Endpoint and implement Hooks:
//
//	type Listener struct {
//	    *endpoint.Endpoint
//	    ...
//	}
//
//	l := &Listener{}
//	l.Endpoint, err = endpoint.New(cfg, l, deps)
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/health"
	"github.com/ndtelles/Atticus/inbound"
	"github.com/ndtelles/Atticus/metric"
	"github.com/ndtelles/Atticus/outbox"
)

// Endpoint drives a Hooks implementation through its lifecycle.
type Endpoint struct {
	cfg     Config
	hooks   Hooks
	queue   *inbound.Queue
	outputs *outbox.Store
	metrics *metric.Metrics
	logger  *slog.Logger

	// overrunLog limits step overrun warnings
	overrunLog *rate.Limiter

	mu        sync.Mutex // serializes Start and Stop
	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	errMu sync.Mutex
	err   error

	submitted  atomic.Int64
	hookErrors atomic.Int64
}

// New creates an idle endpoint.
func New(cfg Config, hooks Hooks, deps Deps) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hooks == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Endpoint", "New", "hooks check")
	}
	if deps.Queue == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Endpoint", "New", "inbound queue check")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := deps.MetricsRegistry.CoreMetrics()

	e := &Endpoint{
		cfg:        cfg,
		hooks:      hooks,
		queue:      deps.Queue,
		outputs:    outbox.New(cfg.Name, m),
		metrics:    m,
		logger:     logger.With("component", "endpoint", "endpoint", cfg.Name),
		overrunLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:       make(chan struct{}),
	}
	m.RecordEndpointState(cfg.Name, int(StateIdle))
	return e, nil
}

// Name returns the endpoint name
func (e *Endpoint) Name() string {
	return e.cfg.Name
}

// Config returns the effective configuration, defaults applied
func (e *Endpoint) Config() Config {
	return e.cfg
}

// IdleTimeout is how long a Step hook may wait for traffic before
// returning nil. It is half of Config.MaxStepLatency.
func (e *Endpoint) IdleTimeout() time.Duration {
	return e.cfg.MaxStepLatency / 2
}

// State returns the current lifecycle state
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// Outputs returns the endpoint's output buffer store
func (e *Endpoint) Outputs() *outbox.Store {
	return e.outputs
}

// Logger returns the endpoint's logger for use by hooks
func (e *Endpoint) Logger() *slog.Logger {
	return e.logger
}

// Metrics returns the core metrics, nil when none were configured
func (e *Endpoint) Metrics() *metric.Metrics {
	return e.metrics
}

// Done is closed once the endpoint reached StateStopped
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns the first hook failure, or nil
func (e *Endpoint) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Start launches the worker and blocks until the setup hook completed.
//
// It fails with ErrAlreadyStarted unless the endpoint is idle, returns the
// setup failure wrapped as ErrHookFailed, and returns ErrStartupTimeout when
// setup does not finish within Config.StartTimeout. After a timeout the
// worker is asked to stop and tears down on its own.
//
// ctx bounds only the wait. The worker runs until Stop or a hook failure.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		e.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint %q is %s", errors.ErrAlreadyStarted, e.cfg.Name, e.State()),
			"Endpoint", "Start", "state check")
	}
	e.metrics.RecordEndpointState(e.cfg.Name, int(StateStarting))

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.startedAt = time.Now()
	ready := make(chan struct{})
	go e.run(workerCtx, ready)
	e.mu.Unlock()

	timer := time.NewTimer(e.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		e.metrics.RecordEndpointStart(e.cfg.Name)
		e.logger.Info("Endpoint started")
		return nil
	case <-e.done:
		select {
		case <-ready:
			// setup finished before the worker exited
			return nil
		default:
		}
		if err := e.Err(); err != nil {
			return err
		}
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Endpoint", "Start", "wait for setup")
	case <-timer.C:
		e.requestStop()
		e.logger.Error("Endpoint setup did not complete in time", "timeout", e.cfg.StartTimeout)
		return errors.WrapTransient(errors.ErrStartupTimeout, "Endpoint", "Start", "wait for setup")
	case <-ctx.Done():
		e.requestStop()
		return errors.WrapTransient(ctx.Err(), "Endpoint", "Start", "wait for setup")
	}
}

// Stop cancels the worker and waits up to timeout for it to exit.
// A non-positive timeout selects Config.StopTimeout. An endpoint already
// stopping (after a failed Start or a hook failure) is joined the same way.
//
// The output store is cleared and sealed whether or not the worker exited in
// time. A missed deadline returns ErrShutdownTimeout.
func (e *Endpoint) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.cfg.StopTimeout
	}

	e.mu.Lock()
	if e.State() == StateIdle {
		e.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint %q", errors.ErrNotStarted, e.cfg.Name),
			"Endpoint", "Stop", "state check")
	}
	switch {
	case e.advance(StateStarting, StateStopping) || e.advance(StateRunning, StateStopping):
		e.cancel()
	case e.State() == StateStopping:
		// stop already requested by Start or the worker; join it below
	default:
		e.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint %q is %s", errors.ErrAlreadyStopped, e.cfg.Name, e.State()),
			"Endpoint", "Stop", "state check")
	}
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-e.done:
	case <-timer.C:
		e.logger.Warn("Endpoint worker did not exit in time, releasing buffers anyway",
			"timeout", timeout)
		err = errors.WrapTransient(
			fmt.Errorf("%w after %v", errors.ErrShutdownTimeout, timeout),
			"Endpoint", "Stop", "worker join")
	}

	e.outputs.Seal()
	if err == nil {
		e.logger.Info("Endpoint stopped")
	}
	return err
}

// SubmitInbound enqueues payload into the shared queue with a Responder bound
// to destinationKey in this endpoint's output store.
func (e *Endpoint) SubmitInbound(payload, destinationKey string) {
	e.queue.Enqueue(inbound.Message{
		Payload: payload,
		Respond: inbound.NewResponder(destinationKey, e.outputs),
		Source:  e.cfg.Name,
	})
	e.submitted.Add(1)
	e.metrics.RecordSubmitted(e.cfg.Name)
}

// Health reports the endpoint's status for health checks
func (e *Endpoint) Health() health.Status {
	state := e.State()

	var status health.Status
	switch state {
	case StateRunning:
		status = health.NewHealthy(e.cfg.Name, "Endpoint running")
	case StateIdle:
		status = health.NewDegraded(e.cfg.Name, "Endpoint not started")
	case StateStarting, StateStopping:
		status = health.NewDegraded(e.cfg.Name, "Endpoint "+state.String())
	default:
		if err := e.Err(); err != nil {
			status = health.FromError(e.cfg.Name, err)
		} else {
			status = health.NewUnhealthy(e.cfg.Name, "Endpoint stopped")
		}
	}

	var uptime time.Duration
	e.mu.Lock()
	if !e.startedAt.IsZero() && state <= StateRunning {
		uptime = time.Since(e.startedAt)
	}
	e.mu.Unlock()

	return status.WithState(state.String()).WithMetrics(&health.Metrics{
		Uptime:            uptime,
		ErrorCount:        int(e.hookErrors.Load()),
		MessagesSubmitted: e.submitted.Load(),
		PendingResponses:  e.outputs.Len(),
	})
}

func (e *Endpoint) setState(s State) {
	e.state.Store(int32(s))
	e.metrics.RecordEndpointState(e.cfg.Name, int(s))
}

// advance moves from one state to the next only if nobody moved it first.
func (e *Endpoint) advance(from, to State) bool {
	if e.state.CompareAndSwap(int32(from), int32(to)) {
		e.metrics.RecordEndpointState(e.cfg.Name, int(to))
		return true
	}
	return false
}

func (e *Endpoint) requestStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.advance(StateStarting, StateStopping) || e.advance(StateRunning, StateStopping) {
		e.cancel()
	}
}

func (e *Endpoint) recordFailure(err error) {
	e.hookErrors.Add(1)
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()
	e.logger.Error("Endpoint hook failed", "error", err)
}
