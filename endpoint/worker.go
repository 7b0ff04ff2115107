package endpoint

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ndtelles/Atticus/errors"
)

// run is the worker goroutine. It closes ready once setup succeeded and
// e.done once the endpoint reached StateStopped.
func (e *Endpoint) run(ctx context.Context, ready chan<- struct{}) {
	defer close(e.done)

	if err := e.invoke(ctx, "setup", e.hooks.Setup); err != nil {
		e.recordFailure(err)
		e.advance(StateStarting, StateStopping)
	} else {
		e.advance(StateStarting, StateRunning)
		close(ready)
		e.stepLoop(ctx)
	}

	e.advance(StateRunning, StateStopping)

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StopTimeout)
	if err := e.invoke(teardownCtx, "teardown", e.hooks.Teardown); err != nil {
		e.recordFailure(err)
	}
	cancel()

	e.cancel()
	e.outputs.Seal()
	e.setState(StateStopped)
}

func (e *Endpoint) stepLoop(ctx context.Context) {
	for ctx.Err() == nil {
		start := time.Now()
		err := e.invoke(ctx, "step", e.hooks.Step)
		elapsed := time.Since(start)

		overrun := elapsed > e.cfg.MaxStepLatency
		e.metrics.RecordStep(e.cfg.Name, elapsed, overrun)
		if overrun && e.overrunLog.Allow() {
			e.logger.Warn("Step hook exceeded latency budget",
				"elapsed", elapsed, "budget", e.cfg.MaxStepLatency)
		}

		if err != nil {
			if !errors.Is(err, errors.ErrHookFailed) {
				// only unwrapped when the step was cut short by cancellation
				e.logger.Debug("Step returned after cancellation", "error", err)
				return
			}
			e.recordFailure(err)
			return
		}
	}
}

// invoke calls a hook, converting returned errors and panics into ErrHookFailed.
func (e *Endpoint) invoke(ctx context.Context, hook string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Endpoint hook panicked", "hook", hook, "panic", r, "stack", string(debug.Stack()))
			err = e.hookFailed(hook, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		if hook == "step" && ctx.Err() != nil {
			// unblocked by cancellation, not a failure
			return err
		}
		return e.hookFailed(hook, err)
	}
	return nil
}

func (e *Endpoint) hookFailed(hook string, cause error) error {
	e.metrics.RecordHookFailure(e.cfg.Name, hook)
	return errors.WrapFatal(
		fmt.Errorf("%w: %s hook of %q: %w", errors.ErrHookFailed, hook, e.cfg.Name, cause),
		"Endpoint", "run", hook+" hook")
}
