package endpoint

import (
	"context"
	"time"
)

// Hooks is the transport-specific behavior an Endpoint drives.
//
// All three hooks run on the endpoint's worker goroutine.
//
// Setup acquires resources (listeners, ports, connections). Start returns
// once it completes.
//
// Step performs one bounded unit of work and is called repeatedly until ctx
// is cancelled. With nothing to do it should return nil within
// Endpoint.IdleTimeout. It should return promptly after cancellation; errors
// returned after cancellation are not treated as failures, panics are.
//
// Teardown releases whatever Setup acquired. It runs exactly once, also after
// Setup failed, so it must tolerate partially acquired resources.
type Hooks interface {
	Setup(ctx context.Context) error
	Step(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// IdleStep is how long the default step of HookFuncs waits per call
const IdleStep = DefaultMaxStepLatency / 2

// HookFuncs adapts plain functions to Hooks. Nil functions are no-ops,
// except a nil StepFunc, which idles for up to IdleStep.
type HookFuncs struct {
	SetupFunc    func(ctx context.Context) error
	StepFunc     func(ctx context.Context) error
	TeardownFunc func(ctx context.Context) error
}

// Setup implements Hooks
func (h HookFuncs) Setup(ctx context.Context) error {
	if h.SetupFunc == nil {
		return nil
	}
	return h.SetupFunc(ctx)
}

// Step implements Hooks
func (h HookFuncs) Step(ctx context.Context) error {
	if h.StepFunc == nil {
		idle := time.NewTimer(IdleStep)
		defer idle.Stop()
		select {
		case <-ctx.Done():
		case <-idle.C:
		}
		return nil
	}
	return h.StepFunc(ctx)
}

// Teardown implements Hooks
func (h HookFuncs) Teardown(ctx context.Context) error {
	if h.TeardownFunc == nil {
		return nil
	}
	return h.TeardownFunc(ctx)
}
