// Package errors provides standardized error handling patterns for Atticus endpoints.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, may succeed later), Invalid (bad input, bad configuration
// or an unsupported call sequence) and Fatal (unrecoverable, stop processing).
//
// Endpoints, the shared inbound queue and the transports all report failures
// through this package so callers can decide what to do without matching on
// error strings.
//
// # Lifecycle Errors
//
// The endpoint state machine uses a fixed set of sentinels:
//
//	ErrAlreadyStarted   // Start called outside the Idle state
//	ErrNotStarted       // Stop called on an endpoint that never started
//	ErrAlreadyStopped   // Stop called twice
//	ErrStartupTimeout   // setup hook did not finish before the startup deadline
//	ErrShutdownTimeout  // worker did not exit before the stop deadline
//	ErrHookFailed       // setup, step or teardown returned an error or panicked
//	ErrEndpointStopped  // a Responder was used after its endpoint stopped
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Endpoint", "Stop", "worker join")
//	errors.WrapInvalid(err, "Endpoint", "Start", "state check")
//	errors.WrapFatal(err, "Endpoint", "run", "step hook")
//
// The generic Wrap() function adds context without changing classification.
//
// # Checking Errors
//
// Sentinels survive wrapping, so the standard library helpers work:
//
//	if err := ep.Stop(0); errors.Is(err, errors.ErrShutdownTimeout) {
//		// worker is still running but buffers were released
//	}
//
// Classification helpers:
//
//	errors.IsTransient(err)
//	errors.IsInvalid(err)
//	errors.IsFatal(err)
//	errors.Classify(err)
//
// An explicit ClassifiedError always wins over sentinel and message pattern
// matching.
//
// # Thread Safety
//
// All functions are safe for concurrent use. ClassifiedError values are
// immutable after creation.
package errors
