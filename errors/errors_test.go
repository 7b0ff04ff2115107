package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"startup timeout", ErrStartupTimeout, true},
		{"shutdown timeout", ErrShutdownTimeout, true},
		{"address in use", ErrAddressInUse, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"hook failed", ErrHookFailed, false},
		{"invalid data", ErrInvalidData, false},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"hook failed", ErrHookFailed, true},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"resource exhausted", ErrResourceExhausted, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"panic in message", fmt.Errorf("panic: step exploded"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsFatal(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"already started", ErrAlreadyStarted, true},
		{"not started", ErrNotStarted, true},
		{"already stopped", ErrAlreadyStopped, true},
		{"frame too large", ErrFrameTooLarge, true},
		{"unknown type", ErrUnknownType, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsInvalid(test.err), "error: %v", test.err)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorFatal, Classify(ErrHookFailed))
	assert.Equal(t, ErrorInvalid, Classify(ErrAlreadyStarted))
	assert.Equal(t, ErrorTransient, Classify(ErrShutdownTimeout))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))

	// Explicit classification wins over message patterns
	err := WrapInvalid(fmt.Errorf("fatal looking message"), "Endpoint", "Start", "state check")
	assert.Equal(t, ErrorInvalid, Classify(err))
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")

	assert.Nil(t, Wrap(nil, "Endpoint", "Stop", "join"))

	err := Wrap(base, "Endpoint", "Stop", "join")
	require.Error(t, err)
	assert.Equal(t, "Endpoint.Stop: join failed: boom", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Nil(t, test.wrap(nil, "c", "m", "a"))

			err := test.wrap(ErrHookFailed, "Endpoint", "run", "step hook")
			require.Error(t, err)

			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, test.class, ce.Class)
			assert.Equal(t, "Endpoint", ce.Component)
			assert.Equal(t, "run", ce.Operation)
			assert.Equal(t, "Endpoint.run: step hook failed: endpoint hook failed", err.Error())
			assert.True(t, Is(err, ErrHookFailed))
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Nil(t, Join(nil, nil))

	err := Join(ErrShutdownTimeout, nil, ErrHookFailed)
	assert.True(t, Is(err, ErrShutdownTimeout))
	assert.True(t, Is(err, ErrHookFailed))
}
