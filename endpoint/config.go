package endpoint

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/inbound"
	"github.com/ndtelles/Atticus/metric"
)

// Default timing values.
const (
	DefaultStartTimeout   = 10 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultMaxStepLatency = time.Second
)

// Config holds endpoint settings shared by every transport.
type Config struct {
	Name string `json:"name" yaml:"name"`

	// StartTimeout bounds how long Start waits for the setup hook.
	StartTimeout time.Duration `json:"start_timeout,omitempty" yaml:"start_timeout,omitempty"`
	// StopTimeout is used by Stop when called with a non-positive timeout,
	// and bounds the teardown hook's context.
	StopTimeout time.Duration `json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`
	// MaxStepLatency is the step duration above which an overrun is reported.
	MaxStepLatency time.Duration `json:"max_step_latency,omitempty" yaml:"max_step_latency,omitempty"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Endpoint", "Validate", "name check")
	}
	if c.StartTimeout < 0 || c.StopTimeout < 0 || c.MaxStepLatency < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative duration for endpoint %q", errors.ErrInvalidConfig, c.Name),
			"Endpoint", "Validate", "duration check")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.StartTimeout == 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.MaxStepLatency == 0 {
		c.MaxStepLatency = DefaultMaxStepLatency
	}
	return c
}

// Deps holds the runtime dependencies of an endpoint
type Deps struct {
	Queue           *inbound.Queue          // required, shared by all endpoints
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional, defaults to slog.Default()
}
