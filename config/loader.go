package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ndtelles/Atticus/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "ATTICUS"

// Loader reads device files, applies defaults and environment overrides,
// and validates the result.
type Loader struct {
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of the override variables
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads a device description from a YAML file
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := readDeviceFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrConfigNotFound, path),
				"Loader", "LoadFile", "read device file")
		}
		return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "read device file")
	}

	cfg, err := l.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// Load decodes a device description. Unknown keys are rejected.
func (l *Loader) Load(r io.Reader) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: empty device description", errors.ErrMissingConfig),
				"Loader", "Load", "decode yaml")
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"Loader", "Load", "decode yaml")
	}

	cfg.applyDefaults()

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if val, ok, err := l.intEnv("QUEUE_CAPACITY"); err != nil {
		return err
	} else if ok {
		cfg.Queue.Capacity = val
	}

	if val, ok, err := l.intEnv("METRICS_PORT"); err != nil {
		return err
	} else if ok {
		cfg.Metrics.Port = val
		cfg.Metrics.Enabled = val > 0
	}

	if val, ok := l.env("METRICS_ENABLED"); ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return l.envError("METRICS_ENABLED", err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

func (l *Loader) env(name string) (string, bool) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (l *Loader) intEnv(name string) (int, bool, error) {
	val, ok := l.env(name)
	if !ok {
		return 0, false, nil
	}
	if err := checkEnvValue(l.envPrefix+"_"+name, val); err != nil {
		return 0, false, l.envError(name, err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, l.envError(name, err)
	}
	return n, true, nil
}

func (l *Loader) envError(name string, err error) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s_%s: %w", errors.ErrInvalidConfig, l.envPrefix, name, err),
		"Loader", "applyEnvOverrides", "environment override")
}
