package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/inbound"
	"github.com/ndtelles/Atticus/pkg/tlsutil"
	"github.com/ndtelles/Atticus/transport/framing"
)

// Endpoint types understood by the default transport registry
const (
	TypeTCP       = "tcp"
	TypeWebSocket = "websocket"
	TypeNATS      = "nats"
	TypePTY       = "pty"
)

// KnownTypes lists the endpoint types accepted by Validate
var KnownTypes = []string{TypeTCP, TypeWebSocket, TypeNATS, TypePTY}

// Defaults applied by the loader
const (
	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
	DefaultAddress     = "127.0.0.1"
)

var namePattern = regexp.MustCompile(`^[\w\d]+$`)

// Config describes one emulated device: its endpoints and request table.
type Config struct {
	Name       string            `yaml:"name"`
	Queue      QueueConfig       `yaml:"queue"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Endpoints  []EndpointConfig  `yaml:"endpoints"`
	Properties DeviceProperties  `yaml:"properties"`
	Requests   map[string]string `yaml:"requests"`
}

// QueueConfig sizes the shared inbound queue
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DeviceProperties controls how requests are matched and answered
type DeviceProperties struct {
	CaseSensitive   bool   `yaml:"case_sensitive"`
	Terminator      string `yaml:"terminator"`
	DefaultResponse string `yaml:"default_response"`
}

// EndpointConfig is the file form of one endpoint. Which fields apply
// depends on Type; transport specific tuning lives in Properties.
type EndpointConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	Path    string `yaml:"path,omitempty"`
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`

	StartTimeout   Duration `yaml:"start_timeout,omitempty"`
	StopTimeout    Duration `yaml:"stop_timeout,omitempty"`
	MaxStepLatency Duration `yaml:"max_step_latency,omitempty"`

	TLS *TLSConfig `yaml:"tls,omitempty"`

	Properties map[string]any `yaml:"properties,omitempty"`
}

// TLSConfig is the file form of an endpoint's TLS settings. Listeners
// (tcp, websocket) use the server fields, nats uses the client fields.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	MinVersion string `yaml:"min_version,omitempty"`

	ClientCAFiles     []string `yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `yaml:"allowed_client_cns,omitempty"`

	CAFiles            []string `yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"`
}

// Server returns the listener view, or nil when t is nil
func (t *TLSConfig) Server() *tlsutil.ServerConfig {
	if t == nil {
		return nil
	}
	return &tlsutil.ServerConfig{
		CertFile:          t.CertFile,
		KeyFile:           t.KeyFile,
		MinVersion:        t.MinVersion,
		ClientCAFiles:     t.ClientCAFiles,
		RequireClientCert: t.RequireClientCert,
		AllowedClientCNs:  t.AllowedClientCNs,
	}
}

// Client returns the outbound view, or nil when t is nil
func (t *TLSConfig) Client() *tlsutil.ClientConfig {
	if t == nil {
		return nil
	}
	return &tlsutil.ClientConfig{
		CAFiles:            t.CAFiles,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         t.MinVersion,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
	}
}

// Lifecycle returns the transport independent part of the configuration
func (e EndpointConfig) Lifecycle() endpoint.Config {
	return endpoint.Config{
		Name:           e.Name,
		StartTimeout:   time.Duration(e.StartTimeout),
		StopTimeout:    time.Duration(e.StopTimeout),
		MaxStepLatency: time.Duration(e.MaxStepLatency),
	}
}

// Terminator returns the endpoint's framing terminator, falling back to
// fallback when the endpoint does not set one.
func (e EndpointConfig) Terminator(fallback string) framing.Terminator {
	t, err := framing.ParseTerminator(GetString(e.Properties, "terminator", fallback))
	if err != nil {
		return framing.LF
	}
	return t
}

// Endpoint returns the named endpoint configuration
func (c *Config) Endpoint(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// Validate checks the whole device description and returns the first problem.
func (c *Config) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return invalid("name %q must match %s", c.Name, namePattern)
	}
	if c.Queue.Capacity < 0 {
		return invalid("queue.capacity %d must not be negative", c.Queue.Capacity)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Properties.Terminator != "" {
		if _, err := framing.ParseTerminator(c.Properties.Terminator); err != nil {
			return invalid("properties.terminator %q must be one of lf, crlf, none", c.Properties.Terminator)
		}
	}
	if len(c.Endpoints) == 0 {
		return invalid("at least one endpoint is required")
	}

	seen := make(map[string]struct{}, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if err := ep.validate(); err != nil {
			return errors.WrapInvalid(fmt.Errorf("endpoints[%d]: %w", i, err), "Config", "Validate", "endpoint check")
		}
		if _, dup := seen[ep.Name]; dup {
			return invalid("endpoint name %q is used more than once", ep.Name)
		}
		seen[ep.Name] = struct{}{}
	}
	return nil
}

func (e EndpointConfig) validate() error {
	if !namePattern.MatchString(e.Name) {
		return fmt.Errorf("%w: name %q must match %s", errors.ErrInvalidConfig, e.Name, namePattern)
	}
	if !isKnownType(e.Type) {
		return fmt.Errorf("%w: %q has type %q, want one of %s",
			errors.ErrUnknownType, e.Name, e.Type, strings.Join(KnownTypes, ", "))
	}
	if e.StartTimeout < 0 || e.StopTimeout < 0 || e.MaxStepLatency < 0 {
		return fmt.Errorf("%w: %q has a negative timeout", errors.ErrInvalidConfig, e.Name)
	}
	if t, ok := e.Properties["terminator"]; ok {
		s, isString := t.(string)
		if !isString {
			return fmt.Errorf("%w: %q terminator must be a string", errors.ErrInvalidConfig, e.Name)
		}
		if _, err := framing.ParseTerminator(s); err != nil {
			return fmt.Errorf("%w: %q terminator %q must be one of lf, crlf, none", errors.ErrInvalidConfig, e.Name, s)
		}
	}

	switch e.Type {
	case TypeTCP, TypeWebSocket:
		if e.Port < 0 || e.Port > 65535 {
			return fmt.Errorf("%w: %q port %d out of range", errors.ErrInvalidConfig, e.Name, e.Port)
		}
		if e.Address != "" && net.ParseIP(e.Address) == nil {
			return fmt.Errorf("%w: %q address %q is not an IP address", errors.ErrInvalidConfig, e.Name, e.Address)
		}
		if e.TLS != nil {
			if err := e.TLS.Server().Validate(); err != nil {
				return fmt.Errorf("endpoint %q tls: %w", e.Name, err)
			}
		}
	case TypeNATS:
		if e.Subject == "" {
			return fmt.Errorf("%w: %q needs a subject", errors.ErrMissingConfig, e.Name)
		}
		if e.TLS != nil {
			if err := e.TLS.Client().Validate(); err != nil {
				return fmt.Errorf("endpoint %q tls: %w", e.Name, err)
			}
		}
	case TypePTY:
		if e.TLS != nil {
			return fmt.Errorf("%w: %q is a pty and cannot use tls", errors.ErrInvalidConfig, e.Name)
		}
	}
	return nil
}

func isKnownType(t string) bool {
	for _, known := range KnownTypes {
		if t == known {
			return true
		}
	}
	return false
}

// applyDefaults fills in everything the file left out
func (c *Config) applyDefaults() {
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = inbound.DefaultCapacity
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Properties.Terminator == "" {
		c.Properties.Terminator = string(framing.LF)
	}
	c.Properties.Terminator = strings.ToLower(c.Properties.Terminator)
	if c.Requests == nil {
		c.Requests = map[string]string{}
	}

	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if (ep.Type == TypeTCP || ep.Type == TypeWebSocket) && ep.Address == "" {
			ep.Address = DefaultAddress
		}
		if !HasKey(ep.Properties, "terminator") {
			if ep.Properties == nil {
				ep.Properties = map[string]any{}
			}
			ep.Properties["terminator"] = c.Properties.Terminator
		}
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "field check")
}

// Duration is a time.Duration that reads "500ms", "5s" or "2d" from YAML.
// Bare integers are seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: duration must be a scalar", errors.ErrInvalidConfig)
	}
	if node.Tag == "!!int" {
		secs, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %w", errors.ErrInvalidConfig, node.Value, err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := parseDurationWithDays(node.Value)
	if err != nil {
		return fmt.Errorf("%w: duration %q: %w", errors.ErrInvalidConfig, node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
