// Package nats provides a request/reply endpoint on a NATS subject.
//
// Every message received on the subject is one request. Its reply subject is
// the destination key, so responses go straight back to the requester's
// inbox. Messages without a reply subject are answered on
// Config.ReplySubject when set and otherwise only consumed.
package nats

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/pkg/retry"
	"github.com/ndtelles/Atticus/pkg/tlsutil"
)

// Defaults for the connection
const (
	DefaultPendingMessages = 256
	DefaultConnectTimeout  = 2 * time.Second
	DefaultReconnectWait   = 2 * time.Second
)

// Config configures a NATS endpoint
type Config struct {
	endpoint.Config `yaml:",inline"`

	URL          string `json:"url" yaml:"url"`
	Subject      string `json:"subject" yaml:"subject"`
	QueueGroup   string `json:"queue_group,omitempty" yaml:"queue_group,omitempty"`
	ReplySubject string `json:"reply_subject,omitempty" yaml:"reply_subject,omitempty"`
	ClientName   string `json:"client_name,omitempty" yaml:"client_name,omitempty"`

	// Pending bounds the messages buffered between the subscription and Step
	Pending int `json:"pending,omitempty" yaml:"pending,omitempty"`

	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	ReconnectWait  time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`

	// TLS, when set, secures the connection to the server
	TLS *tlsutil.ClientConfig `json:"tls,omitempty" yaml:"tls,omitempty"`

	// Retry governs the initial connection attempts
	Retry retry.Config `json:"-" yaml:"-"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.Subject == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: subject is required", errors.ErrMissingConfig),
			"nats", "Validate", "subject check")
	}
	if strings.ContainsAny(c.Subject, " \t\r\n") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: subject %q contains whitespace", errors.ErrInvalidConfig, c.Subject),
			"nats", "Validate", "subject check")
	}
	if c.Pending < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: pending %d must not be negative", errors.ErrInvalidConfig, c.Pending),
			"nats", "Validate", "pending check")
	}
	if c.TLS != nil {
		return c.TLS.Validate()
	}
	return nil
}

// Subscriber answers requests published on a NATS subject
type Subscriber struct {
	*endpoint.Endpoint

	cfg     Config
	tlsConf *tls.Config
	logger  *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg
	lost chan error
}

// New creates a NATS subscriber endpoint
func New(cfg Config, deps endpoint.Deps) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Pending == 0 {
		cfg.Pending = DefaultPendingMessages
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultReconnectWait
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Quick()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "atticus-" + cfg.Name
	}

	n := &Subscriber{
		cfg:  cfg,
		msgs: make(chan *nats.Msg, cfg.Pending),
		lost: make(chan error, 1),
	}
	if cfg.TLS != nil {
		tlsConfig, err := tlsutil.LoadClient(*cfg.TLS)
		if err != nil {
			return nil, err
		}
		n.tlsConf = tlsConfig
	}

	ep, err := endpoint.New(cfg.Config, n, deps)
	if err != nil {
		return nil, err
	}
	n.Endpoint = ep
	n.logger = ep.Logger().With("transport", "nats", "subject", cfg.Subject)
	return n, nil
}

// Connected reports whether the connection is currently up
func (n *Subscriber) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil && n.conn.IsConnected()
}

func (n *Subscriber) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(n.cfg.ClientName),
		nats.Timeout(n.cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.DisconnectErrHandler(n.handleDisconnect),
		nats.ReconnectHandler(n.handleReconnect),
		nats.ClosedHandler(n.handleClosed),
		nats.ErrorHandler(n.handleError),
	}
	if n.tlsConf != nil {
		opts = append(opts, nats.Secure(n.tlsConf))
	}
	return opts
}

// Setup connects with retry and subscribes to the request subject.
func (n *Subscriber) Setup(ctx context.Context) error {
	rcfg := n.cfg.Retry
	rcfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		n.logger.Warn("NATS connection failed, retrying",
			"url", n.cfg.URL, "attempt", attempt, "delay", delay, "error", err)
	}

	conn, err := retry.DoWithResult(ctx, rcfg, func() (*nats.Conn, error) {
		nc, err := nats.Connect(n.cfg.URL, n.connectionOptions()...)
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrNoConnection, err), "nats", "Setup", "connect")
		}
		return nc, nil
	})
	if err != nil {
		return err
	}

	var sub *nats.Subscription
	if n.cfg.QueueGroup != "" {
		sub, err = conn.ChanQueueSubscribe(n.cfg.Subject, n.cfg.QueueGroup, n.msgs)
	} else {
		sub, err = conn.ChanSubscribe(n.cfg.Subject, n.msgs)
	}
	if err != nil {
		conn.Close()
		return errors.WrapInvalid(err, "nats", "Setup", "subscribe to "+n.cfg.Subject)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return errors.WrapTransient(err, "nats", "Setup", "flush subscription")
	}

	n.mu.Lock()
	n.conn = conn
	n.sub = sub
	n.mu.Unlock()

	n.Metrics().RecordNATSStatus(n.cfg.Name, true)
	n.logger.Info("Subscribed", "url", conn.ConnectedUrl(), "queue_group", n.cfg.QueueGroup)
	return nil
}

// Step handles one request or publishes pending responses.
func (n *Subscriber) Step(ctx context.Context) error {
	idle := time.NewTimer(n.IdleTimeout())
	defer idle.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-idle.C:
		return nil
	case msg := <-n.msgs:
		n.Metrics().RecordFrame(n.cfg.Name, "nats")
		n.SubmitInbound(string(msg.Data), n.destination(msg))
	case <-n.Outputs().Notify():
		return n.publishPending()
	case err := <-n.lost:
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err), "nats", "Step", "connection")
	}
	return nil
}

func (n *Subscriber) destination(msg *nats.Msg) string {
	if msg.Reply != "" {
		return msg.Reply
	}
	return n.cfg.ReplySubject
}

func (n *Subscriber) publishPending() error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	store := n.Outputs()
	for _, key := range store.Pending(true) {
		var responses []string
		if key != "" && key == n.cfg.ReplySubject {
			responses = store.Drain(key)
		} else {
			// reply inboxes are released once published
			responses = store.Take(key)
		}
		if key == "" {
			n.logger.Debug("Dropping responses without reply subject", "count", len(responses))
			continue
		}
		for _, resp := range responses {
			if err := conn.Publish(key, []byte(resp)); err != nil {
				return errors.WrapTransient(err, "nats", "Step", "publish to "+key)
			}
		}
	}
	return nil
}

// Teardown drains the subscription and closes the connection.
func (n *Subscriber) Teardown(ctx context.Context) error {
	n.mu.Lock()
	conn := n.conn
	sub := n.sub
	n.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	if sub != nil {
		if uerr := sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = errors.WrapTransient(uerr, "nats", "Teardown", "unsubscribe")
		}
	}

	if conn.IsConnected() {
		flushCtx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
		if ferr := conn.FlushWithContext(flushCtx); ferr != nil {
			n.logger.Debug("Final flush failed", "error", ferr)
		}
		cancel()
	}

	conn.Close()
	n.Metrics().RecordNATSStatus(n.cfg.Name, false)
	n.logger.Info("Disconnected")
	return err
}

func (n *Subscriber) handleDisconnect(_ *nats.Conn, err error) {
	n.Metrics().RecordNATSStatus(n.cfg.Name, false)
	if err != nil {
		n.logger.Warn("NATS disconnected", "error", err)
	}
}

func (n *Subscriber) handleReconnect(nc *nats.Conn) {
	n.Metrics().RecordNATSStatus(n.cfg.Name, true)
	n.Metrics().RecordNATSReconnect(n.cfg.Name)
	n.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
}

func (n *Subscriber) handleClosed(*nats.Conn) {
	n.Metrics().RecordNATSStatus(n.cfg.Name, false)
	if n.State() == endpoint.StateRunning {
		select {
		case n.lost <- nats.ErrConnectionClosed:
		default:
		}
	}
}

func (n *Subscriber) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if errors.Is(err, nats.ErrSlowConsumer) && sub != nil {
		dropped, _ := sub.Dropped()
		n.logger.Warn("Request subscription is falling behind", "dropped", dropped)
		return
	}
	n.logger.Error("NATS error", "error", err)
}
