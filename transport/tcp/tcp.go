// Package tcp provides a TCP listener endpoint. Each connected client is a
// destination; requests are split on the configured terminator.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/pkg/tlsutil"
	"github.com/ndtelles/Atticus/transport/framing"
	"github.com/ndtelles/Atticus/transport/hub"
)

// DefaultMaxBindTries is how many following ports are tried when the
// configured port is taken.
const DefaultMaxBindTries = 10

const writeTimeout = 5 * time.Second

// Config configures a TCP listener endpoint
type Config struct {
	endpoint.Config `yaml:",inline"`

	Address      string             `json:"address" yaml:"address"`
	Port         int                `json:"port" yaml:"port"`
	Terminator   framing.Terminator `json:"terminator,omitempty" yaml:"terminator,omitempty"`
	MaxFrame     int                `json:"max_frame,omitempty" yaml:"max_frame,omitempty"`
	MaxBindTries int                `json:"max_bind_tries,omitempty" yaml:"max_bind_tries,omitempty"`

	// NoKeepAlive turns off TCP keep-alive on accepted clients
	NoKeepAlive bool `json:"no_keep_alive,omitempty" yaml:"no_keep_alive,omitempty"`

	// TLS, when set, wraps every client connection
	TLS *tlsutil.ServerConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Port),
			"tcp", "Validate", "port check")
	}
	if c.Terminator != "" {
		if _, err := framing.ParseTerminator(string(c.Terminator)); err != nil {
			return err
		}
	}
	if c.TLS != nil {
		return c.TLS.Validate()
	}
	return nil
}

type frame struct {
	key     string
	payload string
}

// Listener is a TCP server endpoint
type Listener struct {
	*endpoint.Endpoint

	cfg     Config
	term    framing.Terminator
	tlsConf *tls.Config
	hub     *hub.Hub
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	frames    chan frame
	acceptErr chan error
	closing   chan struct{}
	wg        sync.WaitGroup
}

// New creates a TCP listener endpoint
func New(cfg Config, deps endpoint.Deps) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	term, _ := framing.ParseTerminator(string(cfg.Terminator))
	if cfg.MaxBindTries == 0 {
		cfg.MaxBindTries = DefaultMaxBindTries
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = framing.DefaultMaxFrame
	}

	l := &Listener{
		cfg:       cfg,
		term:      term,
		frames:    make(chan frame),
		acceptErr: make(chan error, 1),
		closing:   make(chan struct{}),
	}
	if cfg.TLS != nil {
		tlsConfig, err := tlsutil.LoadServer(*cfg.TLS)
		if err != nil {
			return nil, err
		}
		l.tlsConf = tlsConfig
	}

	ep, err := endpoint.New(cfg.Config, l, deps)
	if err != nil {
		return nil, err
	}
	l.Endpoint = ep
	l.logger = ep.Logger().With("transport", "tcp")
	l.hub = hub.New(cfg.Name, "tcp", ep.Outputs(), ep.Metrics(), l.logger)
	return l, nil
}

// Addr returns the bound address, or nil before setup.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Clients returns the number of connected clients
func (l *Listener) Clients() int {
	return l.hub.Len()
}

// Setup binds the listener, searching upward for a free port, and starts
// accepting clients.
func (l *Listener) Setup(ctx context.Context) error {
	ln, err := l.bind(ctx)
	if err != nil {
		return err
	}
	if l.tlsConf != nil {
		ln = tls.NewListener(ln, l.tlsConf)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info("Socket bound", "address", ln.Addr().String(), "tls", l.tlsConf != nil)

	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

func (l *Listener) bind(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	if l.cfg.NoKeepAlive {
		lc.KeepAlive = -1
	}
	for attempt := 0; ; attempt++ {
		port := l.cfg.Port + attempt
		addr := net.JoinHostPort(l.cfg.Address, strconv.Itoa(port))

		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}

		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, errors.WrapTransient(err, "tcp", "Setup", "listen on "+addr)
		}
		if l.cfg.Port == 0 || attempt >= l.cfg.MaxBindTries {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: ports %d-%d", errors.ErrAddressInUse, l.cfg.Port, port),
				"tcp", "Setup", "port search")
		}
		l.logger.Warn("Port in use, trying next port", "port", port)
	}
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.closing:
			default:
				l.acceptErr <- err
			}
			return
		}

		// Registering under mu orders this client before or after Teardown
		l.mu.Lock()
		select {
		case <-l.closing:
			l.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		key := l.hub.Add(&peer{conn: conn})
		l.wg.Add(1)
		l.mu.Unlock()

		l.logger.Info("Client connected", "client", conn.RemoteAddr().String(), "key", key)
		go l.readLoop(conn, key)
	}
}

func (l *Listener) readLoop(conn net.Conn, key string) {
	defer l.wg.Done()
	defer l.hub.Remove(key)

	scanner := framing.NewScanner(conn, l.term, l.cfg.MaxFrame)
	for scanner.Scan() {
		l.Metrics().RecordFrame(l.cfg.Name, "tcp")
		select {
		case l.frames <- frame{key: key, payload: scanner.Text()}:
		case <-l.closing:
			return
		}
	}

	client := conn.RemoteAddr().String()
	switch err := framing.Err(scanner); {
	case errors.Is(err, errors.ErrFrameTooLarge):
		l.logger.Error("Client exceeded max buffer length, disconnecting",
			"client", client, "max", l.cfg.MaxFrame)
	case err != nil:
		select {
		case <-l.closing:
		default:
			l.logger.Warn("Client read failed", "client", client, "error", err)
		}
	default:
		l.logger.Info("Client disconnected", "client", client)
	}
}

// Step handles one event: a request from a client, pending responses, or a
// listener failure.
func (l *Listener) Step(ctx context.Context) error {
	idle := time.NewTimer(l.IdleTimeout())
	defer idle.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-idle.C:
		return nil
	case f := <-l.frames:
		l.logger.Debug("Received request", "key", f.key, "payload", f.payload)
		l.SubmitInbound(f.payload, f.key)
	case <-l.Outputs().Notify():
		l.hub.Flush()
	case err := <-l.acceptErr:
		return errors.WrapTransient(err, "tcp", "Step", "accept")
	}
	return nil
}

// Teardown closes the listener and every client and waits for the
// connection goroutines.
func (l *Listener) Teardown(ctx context.Context) error {
	l.mu.Lock()
	close(l.closing)
	ln := l.listener
	l.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil {
			err = errors.WrapTransient(cerr, "tcp", "Teardown", "close listener")
		}
	}
	l.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, errors.WrapTransient(ctx.Err(), "tcp", "Teardown", "connection drain"))
	}

	l.logger.Info("Server shutdown")
	return err
}

type peer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *peer) WriteResponse(resp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := io.WriteString(p.conn, resp)
	return err
}

func (p *peer) Close() error {
	return p.conn.Close()
}
