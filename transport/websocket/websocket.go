// Package websocket provides a WebSocket listener endpoint. Every connected
// client is a destination; each text or binary message is one request and
// each response is sent back as one text message.
package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/pkg/tlsutil"
	"github.com/ndtelles/Atticus/transport/framing"
	"github.com/ndtelles/Atticus/transport/hub"
)

// DefaultPath is served when Config.Path is empty
const DefaultPath = "/"

const (
	writeTimeout      = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Config configures a WebSocket listener endpoint
type Config struct {
	endpoint.Config `yaml:",inline"`

	Address  string `json:"address" yaml:"address"`
	Port     int    `json:"port" yaml:"port"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	MaxFrame int    `json:"max_frame,omitempty" yaml:"max_frame,omitempty"`

	// TLS, when set, serves wss://
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
			"websocket", "Validate", "port check")
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: path %q must start with /", errors.ErrInvalidConfig, c.Path),
			"websocket", "Validate", "path check")
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

// Listener is a WebSocket server endpoint
type Listener struct {
	*endpoint.Endpoint

	cfg      Config
	tlsConf  *tls.Config
	hub      *hub.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	frames   chan frame
	serveErr chan error
	closing  chan struct{}
	wg       sync.WaitGroup
}

// New creates a WebSocket listener endpoint
func New(cfg Config, deps endpoint.Deps) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = framing.DefaultMaxFrame
	}

	l := &Listener{
		cfg:      cfg,
		frames:   make(chan frame),
		serveErr: make(chan error, 1),
		closing:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Instrument clients are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
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
	l.logger = ep.Logger().With("transport", "websocket")
	l.hub = hub.New(cfg.Name, "websocket", ep.Outputs(), ep.Metrics(), l.logger)
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

// URL returns the ws:// or wss:// URL clients connect to, or "" before setup.
func (l *Listener) URL() string {
	addr := l.Addr()
	if addr == nil {
		return ""
	}
	scheme := "ws://"
	if l.tlsConf != nil {
		scheme = "wss://"
	}
	return scheme + addr.String() + l.cfg.Path
}

// Clients returns the number of connected clients
func (l *Listener) Clients() int {
	return l.hub.Len()
}

// Setup binds the listener and starts serving upgrades
func (l *Listener) Setup(ctx context.Context) error {
	addr := net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrAddressInUse, addr), "websocket", "Setup", "listen")
		}
		return errors.WrapTransient(err, "websocket", "Setup", "listen on "+addr)
	}
	if l.tlsConf != nil {
		ln = tls.NewListener(ln, l.tlsConf)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.handleUpgrade)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(l.logger.Handler(), slog.LevelWarn),
	}

	l.mu.Lock()
	l.listener = ln
	l.server = srv
	l.mu.Unlock()

	l.logger.Info("Socket bound", "address", ln.Addr().String(), "path", l.cfg.Path, "tls", l.tlsConf != nil)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.serveErr <- err
		}
	}()
	return nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("WebSocket upgrade failed", "client", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(int64(l.cfg.MaxFrame))

	// Registering under mu orders this handler before or after Teardown
	l.mu.Lock()
	select {
	case <-l.closing:
		l.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	l.wg.Add(1)
	key := l.hub.Add(&peer{conn: conn})
	l.mu.Unlock()
	defer l.wg.Done()
	defer l.hub.Remove(key)
	l.logger.Info("Client connected", "client", r.RemoteAddr, "key", key)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.logReadError(r.RemoteAddr, err)
			return
		}
		l.Metrics().RecordFrame(l.cfg.Name, "websocket")

		select {
		case l.frames <- frame{key: key, payload: string(data)}:
		case <-l.closing:
			return
		}
	}
}

func (l *Listener) logReadError(client string, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		l.logger.Error("Client exceeded max buffer length, disconnecting",
			"client", client, "max", l.cfg.MaxFrame)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		l.logger.Info("Client disconnected", "client", client)
	default:
		select {
		case <-l.closing:
		default:
			l.logger.Warn("Client read failed", "client", client, "error", err)
		}
	}
}

// Step handles one event: a request from a client, pending responses, or a
// server failure.
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
	case err := <-l.serveErr:
		return errors.WrapTransient(err, "websocket", "Step", "serve")
	}
	return nil
}

// Teardown closes the server and every client and waits for the handlers.
func (l *Listener) Teardown(ctx context.Context) error {
	l.mu.Lock()
	close(l.closing)
	srv := l.server
	l.mu.Unlock()

	var err error
	if srv != nil {
		// Close, not Shutdown: upgraded connections are hijacked and
		// invisible to the server.
		if cerr := srv.Close(); cerr != nil {
			err = errors.WrapTransient(cerr, "websocket", "Teardown", "close server")
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
		return errors.Join(err, errors.WrapTransient(ctx.Err(), "websocket", "Teardown", "connection drain"))
	}

	l.logger.Info("Server shutdown")
	return err
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) WriteResponse(resp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, []byte(resp))
}

func (p *peer) Close() error {
	return p.conn.Close()
}
