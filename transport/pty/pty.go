// Package pty provides a serial port endpoint backed by a pseudo-terminal.
//
// Setup allocates a pty pair and puts it in raw mode. Clients open the
// secondary side (SecondaryPath, or the Link symlink) as they would a
// serial device. Unlike socket transports there is exactly one destination,
// DestinationKey, because a serial line has no notion of separate clients.
package pty

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/transport/framing"
)

// DestinationKey is the single output buffer of a serial endpoint
const DestinationKey = "serial"

// Config configures a pseudo-terminal endpoint
type Config struct {
	endpoint.Config `yaml:",inline"`

	Terminator framing.Terminator `json:"terminator,omitempty" yaml:"terminator,omitempty"`
	MaxFrame   int                `json:"max_frame,omitempty" yaml:"max_frame,omitempty"`

	// Link, when set, is a symlink created to the secondary device
	Link string `json:"link,omitempty" yaml:"link,omitempty"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.Terminator != "" {
		if _, err := framing.ParseTerminator(string(c.Terminator)); err != nil {
			return err
		}
	}
	return nil
}

// Serial emulates a serial device on a pseudo-terminal
type Serial struct {
	*endpoint.Endpoint

	cfg    Config
	term   framing.Terminator
	logger *slog.Logger

	mu      sync.Mutex
	ptmx    *os.File
	tty     *os.File
	linked  bool
	frames  chan string
	readErr chan error
	closing chan struct{}
	wg      sync.WaitGroup
}

// New creates a pseudo-terminal endpoint
func New(cfg Config, deps endpoint.Deps) (*Serial, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, _ := framing.ParseTerminator(string(cfg.Terminator))
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = framing.DefaultMaxFrame
	}

	s := &Serial{
		cfg:     cfg,
		term:    t,
		frames:  make(chan string),
		readErr: make(chan error, 1),
		closing: make(chan struct{}),
	}

	ep, err := endpoint.New(cfg.Config, s, deps)
	if err != nil {
		return nil, err
	}
	s.Endpoint = ep
	s.logger = ep.Logger().With("transport", "pty")
	return s, nil
}

// SecondaryPath returns the device path clients open, or "" before setup.
func (s *Serial) SecondaryPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty == nil {
		return ""
	}
	return s.tty.Name()
}

// Setup allocates the pseudo-terminal and starts reading from it.
func (s *Serial) Setup(_ context.Context) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return errors.WrapTransient(err, "pty", "Setup", "open pseudo-terminal")
	}

	// No echo and no newline translation, like a plain serial line
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return errors.WrapTransient(err, "pty", "Setup", "set raw mode")
	}

	if s.cfg.Link != "" {
		if err := os.Remove(s.cfg.Link); err != nil && !os.IsNotExist(err) {
			_ = ptmx.Close()
			_ = tty.Close()
			return errors.WrapInvalid(err, "pty", "Setup", "replace link "+s.cfg.Link)
		}
		if err := os.Symlink(tty.Name(), s.cfg.Link); err != nil {
			_ = ptmx.Close()
			_ = tty.Close()
			return errors.WrapInvalid(err, "pty", "Setup", "create link "+s.cfg.Link)
		}
	}

	s.mu.Lock()
	s.ptmx = ptmx
	s.tty = tty
	s.linked = s.cfg.Link != ""
	s.mu.Unlock()

	_ = s.Outputs().Create(DestinationKey)
	s.Metrics().RecordConnections(s.cfg.Name, "pty", 1)
	s.logger.Info("Serial device ready", "path", tty.Name(), "link", s.cfg.Link)

	s.wg.Add(1)
	go s.readLoop(ptmx)
	return nil
}

func (s *Serial) readLoop(r io.Reader) {
	defer s.wg.Done()

	br := bufio.NewReader(r)
	for {
		scanner := framing.NewScanner(br, s.term, s.cfg.MaxFrame)
		for scanner.Scan() {
			s.Metrics().RecordFrame(s.cfg.Name, "pty")
			select {
			case s.frames <- scanner.Text():
			case <-s.closing:
				return
			}
		}

		err := framing.Err(scanner)
		if errors.Is(err, errors.ErrFrameTooLarge) {
			// A serial line cannot be disconnected; discard the rest of the line
			s.logger.Error("Request exceeded max buffer length, discarding", "max", s.cfg.MaxFrame)
			if err = framing.SkipFrame(br, s.term); err == nil {
				continue
			}
		}

		select {
		case <-s.closing:
		default:
			if err == nil {
				err = io.EOF
			}
			s.readErr <- err
		}
		return
	}
}

// Step handles one request or writes pending responses to the line.
func (s *Serial) Step(ctx context.Context) error {
	idle := time.NewTimer(s.IdleTimeout())
	defer idle.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-idle.C:
		return nil
	case payload := <-s.frames:
		s.logger.Debug("Received request", "payload", payload)
		s.SubmitInbound(payload, DestinationKey)
	case <-s.Outputs().Notify():
		return s.flush()
	case err := <-s.readErr:
		return errors.WrapTransient(err, "pty", "Step", "read")
	}
	return nil
}

func (s *Serial) flush() error {
	if !s.Outputs().HasPending(DestinationKey, true) {
		return nil
	}

	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()

	w := bufio.NewWriter(ptmx)
	for _, resp := range s.Outputs().Drain(DestinationKey) {
		if _, err := w.WriteString(resp); err != nil {
			return errors.WrapTransient(err, "pty", "Step", "write response")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.WrapTransient(err, "pty", "Step", "write response")
	}
	return nil
}

// Teardown releases the pseudo-terminal and removes the link.
func (s *Serial) Teardown(ctx context.Context) error {
	close(s.closing)

	s.mu.Lock()
	ptmx, tty, linked := s.ptmx, s.tty, s.linked
	s.mu.Unlock()

	var errs []error
	// Closing the secondary first makes a blocked read on the primary return
	if tty != nil {
		errs = append(errs, tty.Close())
	}
	if ptmx != nil {
		errs = append(errs, ptmx.Close())
	}
	if linked {
		if err := os.Remove(s.cfg.Link); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	s.Metrics().RecordConnections(s.cfg.Name, "pty", 0)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("reader did not exit: %w", ctx.Err()))
	}

	if err := errors.Join(errs...); err != nil {
		return errors.WrapTransient(err, "pty", "Teardown", "release pseudo-terminal")
	}
	s.logger.Info("Serial device closed")
	return nil
}
