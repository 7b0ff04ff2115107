// Package transportregistry registers every built-in endpoint type.
package transportregistry

import (
	"errors"

	pkgerrors "github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/manager"
	"github.com/ndtelles/Atticus/transport/nats"
	"github.com/ndtelles/Atticus/transport/pty"
	"github.com/ndtelles/Atticus/transport/tcp"
	"github.com/ndtelles/Atticus/transport/websocket"
)

// Register registers the built-in endpoint types with the provided registry:
//   - tcp (line-oriented socket server)
//   - websocket (one request per message)
//   - nats (request/reply over a subject)
//   - pty (pseudo-terminal serial port)
func Register(registry *manager.Registry) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"TransportRegistry", "Register", "registry validation")
	}

	if err := tcp.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "TransportRegistry", "Register", "tcp endpoint registration")
	}
	if err := websocket.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "TransportRegistry", "Register", "websocket endpoint registration")
	}
	if err := nats.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "TransportRegistry", "Register", "nats endpoint registration")
	}
	if err := pty.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "TransportRegistry", "Register", "pty endpoint registration")
	}

	return nil
}

// NewRegistry returns a registry holding every built-in endpoint type
func NewRegistry() (*manager.Registry, error) {
	registry := manager.NewRegistry()
	if err := Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
