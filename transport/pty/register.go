package pty

import (
	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/manager"
)

// Register registers the pty endpoint type with the registry
func Register(registry *manager.Registry) error {
	return registry.Register(config.TypePTY, CreateSerial)
}

// CreateSerial builds a Serial from a device file entry
func CreateSerial(cfg config.EndpointConfig, deps endpoint.Deps) (manager.Endpoint, error) {
	s, err := New(Config{
		Config:     cfg.Lifecycle(),
		Terminator: cfg.Terminator(""),
		MaxFrame:   config.GetInt(cfg.Properties, "max_frame", 0),
		Link:       config.GetString(cfg.Properties, "link", cfg.Path),
	}, deps)
	if err != nil {
		return nil, err
	}
	return s, nil
}
