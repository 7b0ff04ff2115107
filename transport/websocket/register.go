package websocket

import (
	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/manager"
)

// Register registers the websocket endpoint type with the registry
func Register(registry *manager.Registry) error {
	return registry.Register(config.TypeWebSocket, CreateListener)
}

// CreateListener builds a Listener from a device file entry
func CreateListener(cfg config.EndpointConfig, deps endpoint.Deps) (manager.Endpoint, error) {
	l, err := New(Config{
		Config:   cfg.Lifecycle(),
		Address:  cfg.Address,
		Port:     cfg.Port,
		Path:     cfg.Path,
		MaxFrame: config.GetInt(cfg.Properties, "max_frame", 0),
		TLS:      cfg.TLS.Server(),
	}, deps)
	if err != nil {
		return nil, err
	}
	return l, nil
}
