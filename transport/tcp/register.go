package tcp

import (
	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/manager"
)

// Register registers the tcp endpoint type with the registry
func Register(registry *manager.Registry) error {
	return registry.Register(config.TypeTCP, CreateListener)
}

// CreateListener builds a Listener from a device file entry
func CreateListener(cfg config.EndpointConfig, deps endpoint.Deps) (manager.Endpoint, error) {
	l, err := New(Config{
		Config:       cfg.Lifecycle(),
		Address:      cfg.Address,
		Port:         cfg.Port,
		Terminator:   cfg.Terminator(""),
		MaxFrame:     config.GetInt(cfg.Properties, "max_frame", 0),
		MaxBindTries: config.GetInt(cfg.Properties, "max_bind_tries", 0),
		NoKeepAlive:  !config.GetBool(cfg.Properties, "keep_alive", true),
		TLS:          cfg.TLS.Server(),
	}, deps)
	if err != nil {
		return nil, err
	}
	return l, nil
}
