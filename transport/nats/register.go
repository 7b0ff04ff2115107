package nats

import (
	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/endpoint"
	"github.com/ndtelles/Atticus/manager"
)

// Register registers the nats endpoint type with the registry
func Register(registry *manager.Registry) error {
	return registry.Register(config.TypeNATS, CreateSubscriber)
}

// CreateSubscriber builds a Subscriber from a device file entry
func CreateSubscriber(cfg config.EndpointConfig, deps endpoint.Deps) (manager.Endpoint, error) {
	props := cfg.Properties
	n, err := New(Config{
		Config:         cfg.Lifecycle(),
		URL:            cfg.URL,
		Subject:        cfg.Subject,
		QueueGroup:     config.GetString(props, "queue_group", ""),
		ReplySubject:   config.GetString(props, "reply_subject", ""),
		ClientName:     config.GetString(props, "client_name", ""),
		Pending:        config.GetInt(props, "pending", 0),
		ConnectTimeout: config.GetDuration(props, "connect_timeout", 0),
		ReconnectWait:  config.GetDuration(props, "reconnect_wait", 0),
		TLS:            cfg.TLS.Client(),
	}, deps)
	if err != nil {
		return nil, err
	}
	return n, nil
}
