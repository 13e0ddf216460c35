package mqttio

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Kind is the registry name of the MQTT endpoints.
const Kind = "mqtt"

// Register adds the mqtt endpoint kind to r. Parameters: "broker" and
// "topic" (required), "role" (connector or acceptor, default connector),
// "qos", "client_id_prefix", "username", "password",
// "allow_public_broker", "keep_alive", "connect_timeout",
// "publish_timeout", "buffer", "ca_cert_file", "client_cert_file",
// "client_key_file", "insecure_skip_verify". newClient may be nil.
func Register(r *endpoint.Registry, newClient ClientFactory) error {
	return r.Register(Kind, func(_ context.Context, cfg endpoint.Config, logger zerolog.Logger) (endpoint.Endpoint, error) {
		cc, err := clientConfig(cfg)
		if err != nil {
			return nil, err
		}
		switch role := cfg.Param("role", "connector"); role {
		case "connector":
			return NewPublisher(cfg.Name, cc, newClient, logger)
		case "acceptor":
			return NewSubscriber(cfg.Name, cc, newClient, logger)
		default:
			return nil, fmt.Errorf("%w: mqtt endpoint %s has unknown role %q", types.ErrConfig, cfg.Name, role)
		}
	})
}

func clientConfig(cfg endpoint.Config) (*ClientConfig, error) {
	cc := DefaultClientConfig(cfg.Param("broker", ""), cfg.Param("topic", ""))
	cc.ClientIDPrefix = cfg.Param("client_id_prefix", cc.ClientIDPrefix)
	cc.Username = cfg.Param("username", "")
	cc.Password = cfg.Param("password", "")
	cc.CACertFile = cfg.Param("ca_cert_file", "")
	cc.ClientCertFile = cfg.Param("client_cert_file", "")
	cc.ClientKeyFile = cfg.Param("client_key_file", "")

	qos, err := cfg.IntParam("qos", int(cc.QoS))
	if err != nil {
		return nil, err
	}
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("%w: endpoint %s parameter \"qos\" must be between 0 and 2", types.ErrConfig, cfg.Name)
	}
	cc.QoS = byte(qos)
	if cc.Buffer, err = cfg.IntParam("buffer", cc.Buffer); err != nil {
		return nil, err
	}
	if cc.AllowPublicBroker, err = cfg.BoolParam("allow_public_broker", false); err != nil {
		return nil, err
	}
	if cc.InsecureSkipVerify, err = cfg.BoolParam("insecure_skip_verify", false); err != nil {
		return nil, err
	}
	if cc.KeepAlive, err = cfg.DurationParam("keep_alive", cc.KeepAlive); err != nil {
		return nil, err
	}
	if cc.ConnectTimeout, err = cfg.DurationParam("connect_timeout", cc.ConnectTimeout); err != nil {
		return nil, err
	}
	if cc.PublishTimeout, err = cfg.DurationParam("publish_timeout", cc.PublishTimeout); err != nil {
		return nil, err
	}
	return cc, nil
}
