// Package mqttio carries bus events over MQTT. A Publisher is a connector
// endpoint publishing event frames to a topic; a Subscriber is an acceptor
// endpoint receiving them from a topic filter.
package mqttio

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
)

// ClientConfig holds the Paho client settings of one endpoint.
type ClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker, e.g.
	// "tls://mqtt.example.com:8883".
	BrokerURL string
	// Topic is the publish topic of a Publisher, or the topic filter of a
	// Subscriber.
	Topic string
	QoS   byte
	// ClientIDPrefix gets a unique suffix per connection; brokers reject
	// two clients with the same id.
	ClientIDPrefix string
	// AllowPublicBroker permits connecting without credentials. Only for
	// trusted brokers.
	AllowPublicBroker bool
	Username          string
	Password          string
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	// PublishTimeout bounds the wait for a publish acknowledgement.
	PublishTimeout   time.Duration
	ReconnectWaitMax time.Duration
	// Buffer is the number of received messages held for Read.
	Buffer int

	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Never in
	// production.
	InsecureSkipVerify bool
}

// DefaultClientConfig returns a config with the usual timeouts and QoS 1.
func DefaultClientConfig(brokerURL, topic string) *ClientConfig {
	return &ClientConfig{
		BrokerURL:        brokerURL,
		Topic:            topic,
		QoS:              1,
		ClientIDPrefix:   "eventbroker-",
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   10 * time.Second,
		ReconnectWaitMax: 2 * time.Minute,
		Buffer:           1000,
	}
}

func (c *ClientConfig) validate(name string) error {
	switch {
	case c.BrokerURL == "":
		return fmt.Errorf("%w: mqtt endpoint %s needs a broker URL", types.ErrConfig, name)
	case c.Topic == "":
		return fmt.Errorf("%w: mqtt endpoint %s needs a topic", types.ErrConfig, name)
	case c.QoS > 2:
		return fmt.Errorf("%w: mqtt endpoint %s has invalid qos %d", types.ErrConfig, name, c.QoS)
	case c.Username == "" && !c.AllowPublicBroker:
		return fmt.Errorf("%w: mqtt endpoint %s has no credentials and allow_public_broker is not set", types.ErrConfig, name)
	}
	return nil
}

// ClientFactory creates a Paho client. mqtt.NewClient in production.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// clientOptions assembles the Paho options common to both endpoint roles.
func clientOptions(cfg *ClientConfig) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s%d", cfg.ClientIDPrefix, time.Now().UnixNano()%1000000))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetMaxReconnectInterval(cfg.ReconnectWaitMax)
	// Bus order must survive the hop.
	opts.SetOrderMatters(true)

	if strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "tls://") ||
		strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConfig, err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func newTLSConfig(cfg *ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// wait waits for token up to timeout and reports its error, or a timeout.
func wait(token mqtt.Token, timeout time.Duration, what string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %s timed out after %s", types.ErrTransport, what, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrTransport, what, err)
	}
	return nil
}
